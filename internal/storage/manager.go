package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/metrics"
	"github.com/tubocms/mediastore/internal/retry"
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	// Files persists reference swaps. When nil, MigrateFile only updates
	// the VideoFile it was given.
	Files FileLocationUpdater

	// Signer signs URLs for adapters without native signing.
	Signer URLSigner

	// MediaRoot is the local media tree that remote->local migrations write into.
	MediaRoot string

	// TempDir holds transient files for remote->remote migrations.
	TempDir string

	QuotaCacheTTL  time.Duration
	QuotaCacheSize int

	// OperationTimeout bounds every single adapter call. Zero disables it.
	OperationTimeout time.Duration

	// Retry controls retries of transient backend failures.
	Retry retry.Config

	// VerifyUploads checks existence and size after each upload.
	VerifyUploads bool
}

type cachedAdapter struct {
	adapter     Adapter
	fingerprint string
}

// Manager is the single point of contact for where a file lives and how
// it is moved or served. It is safe for concurrent use.
type Manager struct {
	registry *Registry
	storages StorageRepository
	opts     Options

	mu       sync.Mutex
	adapters map[int]*cachedAdapter

	quotas *expirable.LRU[int, Quota]
}

// NewManager creates a Manager.
func NewManager(registry *Registry, storages StorageRepository, opts Options) *Manager {
	if opts.QuotaCacheTTL <= 0 {
		opts.QuotaCacheTTL = 5 * time.Minute
	}
	if opts.QuotaCacheSize <= 0 {
		opts.QuotaCacheSize = 256
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = retry.Once()
	}

	return &Manager{
		registry: registry,
		storages: storages,
		opts:     opts,
		adapters: make(map[int]*cachedAdapter),
		quotas:   expirable.NewLRU[int, Quota](opts.QuotaCacheSize, nil, opts.QuotaCacheTTL),
	}
}

// Adapter returns the cached adapter for s, building one if none is cached
// or if the storage's configuration changed since it was built.
func (m *Manager) Adapter(ctx context.Context, s *Storage) (Adapter, error) {
	fp := s.fingerprint()

	m.mu.Lock()
	if c, ok := m.adapters[s.ID]; ok && c.fingerprint == fp {
		m.mu.Unlock()
		return c.adapter, nil
	}
	m.mu.Unlock()

	// Connect outside the lock; handshakes can take seconds.
	a, err := m.registry.Resolve(ctx, s)
	if err != nil {
		logging.Error("failed to initialize storage adapter",
			logging.StorageID(s.ID),
			zap.String("kind", string(s.Kind)),
			zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	var stale Adapter
	if c, ok := m.adapters[s.ID]; ok {
		if c.fingerprint == fp {
			m.mu.Unlock()
			a.Close()
			return c.adapter, nil
		}
		stale = c.adapter
	}
	m.adapters[s.ID] = &cachedAdapter{adapter: a, fingerprint: fp}
	m.mu.Unlock()

	if stale != nil {
		stale.Close()
		m.quotas.Remove(s.ID)
		logging.Info("storage adapter rebuilt after config change", logging.StorageID(s.ID))
	}
	return a, nil
}

// InvalidateAdapter drops the cached adapter and quota for a storage.
func (m *Manager) InvalidateAdapter(storageID int) {
	m.mu.Lock()
	c, ok := m.adapters[storageID]
	delete(m.adapters, storageID)
	m.mu.Unlock()

	m.quotas.Remove(storageID)
	if ok {
		c.adapter.Close()
	}
}

// Close closes all cached adapters.
func (m *Manager) Close() error {
	m.mu.Lock()
	adapters := m.adapters
	m.adapters = make(map[int]*cachedAdapter)
	m.mu.Unlock()

	var errs []error
	for _, c := range adapters {
		if err := c.adapter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.quotas.Purge()
	return errors.Join(errs...)
}

// DefaultStorage returns the storage flagged as default.
func (m *Manager) DefaultStorage(ctx context.Context) (*Storage, error) {
	s, err := m.storages.FindDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("find default storage: %w", err)
	}
	if s == nil {
		return nil, &ConfigError{Reason: "no storage is flagged as default", Err: ErrNoDefaultStorage}
	}
	return s, nil
}

// StorageByID loads a storage record.
func (m *Manager) StorageByID(ctx context.Context, id int) (*Storage, error) {
	s, err := m.storages.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find storage %d: %w", id, err)
	}
	if s == nil {
		return nil, fmt.Errorf("storage %d: %w", id, ErrStorageNotFound)
	}
	return s, nil
}

// Quota returns the storage's quota, cached for QuotaCacheTTL. A nil quota
// means the backend cannot report capacity.
func (m *Manager) Quota(ctx context.Context, s *Storage) (*Quota, error) {
	if q, ok := m.quotas.Get(s.ID); ok {
		metrics.RecordQuotaCacheLookup(true)
		return &q, nil
	}
	metrics.RecordQuotaCacheLookup(false)

	a, err := m.Adapter(ctx, s)
	if err != nil {
		return nil, err
	}

	var q *Quota
	err = m.call(ctx, a, "quota", func(ctx context.Context) error {
		var qerr error
		q, qerr = a.Quota(ctx)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	if q != nil {
		m.quotas.Add(s.ID, *q)
	}
	return q, nil
}

// CheckAvailableSpace reports whether s can take requiredBytes more.
// When quota information is unavailable it fails open.
func (m *Manager) CheckAvailableSpace(ctx context.Context, s *Storage, requiredBytes int64) bool {
	q, err := m.Quota(ctx, s)
	if err != nil {
		logging.Warn("quota unavailable, allowing upload",
			logging.StorageID(s.ID), zap.Error(err))
		return true
	}
	if q == nil {
		return true
	}
	return q.TotalBytes-q.UsedBytes >= requiredBytes
}

// UploadFile uploads a local file to s, or to the default storage when s is nil.
//
// A returned error means the request itself is invalid: bad path, unreadable
// local file, no default storage, no factory, or a disabled storage. Runtime
// failures (no space, backend errors) come back as a failed UploadResult.
func (m *Manager) UploadFile(ctx context.Context, localPath, remotePath string, s *Storage) (UploadResult, error) {
	if err := ValidatePath(remotePath); err != nil {
		metrics.RecordUploadRejected("invalid_path")
		return UploadResult{}, err
	}

	size, err := checkLocalFile(localPath)
	if err != nil {
		metrics.RecordUploadRejected("local_file")
		return UploadResult{}, err
	}

	if s == nil {
		if s, err = m.DefaultStorage(ctx); err != nil {
			metrics.RecordUploadRejected("no_default")
			return UploadResult{}, err
		}
	}

	if !s.IsEnabled {
		metrics.RecordUploadRejected("disabled")
		logging.Warn("upload rejected: storage disabled",
			logging.StorageID(s.ID), logging.RemotePath(remotePath))
		return UploadResult{}, fmt.Errorf("storage %d (%s): %w", s.ID, s.Name, ErrStorageDisabled)
	}

	a, err := m.Adapter(ctx, s)
	if err != nil {
		if errors.Is(err, ErrConnectivity) {
			return UploadFailed(err), nil
		}
		return UploadResult{}, err
	}

	if !m.CheckAvailableSpace(ctx, s, size) {
		metrics.RecordUploadRejected("capacity")
		err := fmt.Errorf("storage %d needs %d bytes: %w", s.ID, size, ErrInsufficientSpace)
		logging.Warn("upload rejected: insufficient space",
			logging.StorageID(s.ID), logging.RemotePath(remotePath), zap.Int64("size", size))
		return UploadFailed(err), nil
	}

	res := m.upload(ctx, a, s, localPath, remotePath, size)
	if !res.Success {
		return res, nil
	}

	if m.opts.VerifyUploads {
		if err := m.verify(ctx, a, s, remotePath, size); err != nil {
			return UploadFailed(err), nil
		}
	}
	return res, nil
}

func (m *Manager) upload(ctx context.Context, a Adapter, s *Storage, localPath, remotePath string, size int64) UploadResult {
	var res UploadResult
	err := m.call(ctx, a, "upload", func(ctx context.Context) error {
		res = a.Upload(ctx, localPath, remotePath)
		if !res.Success {
			return resultError(res)
		}
		return nil
	})

	// Space changed either way; a partial write may have consumed some.
	m.quotas.Remove(s.ID)

	if err != nil {
		logging.Error("upload failed",
			logging.StorageID(s.ID),
			logging.LocalPath(localPath),
			logging.RemotePath(remotePath),
			zap.Error(err))
		return UploadFailed(classify(err))
	}

	metrics.RecordUploadBytes(string(a.Kind()), size)
	logging.Info("file uploaded",
		logging.StorageID(s.ID),
		logging.LocalPath(localPath),
		logging.RemotePath(res.RemotePath),
		zap.Int64("size", size))
	return res
}

// DeleteFile removes remotePath from s.
func (m *Manager) DeleteFile(ctx context.Context, s *Storage, remotePath string) error {
	if err := ValidatePath(remotePath); err != nil {
		return err
	}
	a, err := m.Adapter(ctx, s)
	if err != nil {
		return err
	}
	return m.deleteWith(ctx, a, s, remotePath)
}

// DeleteMultipleFiles deletes every path and returns one entry per path:
// nil on success, the failure otherwise. A failing path never stops the others.
func (m *Manager) DeleteMultipleFiles(ctx context.Context, s *Storage, remotePaths []string) map[string]error {
	results := make(map[string]error, len(remotePaths))

	a, err := m.Adapter(ctx, s)
	if err != nil {
		for _, p := range remotePaths {
			results[p] = err
		}
		return results
	}

	for _, p := range remotePaths {
		if err := ValidatePath(p); err != nil {
			results[p] = err
			continue
		}
		results[p] = guard(func() error { return m.deleteWith(ctx, a, s, p) })
	}
	return results
}

func (m *Manager) deleteWith(ctx context.Context, a Adapter, s *Storage, remotePath string) error {
	err := m.call(ctx, a, "delete", func(ctx context.Context) error {
		return a.Delete(ctx, remotePath)
	})
	if err != nil {
		logging.Error("delete failed",
			logging.StorageID(s.ID), logging.RemotePath(remotePath), zap.Error(err))
		return classify(err)
	}
	m.quotas.Remove(s.ID)
	logging.Info("file deleted", logging.StorageID(s.ID), logging.RemotePath(remotePath))
	return nil
}

// FileURL returns the plain URL for f. Local files return their path verbatim.
func (m *Manager) FileURL(ctx context.Context, f *VideoFile) (string, error) {
	if !f.IsRemote() {
		return f.LocalPath, nil
	}
	s, err := m.StorageByID(ctx, *f.StorageID)
	if err != nil {
		return "", err
	}
	a, err := m.Adapter(ctx, s)
	if err != nil {
		return "", err
	}
	return a.URL(f.RemotePath), nil
}

// SignedFileURL returns an expiring URL for f. Adapters with native signing
// sign it themselves; otherwise the plain URL is signed with the configured Signer.
func (m *Manager) SignedFileURL(ctx context.Context, f *VideoFile, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		return "", fmt.Errorf("expiresIn must be positive, got %s", expiresIn)
	}
	if !f.IsRemote() {
		if m.opts.Signer == nil {
			return "", errors.New("no URL signer configured")
		}
		return m.opts.Signer.GenerateSignedURL(f.LocalPath, expiresIn, nil), nil
	}

	s, err := m.StorageByID(ctx, *f.StorageID)
	if err != nil {
		return "", err
	}
	a, err := m.Adapter(ctx, s)
	if err != nil {
		return "", err
	}

	if ns, ok := a.(NativeSigner); ok {
		var signed string
		err := m.call(ctx, a, "sign", func(ctx context.Context) error {
			var serr error
			signed, serr = ns.SignedURL(ctx, f.RemotePath, expiresIn)
			return serr
		})
		if err != nil {
			return "", fmt.Errorf("native sign %s: %w", f.RemotePath, err)
		}
		return signed, nil
	}

	if m.opts.Signer == nil {
		return "", errors.New("no URL signer configured")
	}
	return m.opts.Signer.GenerateSignedURL(a.URL(f.RemotePath), expiresIn, &s.ID), nil
}

// call runs one adapter operation with the per-call timeout, retry policy
// and metrics applied.
func (m *Manager) call(ctx context.Context, a Adapter, op string, fn func(ctx context.Context) error) error {
	start := time.Now()

	cfg := m.opts.Retry
	cfg.ShouldRetry = transient
	cfg.OnRetry = func(attempt int, err error) {
		logging.Warn("retrying storage operation",
			zap.String("operation", op),
			zap.String("kind", string(a.Kind())),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		if m.opts.OperationTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.opts.OperationTimeout)
			defer cancel()
		}
		return guard(func() error { return fn(ctx) })
	})

	metrics.RecordStorageOperation(string(a.Kind()), op, time.Since(start), err == nil)
	return err
}

// transient reports whether a backend error is worth retrying.
func transient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidPath),
		errors.Is(err, ErrInsufficientSpace),
		errors.Is(err, ErrLocalFile):
		return false
	}
	return true
}

// classify tags unclassified backend errors as connectivity failures.
func classify(err error) error {
	if err == nil || IsBusinessFailure(err) || errors.Is(err, ErrInvalidPath) || errors.Is(err, ErrLocalFile) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectivity, err)
}

func resultError(res UploadResult) error {
	if res.Err != nil {
		return res.Err
	}
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return errors.New("upload failed")
}

// guard converts a panic in third-party backend code into an error so that
// batch callers keep going.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: backend panic: %v", ErrConnectivity, r)
		}
	}()
	return fn()
}

func checkLocalFile(localPath string) (int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLocalFile, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrLocalFile, localPath)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLocalFile, err)
	}
	f.Close()
	return info.Size(), nil
}
