package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/logging"
)

func TestMain(m *testing.M) {
	logging.Replace(zap.NewNop())
	os.Exit(m.Run())
}

// memAdapter keeps files in memory.
type memAdapter struct {
	mu    sync.Mutex
	files map[string][]byte
	quota *Quota

	uploadErr   error
	downloadErr error
	deleteErr   map[string]error
	deletePanic string
	sizeSkew    int64
	connHang    bool
	connPanic   bool

	uploads int
	closed  bool
}

func newMemAdapter() *memAdapter {
	return &memAdapter{files: map[string][]byte{}, deleteErr: map[string]error{}}
}

func (a *memAdapter) Upload(_ context.Context, localPath, remotePath string) UploadResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads++
	if a.uploadErr != nil {
		return UploadFailed(a.uploadErr)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return UploadFailed(err)
	}
	a.files[remotePath] = data
	return UploadSucceeded(remotePath)
}

func (a *memAdapter) Download(_ context.Context, remotePath, localPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.downloadErr != nil {
		return a.downloadErr
	}
	data, ok := a.files[remotePath]
	if !ok {
		return ErrNotFound
	}
	return os.WriteFile(localPath, data, 0644)
}

func (a *memAdapter) Delete(_ context.Context, remotePath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if remotePath == a.deletePanic {
		panic("connection reset")
	}
	if err := a.deleteErr[remotePath]; err != nil {
		return err
	}
	delete(a.files, remotePath)
	return nil
}

func (a *memAdapter) Exists(_ context.Context, remotePath string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.files[remotePath]
	return ok, nil
}

func (a *memAdapter) Size(_ context.Context, remotePath string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.files[remotePath]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(data)) + a.sizeSkew, nil
}

func (a *memAdapter) CreateDirectory(context.Context, string) error { return nil }

func (a *memAdapter) URL(remotePath string) string {
	return "https://cdn.example.com/" + remotePath
}

func (a *memAdapter) Quota(context.Context) (*Quota, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.quota == nil {
		return nil, nil
	}
	q := *a.quota
	return &q, nil
}

func (a *memAdapter) TestConnection(ctx context.Context) ConnectionTestResult {
	a.mu.Lock()
	hang, panics := a.connHang, a.connPanic
	a.mu.Unlock()
	if panics {
		panic("connection reset")
	}
	if hang {
		<-ctx.Done()
		return ConnectionFailed(ctx.Err())
	}
	return ConnectionOK(time.Now(), "mem")
}

func (a *memAdapter) Kind() Kind { return KindFTP }

func (a *memAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *memAdapter) has(p string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.files[p]
	return ok
}

// memFactory hands out one memAdapter per storage id.
type memFactory struct {
	mu       sync.Mutex
	adapters map[int]*memAdapter
	creates  int
}

func newMemFactory() *memFactory {
	return &memFactory{adapters: map[int]*memAdapter{}}
}

func (f *memFactory) Supports(s *Storage) bool { return s.Kind == KindFTP }

func (f *memFactory) Create(ctx context.Context, s *Storage) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	a, ok := f.adapters[s.ID]
	if !ok {
		a = newMemAdapter()
		f.adapters[s.ID] = a
	}
	return Connect(ctx, s, a)
}

func (f *memFactory) adapter(id int) *memAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.adapters[id]
	if !ok {
		a = newMemAdapter()
		f.adapters[id] = a
	}
	return a
}

type memRepo struct {
	storages []Storage
}

func (r *memRepo) FindByID(_ context.Context, id int) (*Storage, error) {
	for i := range r.storages {
		if r.storages[i].ID == id {
			s := r.storages[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (r *memRepo) FindDefault(context.Context) (*Storage, error) {
	for i := range r.storages {
		if r.storages[i].IsDefault {
			s := r.storages[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (r *memRepo) FindAll(context.Context) ([]Storage, error) {
	return r.storages, nil
}

func (r *memRepo) FindEnabled(context.Context) ([]Storage, error) {
	var out []Storage
	for _, s := range r.storages {
		if s.IsEnabled {
			out = append(out, s)
		}
	}
	return out, nil
}

type recordingUpdater struct {
	err   error
	calls []Location
}

func (u *recordingUpdater) UpdateLocation(_ context.Context, _ int64, loc Location) error {
	u.calls = append(u.calls, loc)
	return u.err
}

type stubSigner struct{}

func (stubSigner) GenerateSignedURL(path string, expiresIn time.Duration, storageID *int) string {
	if storageID != nil {
		return path + "?signed=1&storage=x"
	}
	return path + "?signed=1"
}

var errBoom = errors.New("boom")

func ftpStorage(id int, enabled bool) Storage {
	return Storage{ID: id, Name: "ftp", Kind: KindFTP, IsEnabled: enabled, Config: []byte(`{"host":"h"}`)}
}

type harness struct {
	mgr     *Manager
	factory *memFactory
	repo    *memRepo
	files   *recordingUpdater
	root    string
	tmp     string
}

func newHarness(t *testing.T, storages ...Storage) *harness {
	t.Helper()
	h := &harness{
		factory: newMemFactory(),
		repo:    &memRepo{storages: storages},
		files:   &recordingUpdater{},
		root:    t.TempDir(),
		tmp:     t.TempDir(),
	}
	h.mgr = NewManager(NewRegistry(h.factory), h.repo, Options{
		Files:     h.files,
		Signer:    stubSigner{},
		MediaRoot: h.root,
		TempDir:   h.tmp,
	})
	t.Cleanup(func() { h.mgr.Close() })
	return h
}

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func intPtr(i int) *int { return &i }
