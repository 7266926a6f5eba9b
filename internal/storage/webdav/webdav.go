// Package webdav provides a storage adapter for HTTP/WebDAV servers
// (storage kind "http").
package webdav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/tubocms/mediastore/internal/storage"
)

// Config holds WebDAV connection settings.
type Config struct {
	BaseURL        string `json:"base_url"`
	AuthToken      string `json:"auth_token"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PublicURL      string `json:"public_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Adapter implements storage.Adapter over WebDAV.
type Adapter struct {
	cfg       Config
	client    *gowebdav.Client
	http      *http.Client
	transport *http.Transport
}

// New creates a WebDAV adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("base_url must be an http(s) URL, got %q", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	// gowebdav and the quota PROPFIND share one transport so Close can
	// release every pooled connection.
	transport := http.DefaultTransport.(*http.Transport).Clone()

	client := gowebdav.NewClient(cfg.BaseURL, cfg.Username, cfg.Password)
	client.SetTransport(transport)
	client.SetTimeout(cfg.timeout())
	if cfg.AuthToken != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.AuthToken)
	}

	return &Adapter{
		cfg:       cfg,
		client:    client,
		http:      &http.Client{Timeout: cfg.timeout(), Transport: transport},
		transport: transport,
	}, nil
}

func remote(p string) string {
	return "/" + strings.TrimPrefix(p, "/")
}

// Upload PUTs localPath at remotePath after creating parent collections.
func (a *Adapter) Upload(_ context.Context, localPath, remotePath string) storage.UploadResult {
	f, err := os.Open(localPath)
	if err != nil {
		return storage.UploadFailed(fmt.Errorf("open %s: %w", localPath, err))
	}
	defer f.Close()

	target := remote(remotePath)
	if dir := path.Dir(target); dir != "/" {
		if err := a.client.MkdirAll(dir, 0755); err != nil {
			return storage.UploadFailed(fmt.Errorf("mkcol %s: %w", dir, err))
		}
	}
	if err := a.client.WriteStream(target, f, 0644); err != nil {
		return storage.UploadFailed(fmt.Errorf("put %s: %w", target, err))
	}
	return storage.UploadSucceeded(remotePath)
}

// Download GETs remotePath into localPath.
func (a *Adapter) Download(_ context.Context, remotePath, localPath string) error {
	r, err := a.client.ReadStream(remote(remotePath))
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return fmt.Errorf("%s: %w", remotePath, storage.ErrNotFound)
		}
		return fmt.Errorf("get %s: %w", remotePath, err)
	}
	defer r.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("read %s: %w", remotePath, err)
	}
	return out.Close()
}

// Delete removes remotePath. A missing file is not an error.
func (a *Adapter) Delete(_ context.Context, remotePath string) error {
	if err := a.client.Remove(remote(remotePath)); err != nil && !gowebdav.IsErrNotFound(err) {
		return fmt.Errorf("delete %s: %w", remotePath, err)
	}
	return nil
}

// Exists checks remotePath with PROPFIND.
func (a *Adapter) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := a.Size(ctx, remotePath)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Size returns getcontentlength for remotePath.
func (a *Adapter) Size(_ context.Context, remotePath string) (int64, error) {
	info, err := a.client.Stat(remote(remotePath))
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return 0, fmt.Errorf("%s: %w", remotePath, storage.ErrNotFound)
		}
		return 0, fmt.Errorf("stat %s: %w", remotePath, err)
	}
	return info.Size(), nil
}

// CreateDirectory creates the collection and its parents.
func (a *Adapter) CreateDirectory(_ context.Context, dir string) error {
	if err := a.client.MkdirAll(remote(dir), 0755); err != nil {
		return fmt.Errorf("mkcol %s: %w", dir, err)
	}
	return nil
}

// URL returns public_url/remotePath, or base_url/remotePath.
func (a *Adapter) URL(remotePath string) string {
	base := a.cfg.PublicURL
	if base == "" {
		base = a.cfg.BaseURL
	}
	return base + remote(remotePath)
}

// Quota reads the RFC 4331 quota properties of the root collection.
func (a *Adapter) Quota(ctx context.Context) (*storage.Quota, error) {
	return a.propfindQuota(ctx)
}

// TestConnection issues OPTIONS against the root.
func (a *Adapter) TestConnection(_ context.Context) storage.ConnectionTestResult {
	start := time.Now()
	if err := a.client.Connect(); err != nil {
		return storage.ConnectionFailed(err)
	}
	return storage.ConnectionOK(start, a.cfg.BaseURL)
}

// Kind returns storage.KindHTTP.
func (a *Adapter) Kind() storage.Kind { return storage.KindHTTP }

// Close releases idle connections.
func (a *Adapter) Close() error {
	a.transport.CloseIdleConnections()
	return nil
}

// Factory builds WebDAV adapters.
type Factory struct{}

// Supports matches http storages with a base_url.
func (Factory) Supports(s *storage.Storage) bool {
	return s.Kind == storage.KindHTTP && s.HasConfigKeys("base_url")
}

// Create builds and connection-tests a WebDAV adapter.
func (Factory) Create(ctx context.Context, s *storage.Storage) (storage.Adapter, error) {
	var cfg Config
	if err := storage.DecodeConfig(s, &cfg); err != nil {
		return nil, err
	}
	a, err := New(cfg)
	if err != nil {
		return nil, &storage.ConfigError{StorageID: s.ID, Kind: s.Kind, Reason: err.Error(), Err: err}
	}
	return storage.Connect(ctx, s, a)
}

var _ storage.Sizer = (*Adapter)(nil)
