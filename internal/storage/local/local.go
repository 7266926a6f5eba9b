// Package local provides a storage adapter backed by a directory on the
// local filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/tubocms/mediastore/internal/storage"
)

// Config holds local filesystem adapter settings.
type Config struct {
	RootPath   string `json:"root_path"`
	BaseURL    string `json:"base_url"`
	CreateDirs bool   `json:"create_dirs"`
}

// Adapter implements storage.Adapter on the local filesystem.
type Adapter struct {
	rootPath string
	baseURL  string
}

// New creates a local adapter rooted at cfg.RootPath.
func New(cfg Config) (*Adapter, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Adapter{
		rootPath: cfg.RootPath,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

func (a *Adapter) fullPath(remotePath string) string {
	return filepath.Join(a.rootPath, filepath.FromSlash(remotePath))
}

// Upload copies localPath into the root atomically.
func (a *Adapter) Upload(_ context.Context, localPath, remotePath string) storage.UploadResult {
	dst := a.fullPath(remotePath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return storage.UploadFailed(fmt.Errorf("create dirs for %s: %w", remotePath, err))
	}
	if err := copyFile(localPath, dst); err != nil {
		return storage.UploadFailed(err)
	}
	return storage.UploadSucceeded(remotePath)
}

// Download copies remotePath out of the root.
func (a *Adapter) Download(_ context.Context, remotePath, localPath string) error {
	src := a.fullPath(remotePath)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", remotePath, storage.ErrNotFound)
	}
	return copyFile(src, localPath)
}

// Delete removes remotePath. A missing file is not an error.
func (a *Adapter) Delete(_ context.Context, remotePath string) error {
	err := os.Remove(a.fullPath(remotePath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", remotePath, err)
	}
	return nil
}

// Exists checks if remotePath exists under the root.
func (a *Adapter) Exists(_ context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(a.fullPath(remotePath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", remotePath, err)
	}
	return true, nil
}

// Size returns the size of remotePath.
func (a *Adapter) Size(_ context.Context, remotePath string) (int64, error) {
	info, err := os.Stat(a.fullPath(remotePath))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%s: %w", remotePath, storage.ErrNotFound)
		}
		return 0, fmt.Errorf("stat %s: %w", remotePath, err)
	}
	return info.Size(), nil
}

// CreateDirectory creates path and its parents under the root.
func (a *Adapter) CreateDirectory(_ context.Context, path string) error {
	if err := os.MkdirAll(a.fullPath(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// URL returns base_url/remotePath, or the absolute file path without a base URL.
func (a *Adapter) URL(remotePath string) string {
	if a.baseURL == "" {
		return a.fullPath(remotePath)
	}
	return a.baseURL + "/" + remotePath
}

// Quota reports the filesystem holding the root. Used is Total-Free so
// that space reserved for root counts as unavailable.
func (a *Adapter) Quota(ctx context.Context) (*storage.Quota, error) {
	usage, err := disk.UsageWithContext(ctx, a.rootPath)
	if err != nil {
		return nil, fmt.Errorf("disk usage %s: %w", a.rootPath, err)
	}
	return &storage.Quota{
		TotalBytes: int64(usage.Total),
		UsedBytes:  int64(usage.Total - usage.Free),
	}, nil
}

// TestConnection checks that the root is a writable directory.
func (a *Adapter) TestConnection(_ context.Context) storage.ConnectionTestResult {
	start := time.Now()

	info, err := os.Stat(a.rootPath)
	if err != nil {
		return storage.ConnectionFailed(err)
	}
	if !info.IsDir() {
		return storage.ConnectionFailed(fmt.Errorf("%s is not a directory", a.rootPath))
	}

	probe, err := os.CreateTemp(a.rootPath, ".probe-*")
	if err != nil {
		return storage.ConnectionFailed(fmt.Errorf("root not writable: %w", err))
	}
	probe.Close()
	os.Remove(probe.Name())

	return storage.ConnectionOK(start, "local:"+a.rootPath)
}

// Kind returns storage.KindLocal.
func (a *Adapter) Kind() storage.Kind { return storage.KindLocal }

// Close is a no-op for local adapters.
func (a *Adapter) Close() error { return nil }

// copyFile writes src to dst via a temp file in dst's directory and a rename.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".mediastore-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dst, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", dst, err)
	}
	return nil
}

// Factory builds local adapters.
type Factory struct{}

// Supports matches local storages with a root_path.
func (Factory) Supports(s *storage.Storage) bool {
	return s.Kind == storage.KindLocal && s.HasConfigKeys("root_path")
}

// Create builds and connection-tests a local adapter.
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
