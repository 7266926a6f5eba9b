// Package ftp provides a storage adapter for plain FTP servers.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/storage"
)

// Config holds FTP connection settings.
type Config struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	BasePath       string `json:"base_path"`
	PublicURL      string `json:"public_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 21
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Adapter implements storage.Adapter over a single FTP control connection.
// Calls are serialised; the connection is re-dialled after a network error.
type Adapter struct {
	cfg Config

	mu   sync.Mutex
	conn *ftp.ServerConn
}

// New creates an FTP adapter. The connection is dialled on first use.
func New(cfg Config) (*Adapter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Adapter{cfg: cfg}, nil
}

func (a *Adapter) dial(ctx context.Context) (*ftp.ServerConn, error) {
	c, err := ftp.Dial(a.cfg.addr(),
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(a.cfg.timeout()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.cfg.addr(), err)
	}
	user := a.cfg.Username
	if user == "" {
		user = "anonymous"
	}
	if err := c.Login(user, a.cfg.Password); err != nil {
		c.Quit()
		return nil, fmt.Errorf("login %s@%s: %w", user, a.cfg.addr(), err)
	}
	return c, nil
}

// with runs fn on the shared connection, dialling it if needed. A network
// error drops the connection so the next call starts fresh.
func (a *Adapter) with(ctx context.Context, fn func(c *ftp.ServerConn) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		c, err := a.dial(ctx)
		if err != nil {
			return err
		}
		a.conn = c
	}

	err := fn(a.conn)
	if err != nil && !isProtocolError(err) {
		logging.Debug("dropping ftp connection", zap.String("addr", a.cfg.addr()), zap.Error(err))
		a.conn.Quit()
		a.conn = nil
	}
	return err
}

func (a *Adapter) full(remotePath string) string {
	return storage.JoinRemote(a.cfg.BasePath, remotePath)
}

// Upload stores localPath at remotePath, creating parent directories.
func (a *Adapter) Upload(ctx context.Context, localPath, remotePath string) storage.UploadResult {
	f, err := os.Open(localPath)
	if err != nil {
		return storage.UploadFailed(fmt.Errorf("open %s: %w", localPath, err))
	}
	defer f.Close()

	target := a.full(remotePath)
	err = a.with(ctx, func(c *ftp.ServerConn) error {
		mkdirAll(c, path.Dir(target))
		return c.Stor(target, f)
	})
	if err != nil {
		return storage.UploadFailed(fmt.Errorf("stor %s: %w", target, err))
	}
	return storage.UploadSucceeded(remotePath)
}

// Download retrieves remotePath into localPath.
func (a *Adapter) Download(ctx context.Context, remotePath, localPath string) error {
	source := a.full(remotePath)
	return a.with(ctx, func(c *ftp.ServerConn) error {
		r, err := c.Retr(source)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%s: %w", remotePath, storage.ErrNotFound)
			}
			return fmt.Errorf("retr %s: %w", source, err)
		}
		defer r.Close()

		out, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", localPath, err)
		}
		if _, err := out.ReadFrom(r); err != nil {
			out.Close()
			return fmt.Errorf("read %s: %w", source, err)
		}
		return out.Close()
	})
}

// Delete removes remotePath. A missing file is not an error.
func (a *Adapter) Delete(ctx context.Context, remotePath string) error {
	target := a.full(remotePath)
	return a.with(ctx, func(c *ftp.ServerConn) error {
		if err := c.Delete(target); err != nil && !isNotFound(err) {
			return fmt.Errorf("dele %s: %w", target, err)
		}
		return nil
	})
}

// Exists checks remotePath with SIZE.
func (a *Adapter) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := a.Size(ctx, remotePath)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Size returns the size of remotePath.
func (a *Adapter) Size(ctx context.Context, remotePath string) (int64, error) {
	target := a.full(remotePath)
	var size int64
	err := a.with(ctx, func(c *ftp.ServerConn) error {
		n, err := c.FileSize(target)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%s: %w", remotePath, storage.ErrNotFound)
			}
			return fmt.Errorf("size %s: %w", target, err)
		}
		size = n
		return nil
	})
	return size, err
}

// CreateDirectory creates dir and any missing parents.
func (a *Adapter) CreateDirectory(ctx context.Context, dir string) error {
	target := a.full(dir)
	return a.with(ctx, func(c *ftp.ServerConn) error {
		mkdirAll(c, target)
		return nil
	})
}

// URL returns public_url/remotePath, or an ftp:// URL without credentials.
func (a *Adapter) URL(remotePath string) string {
	if a.cfg.PublicURL != "" {
		return a.cfg.PublicURL + "/" + remotePath
	}
	return "ftp://" + a.cfg.addr() + "/" + strings.TrimPrefix(a.full(remotePath), "/")
}

// Quota is unavailable: FTP has no standard quota command.
func (a *Adapter) Quota(context.Context) (*storage.Quota, error) {
	return nil, nil
}

// TestConnection logs in and issues NOOP.
func (a *Adapter) TestConnection(ctx context.Context) storage.ConnectionTestResult {
	start := time.Now()
	var dir string
	err := a.with(ctx, func(c *ftp.ServerConn) error {
		if err := c.NoOp(); err != nil {
			return err
		}
		dir, _ = c.CurrentDir()
		return nil
	})
	if err != nil {
		return storage.ConnectionFailed(err)
	}
	return storage.ConnectionOK(start, "ftp://"+a.cfg.addr()+dir)
}

// Kind returns storage.KindFTP.
func (a *Adapter) Kind() storage.Kind { return storage.KindFTP }

// Close quits the control connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Quit()
	a.conn = nil
	return err
}

// mkdirAll creates each component of dir. MKD fails on existing
// directories, so errors are ignored and surface on the following STOR.
func mkdirAll(c *ftp.ServerConn, dir string) {
	if dir == "" || dir == "." || dir == "/" {
		return
	}
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		cur = path.Join(cur, part)
		c.MakeDir(cur)
	}
}

func isProtocolError(err error) bool {
	var te *textproto.Error
	return errors.As(err, &te)
}

func isNotFound(err error) bool {
	var te *textproto.Error
	return errors.As(err, &te) && te.Code == ftp.StatusFileUnavailable
}

// Factory builds FTP adapters.
type Factory struct{}

// Supports matches ftp storages with a host.
func (Factory) Supports(s *storage.Storage) bool {
	return s.Kind == storage.KindFTP && s.HasConfigKeys("host")
}

// Create builds and connection-tests an FTP adapter.
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
