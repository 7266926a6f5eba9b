// Package sftp provides a storage adapter for SSH file transfer servers.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/storage"
)

const statvfsExtension = "statvfs@openssh.com"

// Config holds SFTP connection settings.
type Config struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PrivateKey     string `json:"private_key"`
	HostKey        string `json:"host_key"` // authorized_keys format
	BasePath       string `json:"base_path"`
	PublicURL      string `json:"public_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(c.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("password or private_key is required")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.HostKey != "" {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		hostKey = ssh.FixedHostKey(pk)
	} else {
		logging.Warn("sftp host key not pinned, accepting any key", zap.String("addr", c.addr()))
	}

	return &ssh.ClientConfig{
		User:            c.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.timeout(),
	}, nil
}

// Adapter implements storage.Adapter over SFTP.
type Adapter struct {
	cfg     Config
	sshConf *ssh.ClientConfig

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

// New creates an SFTP adapter. The session is opened on first use.
func New(cfg Config) (*Adapter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("username is required")
	}
	sshConf, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Adapter{cfg: cfg, sshConf: sshConf}, nil
}

func (a *Adapter) session(ctx context.Context) (*sftp.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}

	d := net.Dialer{Timeout: a.cfg.timeout()}
	raw, err := d.DialContext(ctx, "tcp", a.cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.cfg.addr(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, a.cfg.addr(), a.sshConf)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", a.cfg.addr(), err)
	}
	conn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}

	a.conn = conn
	a.client = client
	return client, nil
}

// reset drops the session after a transport error so the next call redials.
func (a *Adapter) reset(err error) {
	if err == nil || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return
	}
	a.Close()
}

func (a *Adapter) full(remotePath string) string {
	return storage.JoinRemote(a.cfg.BasePath, remotePath)
}

// Upload writes localPath to remotePath, creating parent directories.
func (a *Adapter) Upload(ctx context.Context, localPath, remotePath string) storage.UploadResult {
	in, err := os.Open(localPath)
	if err != nil {
		return storage.UploadFailed(fmt.Errorf("open %s: %w", localPath, err))
	}
	defer in.Close()

	c, err := a.session(ctx)
	if err != nil {
		return storage.UploadFailed(err)
	}

	target := a.full(remotePath)
	if err := c.MkdirAll(path.Dir(target)); err != nil {
		a.reset(err)
		return storage.UploadFailed(fmt.Errorf("mkdir %s: %w", path.Dir(target), err))
	}

	out, err := c.Create(target)
	if err != nil {
		a.reset(err)
		return storage.UploadFailed(fmt.Errorf("create %s: %w", target, err))
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		a.reset(err)
		return storage.UploadFailed(fmt.Errorf("write %s: %w", target, err))
	}
	if err := out.Close(); err != nil {
		return storage.UploadFailed(fmt.Errorf("close %s: %w", target, err))
	}
	return storage.UploadSucceeded(remotePath)
}

// Download copies remotePath into localPath.
func (a *Adapter) Download(ctx context.Context, remotePath, localPath string) error {
	c, err := a.session(ctx)
	if err != nil {
		return err
	}

	source := a.full(remotePath)
	in, err := c.Open(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", remotePath, storage.ErrNotFound)
		}
		a.reset(err)
		return fmt.Errorf("open %s: %w", source, err)
	}
	defer in.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		a.reset(err)
		return fmt.Errorf("read %s: %w", source, err)
	}
	return out.Close()
}

// Delete removes remotePath. A missing file is not an error.
func (a *Adapter) Delete(ctx context.Context, remotePath string) error {
	c, err := a.session(ctx)
	if err != nil {
		return err
	}
	target := a.full(remotePath)
	if err := c.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.reset(err)
		return fmt.Errorf("remove %s: %w", target, err)
	}
	return nil
}

// Exists stats remotePath.
func (a *Adapter) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := a.Size(ctx, remotePath)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Size returns the size of remotePath.
func (a *Adapter) Size(ctx context.Context, remotePath string) (int64, error) {
	c, err := a.session(ctx)
	if err != nil {
		return 0, err
	}
	info, err := c.Stat(a.full(remotePath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%s: %w", remotePath, storage.ErrNotFound)
		}
		a.reset(err)
		return 0, fmt.Errorf("stat %s: %w", remotePath, err)
	}
	return info.Size(), nil
}

// CreateDirectory creates dir and any missing parents.
func (a *Adapter) CreateDirectory(ctx context.Context, dir string) error {
	c, err := a.session(ctx)
	if err != nil {
		return err
	}
	if err := c.MkdirAll(a.full(dir)); err != nil {
		a.reset(err)
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// URL returns public_url/remotePath, or an sftp:// URL without credentials.
func (a *Adapter) URL(remotePath string) string {
	if a.cfg.PublicURL != "" {
		return a.cfg.PublicURL + "/" + remotePath
	}
	return "sftp://" + a.cfg.addr() + "/" + strings.TrimPrefix(a.full(remotePath), "/")
}

// Quota uses statvfs@openssh.com. Servers without it report no quota.
func (a *Adapter) Quota(ctx context.Context) (*storage.Quota, error) {
	c, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := c.HasExtension(statvfsExtension); !ok {
		return nil, nil
	}

	root := a.cfg.BasePath
	if root == "" {
		root = "."
	}
	vfs, err := c.StatVFS(root)
	if err != nil {
		a.reset(err)
		return nil, fmt.Errorf("statvfs %s: %w", root, err)
	}
	total := vfs.TotalSpace()
	return &storage.Quota{
		TotalBytes: int64(total),
		UsedBytes:  int64(total - vfs.Frsize*vfs.Bavail),
	}, nil
}

// TestConnection opens a session and resolves the working directory.
func (a *Adapter) TestConnection(ctx context.Context) storage.ConnectionTestResult {
	start := time.Now()
	c, err := a.session(ctx)
	if err != nil {
		return storage.ConnectionFailed(err)
	}
	wd, err := c.Getwd()
	if err != nil {
		a.reset(err)
		return storage.ConnectionFailed(err)
	}

	a.mu.Lock()
	version := ""
	if a.conn != nil {
		version = string(a.conn.ServerVersion())
	}
	a.mu.Unlock()

	return storage.ConnectionOK(start, strings.TrimSpace(version+" "+wd))
}

// Kind returns storage.KindSFTP.
func (a *Adapter) Kind() storage.Kind { return storage.KindSFTP }

// Close ends the SFTP session and the SSH connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
		a.client = nil
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
		a.conn = nil
	}
	return errors.Join(errs...)
}

// Factory builds SFTP adapters.
type Factory struct{}

// Supports matches sftp storages with a host and username.
func (Factory) Supports(s *storage.Storage) bool {
	return s.Kind == storage.KindSFTP && s.HasConfigKeys("host", "username")
}

// Create builds and connection-tests an SFTP adapter.
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
