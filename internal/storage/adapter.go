package storage

import (
	"context"
	"time"
)

// WarningThresholdPercent is the usage level at which a quota is flagged.
const WarningThresholdPercent = 80.0

// Adapter is the contract every backend implements.
//
// Expected conditions (missing file, full disk, unreachable host) are
// reported through return values: UploadResult for uploads, an error for
// everything else. Adapters must not panic on them.
type Adapter interface {
	// Upload copies a local file to remotePath, creating parent directories.
	Upload(ctx context.Context, localPath, remotePath string) UploadResult

	// Download copies remotePath to localPath. localPath is overwritten.
	Download(ctx context.Context, remotePath, localPath string) error

	// Delete removes remotePath. Deleting a missing file is not an error.
	Delete(ctx context.Context, remotePath string) error

	// Exists reports whether remotePath exists.
	Exists(ctx context.Context, remotePath string) (bool, error)

	// CreateDirectory creates path and any missing parents.
	CreateDirectory(ctx context.Context, path string) error

	// URL returns the plain, backend-native URL for remotePath.
	URL(remotePath string) string

	// Quota returns capacity information, or nil when the backend cannot report it.
	Quota(ctx context.Context) (*Quota, error)

	// TestConnection checks reachability and credentials.
	TestConnection(ctx context.Context) ConnectionTestResult

	// Kind returns the backend kind.
	Kind() Kind

	// Close releases any connections held by the adapter.
	Close() error
}

// NativeSigner is implemented by adapters that can sign URLs themselves
// (for example S3 presigned requests).
type NativeSigner interface {
	SignedURL(ctx context.Context, remotePath string, expiresIn time.Duration) (string, error)
}

// Sizer is implemented by adapters that can report the size of a stored file.
type Sizer interface {
	Size(ctx context.Context, remotePath string) (int64, error)
}

// Quota is a backend's capacity.
type Quota struct {
	TotalBytes int64 `json:"total_bytes"`
	UsedBytes  int64 `json:"used_bytes"`
}

// AvailableBytes returns TotalBytes - UsedBytes, never negative.
func (q Quota) AvailableBytes() int64 {
	if avail := q.TotalBytes - q.UsedBytes; avail > 0 {
		return avail
	}
	return 0
}

// UsagePercent returns UsedBytes/TotalBytes*100, or 0 for an empty quota.
func (q Quota) UsagePercent() float64 {
	if q.TotalBytes <= 0 {
		return 0
	}
	return float64(q.UsedBytes) / float64(q.TotalBytes) * 100
}

// IsWarning reports whether usage is at or above WarningThresholdPercent.
func (q Quota) IsWarning() bool {
	return q.UsagePercent() >= WarningThresholdPercent
}

// UploadResult is the outcome of an upload. Business failures (no space,
// backend error) are carried here instead of in a returned error.
type UploadResult struct {
	Success    bool   `json:"success"`
	RemotePath string `json:"remote_path,omitempty"`
	Error      string `json:"error,omitempty"`

	// Err is the classified cause of a failure, for errors.Is checks.
	Err error `json:"-"`
}

// UploadSucceeded returns a successful result.
func UploadSucceeded(remotePath string) UploadResult {
	return UploadResult{Success: true, RemotePath: remotePath}
}

// UploadFailed returns a failed result carrying err.
func UploadFailed(err error) UploadResult {
	return UploadResult{Success: false, Error: err.Error(), Err: err}
}

// ConnectionTestResult is the outcome of Adapter.TestConnection.
type ConnectionTestResult struct {
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency,omitempty"`
	ServerInfo string        `json:"server_info,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ConnectionOK builds a successful result timed from start.
func ConnectionOK(start time.Time, serverInfo string) ConnectionTestResult {
	return ConnectionTestResult{Success: true, Latency: time.Since(start), ServerInfo: serverInfo}
}

// ConnectionFailed builds a failed result.
func ConnectionFailed(err error) ConnectionTestResult {
	return ConnectionTestResult{Success: false, Error: err.Error()}
}
