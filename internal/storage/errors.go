package storage

import (
	"errors"
	"fmt"
)

// Input and configuration errors. These are returned before any I/O.
var (
	ErrInvalidPath      = errors.New("invalid remote path")
	ErrNoFactory        = errors.New("no adapter factory supports storage")
	ErrNoDefaultStorage = errors.New("no default storage configured")
	ErrStorageDisabled  = errors.New("storage is disabled")
	ErrStorageNotFound  = errors.New("storage not found")
	ErrLocalFile        = errors.New("local file is not readable")
)

// Runtime failures. These are carried in UploadResult or returned per item
// so batch operations can continue.
var (
	ErrInsufficientSpace = errors.New("insufficient space on storage")
	ErrConnectivity      = errors.New("storage backend unreachable")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrNotFound          = errors.New("remote file not found")
)

// PathError describes why a remote path was rejected.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid remote path %q: %s", e.Path, e.Reason)
}

func (e *PathError) Unwrap() error { return ErrInvalidPath }

// ConfigError is an operator-facing misconfiguration of a storage.
type ConfigError struct {
	StorageID int
	Kind      Kind
	Reason    string
	Err       error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("storage %d", e.StorageID)
	if e.Kind != "" {
		msg += " (" + string(e.Kind) + ")"
	}
	return msg + ": " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsBusinessFailure reports whether err is an expected runtime failure
// rather than a programmer or operator error.
func IsBusinessFailure(err error) bool {
	return errors.Is(err, ErrInsufficientSpace) ||
		errors.Is(err, ErrConnectivity) ||
		errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrNotFound)
}
