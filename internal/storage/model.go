// Package storage decides where a media file physically lives, moves it
// between backends, and serves URLs for it.
//
// Backends (local disk, FTP, SFTP, WebDAV, S3) implement Adapter and are
// built by a Factory registered in a Registry. Manager is the single entry
// point used by the transcoding pipeline, migration jobs and URL rendering.
package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindLocal Kind = "local"
	KindFTP   Kind = "ftp"
	KindSFTP  Kind = "sftp"
	KindHTTP  Kind = "http" // WebDAV
	KindS3    Kind = "s3"
)

// Valid reports whether k is a known backend kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLocal, KindFTP, KindSFTP, KindHTTP, KindS3:
		return true
	}
	return false
}

// Storage is a configured backend.
// Disabled storages reject new uploads but still serve reads and migrations out.
type Storage struct {
	ID        int             `json:"id"`
	Name      string          `json:"name"`
	Kind      Kind            `json:"kind"`
	Config    json.RawMessage `json:"config"`
	IsDefault bool            `json:"is_default"`
	IsEnabled bool            `json:"is_enabled"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Label returns a short human-readable identifier for logs and metrics.
func (s *Storage) Label() string {
	if s == nil {
		return "local"
	}
	if s.Name != "" {
		return s.Name
	}
	return string(s.Kind) + "-" + strconv.Itoa(s.ID)
}

// fingerprint changes whenever anything that affects adapter construction changes.
func (s *Storage) fingerprint() string {
	return string(s.Kind) + "|" + s.UpdatedAt.UTC().Format(time.RFC3339Nano) + "|" + string(s.Config)
}

// ConfigMap decodes the backend config into a generic map.
func (s *Storage) ConfigMap() map[string]any {
	m := map[string]any{}
	if len(s.Config) == 0 {
		return m
	}
	if err := json.Unmarshal(s.Config, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// HasConfigKeys reports whether all keys are present with a non-empty value.
func (s *Storage) HasConfigKeys(keys ...string) bool {
	m := s.ConfigMap()
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			return false
		}
		if str, isStr := v.(string); isStr && str == "" {
			return false
		}
	}
	return true
}

// DecodeConfig unmarshals the backend config into dst.
func DecodeConfig(s *Storage, dst any) error {
	if len(s.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Config, dst); err != nil {
		return &ConfigError{StorageID: s.ID, Reason: fmt.Sprintf("parse %s config: %v", s.Kind, err)}
	}
	return nil
}

// VideoFile is a stored media artifact.
//
// StorageID == nil if and only if RemotePath == "". When StorageID is nil the
// bytes live at LocalPath; otherwise they live at RemotePath on that storage.
// StorageID and RemotePath are only ever changed together.
type VideoFile struct {
	ID         int64  `json:"id"`
	LocalPath  string `json:"local_path,omitempty"`
	RemotePath string `json:"remote_path,omitempty"`
	FileSize   int64  `json:"file_size"`
	StorageID  *int   `json:"storage_id,omitempty"`
}

// IsRemote reports whether the file lives on a remote storage.
func (f *VideoFile) IsRemote() bool {
	return f.StorageID != nil && f.RemotePath != ""
}

// Location is the part of a VideoFile that a migration swaps.
type Location struct {
	StorageID  *int
	RemotePath string
	LocalPath  string
}

func (f *VideoFile) location() Location {
	return Location{StorageID: f.StorageID, RemotePath: f.RemotePath, LocalPath: f.LocalPath}
}

func (f *VideoFile) apply(loc Location) {
	f.StorageID = loc.StorageID
	f.RemotePath = loc.RemotePath
	f.LocalPath = loc.LocalPath
}
