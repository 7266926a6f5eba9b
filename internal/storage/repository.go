package storage

import (
	"context"
	"time"
)

// StorageRepository looks up Storage records. FindByID and FindDefault
// return (nil, nil) when no row matches.
type StorageRepository interface {
	FindByID(ctx context.Context, id int) (*Storage, error)
	FindDefault(ctx context.Context) (*Storage, error)
	FindAll(ctx context.Context) ([]Storage, error)
	FindEnabled(ctx context.Context) ([]Storage, error)
}

// FileLocationUpdater persists the location of a VideoFile. The three
// columns must be written in a single statement.
type FileLocationUpdater interface {
	UpdateLocation(ctx context.Context, fileID int64, loc Location) error
}

// URLSigner produces tamper-evident, expiring URLs for backends without
// native signing.
type URLSigner interface {
	GenerateSignedURL(path string, expiresIn time.Duration, storageID *int) string
}
