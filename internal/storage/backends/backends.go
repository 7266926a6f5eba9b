// Package backends registers the built-in storage adapter factories.
package backends

import (
	"github.com/tubocms/mediastore/internal/storage"
	"github.com/tubocms/mediastore/internal/storage/ftp"
	"github.com/tubocms/mediastore/internal/storage/local"
	"github.com/tubocms/mediastore/internal/storage/s3"
	"github.com/tubocms/mediastore/internal/storage/sftp"
	"github.com/tubocms/mediastore/internal/storage/webdav"
)

// Registry returns a registry with every built-in factory, in the order
// local, ftp, sftp, http, s3.
func Registry() *storage.Registry {
	return storage.NewRegistry(
		local.Factory{},
		ftp.Factory{},
		sftp.Factory{},
		webdav.Factory{},
		s3.Factory{},
	)
}
