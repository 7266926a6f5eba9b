package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/logging"
)

// MigrateFile moves f to dest, or back to the local media tree when dest is nil.
//
// Steps run strictly in order: download (remote source), upload (remote
// destination), persist the new location, then update f. Any failure leaves
// f and its persisted row pointing at the original bytes, and temporary
// files are removed on every path.
func (m *Manager) MigrateFile(ctx context.Context, f *VideoFile, dest *Storage) error {
	log := m.migrationLogger(f, dest)

	if sameLocation(f, dest) {
		log.Debug("migration skipped: already in place")
		return nil
	}
	if dest != nil && !dest.IsEnabled {
		log.Warn("migration rejected: destination disabled")
		return fmt.Errorf("storage %d (%s): %w", dest.ID, dest.Name, ErrStorageDisabled)
	}
	if f.IsRemote() {
		if err := ValidatePath(f.RemotePath); err != nil {
			log.Warn("migration rejected: invalid source path", zap.Error(err))
			return err
		}
	}

	log.Info("migration step", zap.String("step", "pending"))

	var (
		loc Location
		err error
	)
	switch {
	case !f.IsRemote():
		loc, err = m.migrateLocalToRemote(ctx, f, dest, log)
	case dest != nil:
		loc, err = m.migrateRemoteToRemote(ctx, f, dest, log)
	default:
		loc, err = m.migrateRemoteToLocal(ctx, f, log)
	}
	if err != nil {
		log.Error("migration step", zap.String("step", "failed"), zap.Error(err))
		return err
	}

	if err := m.commit(ctx, f, loc, dest); err != nil {
		log.Error("migration step", zap.String("step", "failed"), zap.Error(err))
		return err
	}

	log.Info("migration step", zap.String("step", "reference_swapped"),
		logging.RemotePath(loc.RemotePath), logging.LocalPath(loc.LocalPath))
	return nil
}

func (m *Manager) migrateLocalToRemote(ctx context.Context, f *VideoFile, dest *Storage, log *zap.Logger) (Location, error) {
	remotePath := m.RemotePathFor(f)
	if err := m.uploadStep(ctx, f.LocalPath, remotePath, dest); err != nil {
		return Location{}, err
	}
	log.Info("migration step", zap.String("step", "uploaded"), logging.RemotePath(remotePath))

	id := dest.ID
	return Location{StorageID: &id, RemotePath: remotePath, LocalPath: f.LocalPath}, nil
}

func (m *Manager) migrateRemoteToRemote(ctx context.Context, f *VideoFile, dest *Storage, log *zap.Logger) (Location, error) {
	tmp, err := os.CreateTemp(m.opts.TempDir, "migrate-*"+path.Ext(f.RemotePath))
	if err != nil {
		return Location{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := m.download(ctx, f, tmpPath); err != nil {
		return Location{}, err
	}
	log.Info("migration step", zap.String("step", "downloaded"), logging.LocalPath(tmpPath))

	if err := m.uploadStep(ctx, tmpPath, f.RemotePath, dest); err != nil {
		return Location{}, err
	}
	log.Info("migration step", zap.String("step", "uploaded"))

	id := dest.ID
	return Location{StorageID: &id, RemotePath: f.RemotePath, LocalPath: f.LocalPath}, nil
}

func (m *Manager) migrateRemoteToLocal(ctx context.Context, f *VideoFile, log *zap.Logger) (Location, error) {
	if m.opts.MediaRoot == "" {
		return Location{}, &ConfigError{Reason: "media root is not configured"}
	}
	localPath := filepath.Join(m.opts.MediaRoot, filepath.FromSlash(f.RemotePath))
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return Location{}, fmt.Errorf("create local directory: %w", err)
	}

	part := localPath + ".part"
	defer os.Remove(part)

	if err := m.download(ctx, f, part); err != nil {
		return Location{}, err
	}
	if err := os.Rename(part, localPath); err != nil {
		return Location{}, fmt.Errorf("rename downloaded file: %w", err)
	}
	log.Info("migration step", zap.String("step", "downloaded"), logging.LocalPath(localPath))

	return Location{LocalPath: localPath}, nil
}

// uploadStep runs UploadFile and folds a failed result into an error.
func (m *Manager) uploadStep(ctx context.Context, localPath, remotePath string, dest *Storage) error {
	res, err := m.UploadFile(ctx, localPath, remotePath, dest)
	if err != nil {
		return err
	}
	if !res.Success {
		return resultError(res)
	}
	return nil
}

func (m *Manager) download(ctx context.Context, f *VideoFile, localPath string) error {
	src, err := m.StorageByID(ctx, *f.StorageID)
	if err != nil {
		return err
	}
	a, err := m.Adapter(ctx, src)
	if err != nil {
		return err
	}
	err = m.call(ctx, a, "download", func(ctx context.Context) error {
		return a.Download(ctx, f.RemotePath, localPath)
	})
	if err != nil {
		return fmt.Errorf("download %s from storage %d: %w", f.RemotePath, src.ID, classify(err))
	}
	return nil
}

// commit persists loc before touching f. If persisting fails the new copy
// is removed on a best-effort basis.
func (m *Manager) commit(ctx context.Context, f *VideoFile, loc Location, dest *Storage) error {
	if m.opts.Files != nil {
		if err := m.opts.Files.UpdateLocation(ctx, f.ID, loc); err != nil {
			m.discard(ctx, loc, dest)
			return fmt.Errorf("persist location of video file %d: %w", f.ID, err)
		}
	}
	f.apply(loc)
	return nil
}

func (m *Manager) discard(ctx context.Context, loc Location, dest *Storage) {
	if dest == nil {
		if err := os.Remove(loc.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warn("failed to remove orphaned local copy", logging.LocalPath(loc.LocalPath), zap.Error(err))
		}
		return
	}
	if err := m.DeleteFile(ctx, dest, loc.RemotePath); err != nil {
		logging.Warn("failed to remove orphaned remote copy",
			logging.StorageID(dest.ID), logging.RemotePath(loc.RemotePath), zap.Error(err))
	}
}

// VerifyFileIntegrity checks that remotePath exists on s and, when the
// backend can report sizes and expectedSize is positive, that the sizes match.
func (m *Manager) VerifyFileIntegrity(ctx context.Context, s *Storage, remotePath string, expectedSize int64) error {
	if err := ValidatePath(remotePath); err != nil {
		return err
	}
	a, err := m.Adapter(ctx, s)
	if err != nil {
		return err
	}
	return m.verify(ctx, a, s, remotePath, expectedSize)
}

func (m *Manager) verify(ctx context.Context, a Adapter, s *Storage, remotePath string, expectedSize int64) error {
	var exists bool
	err := m.call(ctx, a, "exists", func(ctx context.Context) error {
		var eerr error
		exists, eerr = a.Exists(ctx, remotePath)
		return eerr
	})
	if err != nil {
		return classify(err)
	}
	if !exists {
		logging.Warn("integrity check failed: file missing",
			logging.StorageID(s.ID), logging.RemotePath(remotePath))
		return fmt.Errorf("%w: %s missing on storage %d", ErrIntegrity, remotePath, s.ID)
	}

	sizer, ok := a.(Sizer)
	if !ok || expectedSize <= 0 {
		return nil
	}

	var size int64
	err = m.call(ctx, a, "size", func(ctx context.Context) error {
		var serr error
		size, serr = sizer.Size(ctx, remotePath)
		return serr
	})
	if err != nil {
		logging.Warn("integrity check: size unavailable, existence only",
			logging.StorageID(s.ID), logging.RemotePath(remotePath), zap.Error(err))
		return nil
	}
	if size != expectedSize {
		logging.Warn("integrity check failed: size mismatch",
			logging.StorageID(s.ID),
			logging.RemotePath(remotePath),
			zap.Int64("expected", expectedSize),
			zap.Int64("actual", size))
		return fmt.Errorf("%w: %s is %d bytes, expected %d", ErrIntegrity, remotePath, size, expectedSize)
	}
	return nil
}

// RemotePathFor derives the remote path a local file is uploaded to: its
// path relative to the media root, or videos/<id>/<name> outside it.
func (m *Manager) RemotePathFor(f *VideoFile) string {
	if m.opts.MediaRoot != "" && f.LocalPath != "" {
		rel, err := filepath.Rel(m.opts.MediaRoot, f.LocalPath)
		if err == nil && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel) {
			rel = filepath.ToSlash(rel)
			if ValidatePath(rel) == nil {
				return rel
			}
		}
	}
	return path.Join("videos", strconv.FormatInt(f.ID, 10), filepath.Base(f.LocalPath))
}

func sameLocation(f *VideoFile, dest *Storage) bool {
	if dest == nil {
		return !f.IsRemote()
	}
	return f.IsRemote() && *f.StorageID == dest.ID
}

func (m *Manager) migrationLogger(f *VideoFile, dest *Storage) *zap.Logger {
	fields := []zap.Field{logging.VideoFileID(f.ID)}
	if f.StorageID != nil {
		fields = append(fields, zap.Int("source_storage_id", *f.StorageID))
	}
	if dest != nil {
		fields = append(fields, zap.Int("dest_storage_id", dest.ID))
	}
	return logging.L().With(fields...)
}
