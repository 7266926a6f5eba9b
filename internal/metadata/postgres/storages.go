package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/storage"
)

// ErrStorageInUse is returned when deleting a storage that files still reference.
var ErrStorageInUse = errors.New("storage still holds video files")

const storageColumns = `id, name, kind, config, is_default, is_enabled, created_at, updated_at`

// StorageStore provides CRUD operations for the storages table.
type StorageStore struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStorage(row rowScanner) (*storage.Storage, error) {
	var s storage.Storage
	var config []byte
	if err := row.Scan(&s.ID, &s.Name, &s.Kind, &config, &s.IsDefault, &s.IsEnabled, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Config = append([]byte(nil), config...)
	return &s, nil
}

// FindByID returns a storage, or nil when none has that id.
func (s *StorageStore) FindByID(ctx context.Context, id int) (*storage.Storage, error) {
	defer observe("storage_find_by_id", time.Now())

	st, err := scanStorage(s.db.QueryRowContext(ctx,
		`SELECT `+storageColumns+` FROM storages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get storage %d: %w", id, err)
	}
	return st, nil
}

// FindDefault returns the default storage, or nil when there is none.
// The lowest id wins if legacy rows carry more than one default.
func (s *StorageStore) FindDefault(ctx context.Context) (*storage.Storage, error) {
	defer observe("storage_find_default", time.Now())

	st, err := scanStorage(s.db.QueryRowContext(ctx,
		`SELECT `+storageColumns+` FROM storages WHERE is_default = TRUE ORDER BY id LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get default storage: %w", err)
	}
	return st, nil
}

// FindAll returns every storage ordered by id.
func (s *StorageStore) FindAll(ctx context.Context) ([]storage.Storage, error) {
	defer observe("storage_find_all", time.Now())
	return s.list(ctx, `SELECT `+storageColumns+` FROM storages ORDER BY id`)
}

// FindEnabled returns the enabled storages ordered by id.
func (s *StorageStore) FindEnabled(ctx context.Context) ([]storage.Storage, error) {
	defer observe("storage_find_enabled", time.Now())
	return s.list(ctx, `SELECT `+storageColumns+` FROM storages WHERE is_enabled = TRUE ORDER BY id`)
}

func (s *StorageStore) list(ctx context.Context, query string) ([]storage.Storage, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list storages: %w", err)
	}
	defer rows.Close()

	var out []storage.Storage
	for rows.Next() {
		st, err := scanStorage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan storage: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// Create inserts st and fills in its generated id and timestamps. A new
// storage is never the default; use SetDefault.
func (s *StorageStore) Create(ctx context.Context, st *storage.Storage) error {
	defer observe("storage_create", time.Now())

	if !st.Kind.Valid() {
		return fmt.Errorf("unknown storage kind %q", st.Kind)
	}
	config := []byte(st.Config)
	if len(config) == 0 {
		config = []byte("{}")
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO storages (name, kind, config, is_enabled)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		st.Name, string(st.Kind), config, st.IsEnabled).
		Scan(&st.ID, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	st.IsDefault = false
	logging.Info("storage created", logging.StorageID(st.ID), zap.String("kind", string(st.Kind)))
	return nil
}

// Update changes a storage's name, kind and config. updated_at moves,
// so cached adapters for it are rebuilt on next use.
func (s *StorageStore) Update(ctx context.Context, st *storage.Storage) error {
	defer observe("storage_update", time.Now())

	if !st.Kind.Valid() {
		return fmt.Errorf("unknown storage kind %q", st.Kind)
	}
	err := s.db.QueryRowContext(ctx,
		`UPDATE storages SET name = $2, kind = $3, config = $4, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		st.ID, st.Name, string(st.Kind), []byte(st.Config)).Scan(&st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage %d: %w", st.ID, storage.ErrStorageNotFound)
	}
	if err != nil {
		return fmt.Errorf("update storage: %w", err)
	}
	return nil
}

// SetEnabled enables or disables a storage.
func (s *StorageStore) SetEnabled(ctx context.Context, id int, enabled bool) error {
	defer observe("storage_set_enabled", time.Now())

	res, err := s.db.ExecContext(ctx,
		`UPDATE storages SET is_enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set storage enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage %d: %w", id, storage.ErrStorageNotFound)
	}
	logging.Info("storage enablement changed", logging.StorageID(id), zap.Bool("enabled", enabled))
	return nil
}

// SetDefault makes id the only default storage.
func (s *StorageStore) SetDefault(ctx context.Context, id int) error {
	defer observe("storage_set_default", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE storages SET is_default = FALSE, updated_at = NOW() WHERE is_default = TRUE AND id <> $1`, id); err != nil {
		return fmt.Errorf("clear default: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE storages SET is_default = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("set default: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage %d: %w", id, storage.ErrStorageNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logging.Info("default storage changed", logging.StorageID(id))
	return nil
}

// Delete removes a storage. It fails with ErrStorageInUse while video
// files still reference it.
func (s *StorageStore) Delete(ctx context.Context, id int) error {
	defer observe("storage_delete", time.Now())

	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM video_files WHERE storage_id = $1`, id).Scan(&count); err != nil {
		return fmt.Errorf("check files: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("storage %d has %d files: %w", id, count, ErrStorageInUse)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM storages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete storage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage %d: %w", id, storage.ErrStorageNotFound)
	}
	logging.Info("storage deleted", logging.StorageID(id))
	return nil
}

var _ storage.StorageRepository = (*StorageStore)(nil)
