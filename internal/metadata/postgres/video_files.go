package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tubocms/mediastore/internal/stats"
	"github.com/tubocms/mediastore/internal/storage"
)

// ErrVideoFileNotFound is returned when no video file has the given id.
var ErrVideoFileNotFound = errors.New("video file not found")

const videoFileColumns = `id, local_path, remote_path, file_size, storage_id`

// VideoFileStore reads video file locations and swaps them after migrations.
type VideoFileStore struct {
	db *sql.DB
}

func scanVideoFile(row rowScanner) (*storage.VideoFile, error) {
	var (
		f         storage.VideoFile
		local     sql.NullString
		remote    sql.NullString
		storageID sql.NullInt64
	)
	if err := row.Scan(&f.ID, &local, &remote, &f.FileSize, &storageID); err != nil {
		return nil, err
	}
	f.LocalPath = local.String
	f.RemotePath = remote.String
	f.StorageID = intFromNull(storageID)
	return &f, nil
}

// Get returns the video file with the given id.
func (s *VideoFileStore) Get(ctx context.Context, id int64) (*storage.VideoFile, error) {
	defer observe("video_file_get", time.Now())

	f, err := scanVideoFile(s.db.QueryRowContext(ctx,
		`SELECT `+videoFileColumns+` FROM video_files WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("video file %d: %w", id, ErrVideoFileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get video file %d: %w", id, err)
	}
	return f, nil
}

// ListByStorage returns files on storageID ordered by id, or files on the
// local media tree when storageID is nil. limit <= 0 means no limit.
func (s *VideoFileStore) ListByStorage(ctx context.Context, storageID *int, limit int) ([]*storage.VideoFile, error) {
	defer observe("video_file_list_by_storage", time.Now())

	query := `SELECT ` + videoFileColumns + ` FROM video_files`
	var args []any
	if storageID == nil {
		query += ` WHERE storage_id IS NULL`
	} else {
		args = append(args, *storageID)
		query += ` WHERE storage_id = $1`
	}
	query += ` ORDER BY id`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list video files: %w", err)
	}
	defer rows.Close()

	var out []*storage.VideoFile
	for rows.Next() {
		f, err := scanVideoFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateLocation writes storage_id, remote_path and local_path in one
// statement, so readers see either the old or the new location.
func (s *VideoFileStore) UpdateLocation(ctx context.Context, fileID int64, loc storage.Location) error {
	defer observe("video_file_update_location", time.Now())

	res, err := s.db.ExecContext(ctx,
		`UPDATE video_files SET storage_id = $2, remote_path = $3, local_path = $4, updated_at = NOW()
		 WHERE id = $1`,
		fileID, nullableInt(loc.StorageID), nullableString(loc.RemotePath), nullableString(loc.LocalPath))
	if err != nil {
		return fmt.Errorf("update video file %d location: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("video file %d: %w", fileID, ErrVideoFileNotFound)
	}
	return nil
}

// UsageByStorage returns the number of files and bytes per storage. Local
// files are grouped under a nil storage id.
func (s *VideoFileStore) UsageByStorage(ctx context.Context) ([]stats.Usage, error) {
	defer observe("video_file_usage_by_storage", time.Now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT storage_id, COUNT(*), COALESCE(SUM(file_size), 0)
		 FROM video_files GROUP BY storage_id`)
	if err != nil {
		return nil, fmt.Errorf("usage by storage: %w", err)
	}
	defer rows.Close()

	var out []stats.Usage
	for rows.Next() {
		var (
			u  stats.Usage
			id sql.NullInt64
		)
		if err := rows.Scan(&id, &u.FileCount, &u.TotalBytes); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		u.StorageID = intFromNull(id)
		out = append(out, u)
	}
	return out, rows.Err()
}

var (
	_ storage.FileLocationUpdater = (*VideoFileStore)(nil)
	_ stats.UsageSource           = (*VideoFileStore)(nil)
)
