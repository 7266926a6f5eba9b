// Package stats aggregates per-storage usage for dashboards and alerts.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tubocms/mediastore/internal/metrics"
	"github.com/tubocms/mediastore/internal/storage"
)

// Usage is the file count and byte total stored on one storage.
// StorageID is nil for files on the local media tree.
type Usage struct {
	StorageID  *int  `json:"storage_id"`
	FileCount  int64 `json:"file_count"`
	TotalBytes int64 `json:"total_bytes"`
}

// UsageSource sums VideoFile sizes grouped by storage.
type UsageSource interface {
	UsageByStorage(ctx context.Context) ([]Usage, error)
}

// Prober reports live capacity and health for a storage.
type Prober interface {
	StorageStats(ctx context.Context, s *storage.Storage) storage.Stats
}

// StorageReport is one row of the dashboard.
type StorageReport struct {
	StorageID     *int           `json:"storage_id"`
	Name          string         `json:"name"`
	Kind          storage.Kind   `json:"kind"`
	IsDefault     bool           `json:"is_default"`
	IsEnabled     bool           `json:"is_enabled"`
	FileCount     int64          `json:"file_count"`
	TotalBytes    int64          `json:"total_bytes"`
	TotalSize     string         `json:"total_size"`
	Live          *storage.Stats `json:"live,omitempty"`
	Warning       bool           `json:"warning"`
	UsedSize      string         `json:"used_size,omitempty"`
	AvailableSize string         `json:"available_size,omitempty"`
}

// Report is the full dashboard.
type Report struct {
	Storages    []StorageReport `json:"storages"`
	Warnings    []StorageReport `json:"warnings"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Service builds usage reports.
type Service struct {
	usage    UsageSource
	storages storage.StorageRepository
	prober   Prober
}

// NewService creates a Service. prober may be nil to skip live checks.
func NewService(usage UsageSource, storages storage.StorageRepository, prober Prober) *Service {
	return &Service{usage: usage, storages: storages, prober: prober}
}

// UsageByStorage returns file counts and byte totals per storage, local first.
func (s *Service) UsageByStorage(ctx context.Context) ([]Usage, error) {
	usage, err := s.usage.UsageByStorage(ctx)
	if err != nil {
		return nil, fmt.Errorf("usage by storage: %w", err)
	}
	sort.Slice(usage, func(i, j int) bool {
		a, b := usage[i].StorageID, usage[j].StorageID
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return *a < *b
	})
	return usage, nil
}

// Report combines stored usage with a live probe of every configured
// storage and flags those at or above the warning threshold. Live probes
// also refresh the per-storage gauges.
func (s *Service) Report(ctx context.Context) (*Report, error) {
	usage, err := s.UsageByStorage(ctx)
	if err != nil {
		return nil, err
	}
	all, err := s.storages.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list storages: %w", err)
	}

	byID := make(map[int]Usage, len(usage))
	local := StorageReport{Name: "local", Kind: storage.KindLocal, IsEnabled: true}
	for _, u := range usage {
		if u.StorageID == nil {
			local.FileCount, local.TotalBytes = u.FileCount, u.TotalBytes
			continue
		}
		byID[*u.StorageID] = u
	}
	local.TotalSize = FormatSize(local.TotalBytes)

	rep := &Report{Storages: []StorageReport{local}, Warnings: []StorageReport{}, GeneratedAt: time.Now()}
	for i := range all {
		st := &all[i]
		id := st.ID
		u := byID[id]
		row := StorageReport{
			StorageID:  &id,
			Name:       st.Name,
			Kind:       st.Kind,
			IsDefault:  st.IsDefault,
			IsEnabled:  st.IsEnabled,
			FileCount:  u.FileCount,
			TotalBytes: u.TotalBytes,
			TotalSize:  FormatSize(u.TotalBytes),
		}
		if s.prober != nil {
			live := s.prober.StorageStats(ctx, st)
			metrics.SetStorageUsage(st.Label(), live.UsagePercent, live.Healthy)
			row.Live = &live
			row.Warning = IsWarningThresholdExceeded(live.Quota())
			if live.QuotaKnown {
				row.UsedSize = FormatSize(live.UsedBytes)
				row.AvailableSize = FormatSize(live.AvailableBytes)
			}
		}
		rep.Storages = append(rep.Storages, row)
		if row.Warning {
			rep.Warnings = append(rep.Warnings, row)
		}
	}
	return rep, nil
}

// IsWarningThresholdExceeded reports whether q is at or above
// storage.WarningThresholdPercent. A nil quota never warns.
func IsWarningThresholdExceeded(q *storage.Quota) bool {
	return q != nil && q.IsWarning()
}

// StoragesWithWarning keeps the stats whose quota is at or above the
// warning threshold.
func StoragesWithWarning(stats []storage.Stats) []storage.Stats {
	var out []storage.Stats
	for _, st := range stats {
		if IsWarningThresholdExceeded(st.Quota()) {
			out = append(out, st)
		}
	}
	return out
}

// FormatSize formats bytes with binary units.
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
