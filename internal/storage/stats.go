package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/logging"
)

// Stats is a dashboard view of one storage.
type Stats struct {
	StorageID      int           `json:"storage_id"`
	Name           string        `json:"name"`
	Kind           Kind          `json:"kind"`
	TotalBytes     int64         `json:"total_bytes"`
	UsedBytes      int64         `json:"used_bytes"`
	AvailableBytes int64         `json:"available_bytes"`
	UsagePercent   float64       `json:"usage_percent"`
	QuotaKnown     bool          `json:"quota_known"`
	Healthy        bool          `json:"healthy"`
	Latency        time.Duration `json:"latency,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Quota returns the stats' capacity as a Quota, or nil when unknown.
func (st Stats) Quota() *Quota {
	if !st.QuotaKnown {
		return nil
	}
	return &Quota{TotalBytes: st.TotalBytes, UsedBytes: st.UsedBytes}
}

// StorageStats combines a connection test and a quota lookup. It never
// fails: any error yields zeroed figures with Healthy=false.
func (m *Manager) StorageStats(ctx context.Context, s *Storage) (st Stats) {
	st = Stats{StorageID: s.ID, Name: s.Name, Kind: s.Kind}

	defer func() {
		if r := recover(); r != nil {
			logging.Error("storage stats panicked", logging.StorageID(s.ID), zap.Any("panic", r))
			st = unhealthy(s, fmt.Errorf("panic: %v", r))
		}
	}()

	a, err := m.Adapter(ctx, s)
	if err != nil {
		return unhealthy(s, err)
	}

	var conn ConnectionTestResult
	err = m.call(ctx, a, "test_connection", func(ctx context.Context) error {
		conn = a.TestConnection(ctx)
		if !conn.Success {
			return fmt.Errorf("%w: %s", ErrConnectivity, conn.Error)
		}
		return nil
	})
	if err != nil {
		m.InvalidateAdapter(s.ID)
		return unhealthy(s, err)
	}
	st.Healthy = true
	st.Latency = conn.Latency

	q, err := m.Quota(ctx, s)
	if err != nil {
		return unhealthy(s, err)
	}
	if q != nil {
		st.QuotaKnown = true
		st.TotalBytes = q.TotalBytes
		st.UsedBytes = q.UsedBytes
		st.AvailableBytes = q.AvailableBytes()
		st.UsagePercent = q.UsagePercent()
	}
	return st
}

func unhealthy(s *Storage, err error) Stats {
	logging.Warn("storage unhealthy", logging.StorageID(s.ID), zap.Error(err))
	return Stats{StorageID: s.ID, Name: s.Name, Kind: s.Kind, Error: err.Error()}
}
