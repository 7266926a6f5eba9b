// Package migration tracks batch migrations between storages and runs them
// on a worker pool.
package migration

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tubocms/mediastore/internal/events"
	"github.com/tubocms/mediastore/internal/metrics"
)

// Status of a migration report.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

var (
	ErrReportNotFound  = errors.New("migration report not found")
	ErrReportExists    = errors.New("migration report already exists")
	ErrReportCompleted = errors.New("migration report is already completed")
)

// Failure is one file that could not be migrated.
type Failure struct {
	FileID    int64     `json:"file_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the progress record of one batch migration.
type Report struct {
	ID              string     `json:"id"`
	SourceName      string     `json:"source"`
	DestinationName string     `json:"destination"`
	TotalFiles      int        `json:"total_files"`
	SuccessCount    int        `json:"success_count"`
	FailureCount    int        `json:"failure_count"`
	Status          Status     `json:"status"`
	Failures        []Failure  `json:"failures"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func (r *Report) clone() *Report {
	c := *r
	c.Failures = append([]Failure(nil), r.Failures...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Summary is a Report plus figures derived from its counters.
type Summary struct {
	Report
	ProcessedCount  int     `json:"processed_count"`
	RemainingCount  int     `json:"remaining_count"`
	ProgressPercent float64 `json:"progress_percent"`
	IsComplete      bool    `json:"is_complete"`
	HasFailures     bool    `json:"has_failures"`
}

func summarize(r *Report) *Summary {
	processed := r.SuccessCount + r.FailureCount
	progress := 100.0
	if r.TotalFiles > 0 {
		progress = math.Round(float64(processed)/float64(r.TotalFiles)*1000) / 10
	}
	return &Summary{
		Report:          *r,
		ProcessedCount:  processed,
		RemainingCount:  r.TotalFiles - processed,
		ProgressPercent: progress,
		IsComplete:      r.Status == StatusCompleted,
		HasFailures:     r.FailureCount > 0,
	}
}

// Publisher receives report changes.
type Publisher interface {
	Publish(events.Event)
}

// ReportOptions configures a ReportService.
type ReportOptions struct {
	TTL        time.Duration // default 24h
	MaxEntries int           // 0 = unbounded
	Publisher  Publisher
	Now        func() time.Time
}

// ReportService keeps migration reports in memory for a bounded time.
// Expired reports disappear silently.
type ReportService struct {
	mu      sync.Mutex
	reports *expirable.LRU[string, *Report]
	pub     Publisher
	now     func() time.Time
}

// NewReportService creates a ReportService.
func NewReportService(opts ReportOptions) *ReportService {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ReportService{
		reports: expirable.NewLRU[string, *Report](opts.MaxEntries, nil, opts.TTL),
		pub:     opts.Publisher,
		now:     opts.Now,
	}
}

// CreateReport starts tracking a migration of totalFiles files. A report
// with no files is completed on creation.
func (s *ReportService) CreateReport(id string, totalFiles int, sourceName, destinationName string) (*Report, error) {
	if id == "" {
		return nil, fmt.Errorf("migration id is empty")
	}
	if totalFiles < 0 {
		return nil, fmt.Errorf("total files must not be negative, got %d", totalFiles)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reports.Contains(id) {
		return nil, fmt.Errorf("%s: %w", id, ErrReportExists)
	}

	r := &Report{
		ID:              id,
		SourceName:      sourceName,
		DestinationName: destinationName,
		TotalFiles:      totalFiles,
		Status:          StatusInProgress,
		Failures:        []Failure{},
		StartedAt:       s.now(),
	}
	s.reports.Add(id, r)
	s.publish(events.MigrationStarted, r, 0, "")
	s.complete(r)
	s.updateActiveGauge()
	return r.clone(), nil
}

// RecordSuccess counts fileID as migrated.
func (s *ReportService) RecordSuccess(id string, fileID int64) error {
	return s.record(id, fileID, nil)
}

// RecordFailure counts fileID as failed and keeps errMsg for the audit trail.
func (s *ReportService) RecordFailure(id string, fileID int64, errMsg string) error {
	return s.record(id, fileID, &errMsg)
}

func (s *ReportService) record(id string, fileID int64, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrReportNotFound)
	}
	if r.Status == StatusCompleted {
		return fmt.Errorf("%s: %w", id, ErrReportCompleted)
	}

	if errMsg == nil {
		r.SuccessCount++
		s.publish(events.MigrationProgress, r, fileID, "")
	} else {
		r.FailureCount++
		r.Failures = append(r.Failures, Failure{FileID: fileID, Error: *errMsg, Timestamp: s.now()})
		s.publish(events.MigrationProgress, r, fileID, *errMsg)
	}
	metrics.RecordMigrationFile(errMsg == nil)

	if s.complete(r) {
		s.updateActiveGauge()
	}
	return nil
}

// complete flips r to completed once every file is accounted for.
// CompletedAt is stamped once.
func (s *ReportService) complete(r *Report) bool {
	if r.Status == StatusCompleted || r.SuccessCount+r.FailureCount < r.TotalFiles {
		return false
	}
	now := s.now()
	r.Status = StatusCompleted
	r.CompletedAt = &now
	s.publish(events.MigrationCompleted, r, 0, "")
	return true
}

// Report returns a copy of the report with the given id.
func (s *ReportService) Report(id string) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrReportNotFound)
	}
	return r.clone(), nil
}

// Summary returns the report with its derived progress figures.
func (s *ReportService) Summary(id string) (*Summary, error) {
	r, err := s.Report(id)
	if err != nil {
		return nil, err
	}
	return summarize(r), nil
}

// ActiveMigrations returns the summaries of in-progress reports, oldest first.
func (s *ReportService) ActiveMigrations() []*Summary {
	var out []*Summary
	for _, r := range s.snapshot() {
		if r.Status == StatusInProgress {
			out = append(out, summarize(r))
		}
	}
	return out
}

// RecentCompletedMigrations returns up to limit completed reports, most
// recently completed first. limit <= 0 returns all of them.
func (s *ReportService) RecentCompletedMigrations(limit int) []*Summary {
	var done []*Report
	for _, r := range s.snapshot() {
		if r.Status == StatusCompleted {
			done = append(done, r)
		}
	}
	sort.SliceStable(done, func(i, j int) bool {
		return done[i].CompletedAt.After(*done[j].CompletedAt)
	})
	if limit > 0 && len(done) > limit {
		done = done[:limit]
	}

	out := make([]*Summary, 0, len(done))
	for _, r := range done {
		out = append(out, summarize(r))
	}
	return out
}

func (s *ReportService) snapshot() []*Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.reports.Values()
	out := make([]*Report, 0, len(values))
	for _, r := range values {
		out = append(out, r.clone())
	}
	return out
}

func (s *ReportService) updateActiveGauge() {
	active := 0
	for _, r := range s.reports.Values() {
		if r.Status == StatusInProgress {
			active++
		}
	}
	metrics.SetMigrationsActive(active)
}

func (s *ReportService) publish(typ string, r *Report, fileID int64, errMsg string) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(events.Event{
		Type:         typ,
		MigrationID:  r.ID,
		TotalFiles:   r.TotalFiles,
		SuccessCount: r.SuccessCount,
		FailureCount: r.FailureCount,
		FileID:       fileID,
		Error:        errMsg,
		Timestamp:    s.now().Unix(),
	})
}
