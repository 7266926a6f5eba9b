package migration

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/storage"
)

// Migrator moves one file to a destination storage (nil = local).
type Migrator interface {
	MigrateFile(ctx context.Context, f *storage.VideoFile, dest *storage.Storage) error
}

// Batch is a set of files to move to one destination.
type Batch struct {
	ID              string // generated when empty
	Files           []*storage.VideoFile
	SourceName      string
	DestinationName string
	Destination     *storage.Storage
}

// Runner migrates batches on a pool of workers. A failed file is recorded
// on the report and never stops the batch.
type Runner struct {
	migrator Migrator
	reports  *ReportService
	workers  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner with the given number of workers per batch.
func NewRunner(migrator Migrator, reports *ReportService, workers int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		migrator: migrator,
		reports:  reports,
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run migrates b and blocks until every file is processed or ctx is
// cancelled. Files not reached before cancellation stay uncounted.
func (r *Runner) Run(ctx context.Context, b Batch) (*Summary, error) {
	id, err := r.create(&b)
	if err != nil {
		return nil, err
	}
	r.process(ctx, id, b)
	return r.reports.Summary(id)
}

// Start migrates b in the background and returns the report id at once.
// Background batches stop when Stop is called.
func (r *Runner) Start(b Batch) (string, error) {
	id, err := r.create(&b)
	if err != nil {
		return "", err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.process(r.ctx, id, b)
	}()
	return id, nil
}

// Stop cancels background batches and waits for their workers.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) create(b *Batch) (string, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, err := r.reports.CreateReport(b.ID, len(b.Files), b.SourceName, b.DestinationName); err != nil {
		return "", err
	}
	return b.ID, nil
}

func (r *Runner) process(ctx context.Context, id string, b Batch) {
	log := logging.L().With(logging.MigrationID(id))
	log.Info("migration batch started",
		zap.Int("files", len(b.Files)),
		zap.String("source", b.SourceName),
		zap.String("destination", b.DestinationName),
		zap.Int("workers", r.workers))

	queue := make(chan *storage.VideoFile)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go r.worker(ctx, &wg, id, b.Destination, queue)
	}

feed:
	for _, f := range b.Files {
		select {
		case <-ctx.Done():
			break feed
		case queue <- f:
		}
	}
	close(queue)
	wg.Wait()

	if ctx.Err() != nil {
		log.Warn("migration batch cancelled", zap.Error(ctx.Err()))
		return
	}
	log.Info("migration batch finished")
}

func (r *Runner) worker(ctx context.Context, wg *sync.WaitGroup, id string, dest *storage.Storage, queue <-chan *storage.VideoFile) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-queue:
			if !ok {
				return
			}
			r.migrate(ctx, id, f, dest)
		}
	}
}

func (r *Runner) migrate(ctx context.Context, id string, f *storage.VideoFile, dest *storage.Storage) {
	err := r.migrator.MigrateFile(ctx, f, dest)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Interrupted, not failed.
		return
	}

	if err != nil {
		err = r.reports.RecordFailure(id, f.ID, err.Error())
	} else {
		err = r.reports.RecordSuccess(id, f.ID)
	}
	if err != nil {
		logging.Warn("failed to record migration outcome",
			logging.MigrationID(id), logging.VideoFileID(f.ID), zap.Error(err))
	}
}
