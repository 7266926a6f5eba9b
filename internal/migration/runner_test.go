package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tubocms/mediastore/internal/storage"
)

type fakeMigrator struct {
	mu    sync.Mutex
	fail  map[int64]error
	block chan struct{}
	seen  []int64
	dests []*storage.Storage
}

func (m *fakeMigrator) MigrateFile(ctx context.Context, f *storage.VideoFile, dest *storage.Storage) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, f.ID)
	m.dests = append(m.dests, dest)
	if err, ok := m.fail[f.ID]; ok {
		return err
	}
	return nil
}

func files(n int) []*storage.VideoFile {
	out := make([]*storage.VideoFile, n)
	for i := range out {
		out[i] = &storage.VideoFile{ID: int64(i + 1), LocalPath: "/media/v.mp4"}
	}
	return out
}

func TestRunnerRecordsEveryFile(t *testing.T) {
	svc, _ := newTestService()
	m := &fakeMigrator{fail: map[int64]error{
		3: errors.New("upload failed"),
		5: errors.New("download failed"),
		9: errors.New("connection refused"),
	}}
	dest := &storage.Storage{ID: 2, Name: "s3", Kind: storage.KindS3, IsEnabled: true}

	r := NewRunner(m, svc, 3)
	sum, err := r.Run(context.Background(), Batch{
		ID:              "mig1",
		Files:           files(10),
		SourceName:      "local",
		DestinationName: "s3",
		Destination:     dest,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sum.SuccessCount != 7 || sum.FailureCount != 3 || sum.ProgressPercent != 100.0 || !sum.IsComplete {
		t.Errorf("unexpected summary %+v", sum)
	}
	if len(m.seen) != 10 {
		t.Errorf("expected 10 files attempted, got %d", len(m.seen))
	}
	for _, d := range m.dests {
		if d != dest {
			t.Fatal("every file should go to the batch destination")
		}
	}
}

func TestRunnerGeneratesID(t *testing.T) {
	svc, _ := newTestService()
	r := NewRunner(&fakeMigrator{}, svc, 1)

	sum, err := r.Run(context.Background(), Batch{Files: files(2)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sum.ID) != 36 {
		t.Errorf("expected a uuid id, got %q", sum.ID)
	}
}

func TestRunnerDuplicateID(t *testing.T) {
	svc, _ := newTestService()
	svc.CreateReport("taken", 1, "a", "b")
	r := NewRunner(&fakeMigrator{}, svc, 1)

	if _, err := r.Run(context.Background(), Batch{ID: "taken", Files: files(1)}); !errors.Is(err, ErrReportExists) {
		t.Errorf("expected ErrReportExists, got %v", err)
	}
}

func TestRunnerCancellation(t *testing.T) {
	svc, _ := newTestService()
	m := &fakeMigrator{block: make(chan struct{})}
	r := NewRunner(m, svc, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Summary)
	go func() {
		sum, _ := r.Run(ctx, Batch{ID: "cancel", Files: files(20)})
		done <- sum
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case sum := <-done:
		if sum.Status != StatusInProgress {
			t.Errorf("cancelled batch should stay in progress, got %s", sum.Status)
		}
		if sum.ProcessedCount != 0 {
			t.Errorf("interrupted files must not be counted, got %d", sum.ProcessedCount)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunnerStartInBackground(t *testing.T) {
	svc, _ := newTestService()
	r := NewRunner(&fakeMigrator{}, svc, 2)

	id, err := r.Start(Batch{Files: files(5), SourceName: "ftp", DestinationName: "local"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := svc.Summary(id); s != nil && s.IsComplete {
			r.Stop()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background batch did not complete")
}

func TestRunnerStopInterruptsBackground(t *testing.T) {
	svc, _ := newTestService()
	m := &fakeMigrator{block: make(chan struct{})}
	r := NewRunner(m, svc, 1)

	id, err := r.Start(Batch{Files: files(3)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()

	s, _ := svc.Summary(id)
	if s.IsComplete || s.ProcessedCount != 0 {
		t.Errorf("stopped batch should be untouched, got %+v", s)
	}
}
