package events

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	first := b.Subscribe("")
	second := b.Subscribe("mig1")

	if n := b.Count(); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}

	b.Unsubscribe(first)
	b.Unsubscribe(first)
	if n := b.Count(); n != 1 {
		t.Fatalf("Count after unsubscribe = %d, want 1", n)
	}
	if _, ok := <-first.C; ok {
		t.Error("expected closed channel after unsubscribe")
	}

	b.Unsubscribe(second)
	if n := b.Count(); n != 0 {
		t.Fatalf("Count = %d, want 0", n)
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: MigrationProgress, MigrationID: "mig1", TotalFiles: 10, SuccessCount: 1})

	got := receive(t, sub)
	if got.Type != MigrationProgress || got.MigrationID != "mig1" || got.SuccessCount != 1 {
		t.Errorf("unexpected event %+v", got)
	}
	if got.Timestamp == 0 {
		t.Error("expected timestamp to be set")
	}
}

func TestSubscribeFiltersByMigration(t *testing.T) {
	b := NewBroadcaster()
	all := b.Subscribe("")
	one := b.Subscribe("mig2")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(one)

	b.Publish(Event{Type: MigrationStarted, MigrationID: "mig1"})
	b.Publish(Event{Type: MigrationStarted, MigrationID: "mig2"})

	if got := receive(t, all); got.MigrationID != "mig1" {
		t.Errorf("unfiltered first event = %q, want mig1", got.MigrationID)
	}
	if got := receive(t, all); got.MigrationID != "mig2" {
		t.Errorf("unfiltered second event = %q, want mig2", got.MigrationID)
	}
	if got := receive(t, one); got.MigrationID != "mig2" {
		t.Errorf("filtered event = %q, want mig2", got.MigrationID)
	}
	if n := len(one.C); n != 0 {
		t.Errorf("filtered subscriber has %d extra events", n)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(Event{Type: MigrationProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if n := len(sub.C); n != subscriberBuffer {
		t.Errorf("buffered %d events, want %d", n, subscriberBuffer)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("")
	b.Close()

	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after Close")
	}
	late := b.Subscribe("")
	if _, ok := <-late.C; ok {
		t.Error("expected subscription after Close to be closed")
	}
	if n := b.Count(); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
	b.Unsubscribe(sub)
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSSE(&buf, Event{Type: MigrationCompleted, MigrationID: "m", Timestamp: 1}); err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "event: migration.completed\ndata: {") || !strings.HasSuffix(out, "}\n\n") {
		t.Errorf("unexpected frame %q", out)
	}
	if !strings.Contains(out, `"migration_id":"m"`) {
		t.Errorf("expected migration id in %q", out)
	}
}
