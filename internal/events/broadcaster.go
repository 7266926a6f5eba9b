// Package events fans migration progress out to server-sent event subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tubocms/mediastore/internal/metrics"
)

// Event types.
const (
	MigrationStarted   = "migration.started"
	MigrationProgress  = "migration.progress"
	MigrationCompleted = "migration.completed"
)

// subscriberBuffer is how many events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 64

// Event describes a change in a migration report.
type Event struct {
	Type         string `json:"type"`
	MigrationID  string `json:"migration_id"`
	TotalFiles   int    `json:"total_files"`
	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
	FileID       int64  `json:"file_id,omitempty"`
	Error        string `json:"error,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// Subscription is one subscriber's view of the stream.
type Subscription struct {
	C <-chan Event

	ch          chan Event
	migrationID string
}

func (s *Subscription) wants(e Event) bool {
	return s.migrationID == "" || s.migrationID == e.MigrationID
}

// Broadcaster delivers events to subscribers without ever blocking the
// publisher.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber. A non-empty migrationID limits the
// stream to that migration. Callers must Unsubscribe when done.
func (b *Broadcaster) Subscribe(migrationID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, migrationID: migrationID}

	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs[sub] = struct{}{}
	}
	n := len(b.subs)
	b.mu.Unlock()

	metrics.SetSSEConnectionsActive(int64(n))
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	n := len(b.subs)
	b.mu.Unlock()

	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish delivers event to every interested subscriber. A subscriber
// whose buffer is full misses the event.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	b.mu.Lock()
	for sub := range b.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	b.mu.Unlock()

	metrics.RecordSSEEvent(event.Type)
}

// Close ends every subscription; later subscribers get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for sub := range b.subs {
		close(sub.ch)
	}
	clear(b.subs)
	b.closed = true
	b.mu.Unlock()

	metrics.SetSSEConnectionsActive(0)
}

// Count returns the number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// WriteSSE writes e as one server-sent event frame.
func WriteSSE(w io.Writer, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
