package eventstream

import (
	"context"
	"sync"
	"time"
)

// ProcessedEvent is one consumer dedup row. Primary key is
// (subscriber, stream_message_id); event_id is audit metadata only.
type ProcessedEvent struct {
	Subscriber      string            `json:"subscriber"`
	StreamMessageID string            `json:"stream_message_id"`
	EventID         string            `json:"event_id"`
	EventType       string            `json:"event_type"`
	ProcessedAt     time.Time         `json:"processed_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// DedupStore persists processed-event rows so replayed deliveries are
// detected. MarkProcessed must be atomic and tolerate duplicates: it returns
// false when the row already existed.
type DedupStore interface {
	Seen(ctx context.Context, subscriber, streamMessageID string) (bool, error)
	MarkProcessed(ctx context.Context, rec ProcessedEvent) (bool, error)
}

// MemoryDedupStore keeps dedup rows in process. Single-instance consumers
// and tests use this; anything durable uses the SQLite or Postgres store.
type MemoryDedupStore struct {
	mu   sync.RWMutex
	rows map[string]ProcessedEvent
}

// NewMemoryDedupStore constructs an empty in-memory dedup store.
func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{rows: make(map[string]ProcessedEvent)}
}

func dedupKey(subscriber, streamMessageID string) string {
	return subscriber + "\x00" + streamMessageID
}

// Seen reports whether the row exists.
func (s *MemoryDedupStore) Seen(ctx context.Context, subscriber, streamMessageID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rows[dedupKey(subscriber, streamMessageID)]
	return ok, nil
}

// MarkProcessed inserts the row; returns false if it already existed.
func (s *MemoryDedupStore) MarkProcessed(ctx context.Context, rec ProcessedEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey(rec.Subscriber, rec.StreamMessageID)
	if _, ok := s.rows[key]; ok {
		return false, nil
	}
	s.rows[key] = rec
	return true, nil
}

// Count returns the number of rows for a subscriber; test helper.
func (s *MemoryDedupStore) Count(subscriber string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.rows {
		if rec.Subscriber == subscriber {
			n++
		}
	}
	return n
}
