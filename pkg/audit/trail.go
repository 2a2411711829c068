// Package audit provides the per-run audit trail: an append-only, totally
// ordered buffer of everything that happened during one governed execution.
//
// Every entry gets a sequence number from a logical clock, so even if node
// execution is ever parallelized the trail merges back into a single ordered
// stream. Trails are exported as a hash chain for inclusion in evidence packs.
package audit

import (
	"sync"
	"time"
)

// Entry is one audit record within a run.
type Entry struct {
	Seq  uint64         `json:"seq"`
	Type string         `json:"type"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data,omitempty"`
}

// Trail is the ordered audit buffer for a single run. Appends are safe for
// concurrent use; ordering is by the logical clock, never by wall time.
type Trail struct {
	clock func() time.Time

	mu      sync.Mutex
	seq     uint64
	entries []Entry
}

// TrailOption configures a Trail.
type TrailOption func(*Trail)

// WithClock injects the wall-clock source for entry timestamps.
func WithClock(now func() time.Time) TrailOption {
	return func(t *Trail) { t.clock = now }
}

// NewTrail constructs an empty trail.
func NewTrail(opts ...TrailOption) *Trail {
	t := &Trail{clock: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Append records one entry and returns its sequence number. Data is stored as
// given; callers must not mutate it afterwards.
func (t *Trail) Append(entryType string, data map[string]any) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.entries = append(t.entries, Entry{
		Seq:  t.seq,
		Type: entryType,
		Time: t.clock().UTC(),
		Data: data,
	})
	return t.seq
}

// Snapshot returns a copy of the trail in sequence order.
func (t *Trail) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len reports the number of entries appended so far.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
