package eventstream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultChannelRetention = 10000

// MemoryBroker is an in-process Broker with per-channel ordered logs and
// consumer-group delivery state. It serves lite mode and tests; deployments
// that need horizontal scale use the Redis Streams broker.
type MemoryBroker struct {
	mu             sync.Mutex
	channels       map[string]*memChannel
	groups         map[groupKey]*groupState
	maxLen         int
	redeliveryIdle time.Duration
	now            func() time.Time
}

type memEntry struct {
	seq     uint64
	id      string
	payload []byte
}

type memChannel struct {
	entries []memEntry
	seq     uint64
	waiters []chan struct{}
}

type groupKey struct {
	subscriber string
	channel    string
}

type pendingEntry struct {
	rec         Record
	deliveredAt time.Time
}

type groupState struct {
	cursor       uint64
	pending      map[string]*pendingEntry
	pendingOrder []string
}

// MemoryBrokerOption configures a MemoryBroker.
type MemoryBrokerOption func(*MemoryBroker)

// WithRetention bounds how many records each channel retains.
func WithRetention(n int) MemoryBrokerOption {
	return func(b *MemoryBroker) { b.maxLen = n }
}

// WithRedeliveryIdle sets how long an unacked record must sit before it is
// redelivered. Zero redelivers on every read.
func WithRedeliveryIdle(d time.Duration) MemoryBrokerOption {
	return func(b *MemoryBroker) { b.redeliveryIdle = d }
}

// NewMemoryBroker constructs an in-process broker.
func NewMemoryBroker(opts ...MemoryBrokerOption) *MemoryBroker {
	b := &MemoryBroker{
		channels:       make(map[string]*memChannel),
		groups:         make(map[groupKey]*groupState),
		maxLen:         defaultChannelRetention,
		redeliveryIdle: 30 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append adds a record to a channel, assigns its message id, and wakes
// blocked readers.
func (b *MemoryBroker) Append(ctx context.Context, channel string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	ch := b.channel(channel)
	ch.seq++
	id := fmt.Sprintf("%d-0", ch.seq)
	buf := make([]byte, len(payload))
	copy(buf, payload)
	ch.entries = append(ch.entries, memEntry{seq: ch.seq, id: id, payload: buf})
	if len(ch.entries) > b.maxLen {
		ch.entries = ch.entries[len(ch.entries)-b.maxLen:]
	}
	waiters := ch.waiters
	ch.waiters = nil
	b.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return id, nil
}

// ReadBatch delivers idle pending records first, then new records, blocking
// up to block when the channel is drained.
func (b *MemoryBroker) ReadBatch(ctx context.Context, subscriber, channel string, max int, block time.Duration) ([]Record, error) {
	if max <= 0 {
		max = 1
	}
	deadline := b.now().Add(block)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		out := b.collectLocked(subscriber, channel, max)
		if len(out) > 0 {
			b.mu.Unlock()
			return out, nil
		}

		remaining := deadline.Sub(b.now())
		if remaining <= 0 {
			b.mu.Unlock()
			return nil, nil
		}
		waiter := make(chan struct{})
		ch := b.channel(channel)
		ch.waiters = append(ch.waiters, waiter)
		b.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-waiter:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (b *MemoryBroker) collectLocked(subscriber, channel string, max int) []Record {
	ch := b.channel(channel)
	g := b.group(subscriber, channel)
	now := b.now()

	var out []Record
	for _, id := range g.pendingOrder {
		if len(out) >= max {
			break
		}
		p := g.pending[id]
		if now.Sub(p.deliveredAt) < b.redeliveryIdle {
			continue
		}
		p.deliveredAt = now
		out = append(out, p.rec)
	}

	for i := range ch.entries {
		if len(out) >= max {
			break
		}
		e := &ch.entries[i]
		if e.seq <= g.cursor {
			continue
		}
		rec := Record{ID: e.id, Payload: e.payload}
		g.cursor = e.seq
		g.pending[e.id] = &pendingEntry{rec: rec, deliveredAt: now}
		g.pendingOrder = append(g.pendingOrder, e.id)
		out = append(out, rec)
	}
	return out
}

// Ack marks a record consumed for a subscriber.
func (b *MemoryBroker) Ack(ctx context.Context, subscriber, channel, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.group(subscriber, channel)
	if _, ok := g.pending[id]; !ok {
		return nil
	}
	delete(g.pending, id)
	for i, pid := range g.pendingOrder {
		if pid == id {
			g.pendingOrder = append(g.pendingOrder[:i], g.pendingOrder[i+1:]...)
			break
		}
	}
	return nil
}

// PendingCount reports unacked records for a subscriber on a channel.
func (b *MemoryBroker) PendingCount(subscriber, channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.group(subscriber, channel).pending)
}

func (b *MemoryBroker) channel(name string) *memChannel {
	ch, ok := b.channels[name]
	if !ok {
		ch = &memChannel{}
		b.channels[name] = ch
	}
	return ch
}

func (b *MemoryBroker) group(subscriber, channel string) *groupState {
	key := groupKey{subscriber: subscriber, channel: channel}
	g, ok := b.groups[key]
	if !ok {
		g = &groupState{pending: make(map[string]*pendingEntry)}
		b.groups[key] = g
	}
	return g
}
