package eventstream

import (
	"context"
	"time"
)

// Record is one delivered message: the broker-assigned id plus the raw
// envelope payload.
type Record struct {
	ID      string
	Payload []byte
}

// Broker is the append-only log contract the stream and consumers run on.
//
// Semantics required of every implementation:
//   - Append assigns a monotonic, per-channel message id and returns it.
//   - ReadBatch returns this subscriber's unacknowledged (pending) records
//     first, then new records, up to max; it blocks up to block when nothing
//     is available. Per-channel FIFO; no cross-channel ordering.
//   - Ack marks one record consumed for one subscriber. Unacked records are
//     redelivered (at-least-once).
type Broker interface {
	Append(ctx context.Context, channel string, payload []byte) (string, error)
	ReadBatch(ctx context.Context, subscriber, channel string, max int, block time.Duration) ([]Record, error)
	Ack(ctx context.Context, subscriber, channel, id string) error
}
