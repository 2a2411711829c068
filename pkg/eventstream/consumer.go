package eventstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PermanentError marks a handler failure as a contract violation that will
// never succeed on retry (bad schema, unknown type, invariant breach). The
// consumer records it with error metadata and ACKs so the record is not
// redelivered. Any other handler error is transient: the record stays
// unacked and the broker redelivers it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Handler processes one decoded event. It classifies its own failures:
// return Permanent(err) for contract violations, a plain error for
// infrastructure trouble that deserves redelivery.
type Handler func(ctx context.Context, evt *Event) error

// Consumer is a durable, idempotent subscription: one subscriber name, one
// handler, any number of channels. Replayed deliveries are detected through
// the DedupStore and skipped, so the handler body runs at most once per
// (subscriber, stream_message_id).
type Consumer struct {
	name    string
	broker  Broker
	dedup   DedupStore
	handler Handler

	channels  []string
	batchSize int
	blockFor  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithBatchSize sets how many records one blocking read may return.
func WithBatchSize(n int) ConsumerOption {
	return func(c *Consumer) { c.batchSize = n }
}

// WithBlock sets how long one read blocks waiting for records.
func WithBlock(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.blockFor = d }
}

// WithConsumerLogger overrides the default slog logger.
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// WithConsumerClock injects the processed_at timestamp source.
func WithConsumerClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) { c.now = now }
}

// NewConsumer constructs a consumer with a durable subscriber identity.
func NewConsumer(name string, broker Broker, dedup DedupStore, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		name:      name,
		broker:    broker,
		dedup:     dedup,
		handler:   handler,
		batchSize: 16,
		blockFor:  500 * time.Millisecond,
		logger:    slog.Default().With("component", "consumer", "subscriber", name),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers channels to consume. Call before Start.
func (c *Consumer) Subscribe(channels ...string) {
	c.channels = append(c.channels, channels...)
}

// Start launches one read loop per subscribed channel and returns. Use Stop
// to cancel and drain; in-flight records without ACK are redelivered to the
// next instance.
func (c *Consumer) Start(ctx context.Context) error {
	if len(c.channels) == 0 {
		return fmt.Errorf("consumer %s: no channels subscribed", c.name)
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("consumer %s: already started", c.name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	for _, channel := range c.channels {
		c.wg.Add(1)
		go func(channel string) {
			defer c.wg.Done()
			c.loop(runCtx, channel)
		}(channel)
	}
	return nil
}

// Stop cancels all subscription loops and waits for them to drain.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) loop(ctx context.Context, channel string) {
	for {
		if ctx.Err() != nil {
			return
		}
		recs, err := c.broker.ReadBatch(ctx, c.name, channel, c.batchSize, c.blockFor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("read batch failed", "channel", channel, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, rec := range recs {
			if ctx.Err() != nil {
				return
			}
			c.processRecord(ctx, channel, rec)
		}
	}
}

// processRecord implements the idempotent consume protocol:
// seen → ACK and skip; permanent failure → record with error metadata + ACK;
// transient failure → leave unacked for redelivery; success → record + ACK.
func (c *Consumer) processRecord(ctx context.Context, channel string, rec Record) {
	seen, err := c.dedup.Seen(ctx, c.name, rec.ID)
	if err != nil {
		// Cannot prove the record is new; leave it unacked for redelivery.
		c.logger.Error("dedup lookup failed", "channel", channel, "id", rec.ID, "err", err)
		return
	}
	if seen {
		c.ack(ctx, channel, rec.ID)
		return
	}

	evt, err := DecodeEvent(rec.Payload)
	if err != nil {
		c.markAndAck(ctx, channel, rec, "", "", map[string]string{
			"error": err.Error(),
			"class": "permanent",
		})
		return
	}

	if err := c.handler(ctx, evt); err != nil {
		if IsPermanent(err) {
			c.markAndAck(ctx, channel, rec, evt.ID, evt.Type, map[string]string{
				"error": err.Error(),
				"class": "permanent",
			})
			return
		}
		c.logger.Warn("transient handler failure, leaving for redelivery",
			"channel", channel, "id", rec.ID, "type", evt.Type, "err", err)
		return
	}

	c.markAndAck(ctx, channel, rec, evt.ID, evt.Type, nil)
}

func (c *Consumer) markAndAck(ctx context.Context, channel string, rec Record, eventID, eventType string, metadata map[string]string) {
	_, err := c.dedup.MarkProcessed(ctx, ProcessedEvent{
		Subscriber:      c.name,
		StreamMessageID: rec.ID,
		EventID:         eventID,
		EventType:       eventType,
		ProcessedAt:     c.now().UTC(),
		Metadata:        metadata,
	})
	if err != nil {
		// The handler already ran; ACK anyway so it cannot run twice.
		c.logger.Error("dedup insert failed", "channel", channel, "id", rec.ID, "err", err)
	}
	c.ack(ctx, channel, rec.ID)
}

func (c *Consumer) ack(ctx context.Context, channel, id string) {
	if err := c.broker.Ack(ctx, c.name, channel, id); err != nil {
		c.logger.Error("ack failed", "channel", channel, "id", id, "err", err)
	}
}
