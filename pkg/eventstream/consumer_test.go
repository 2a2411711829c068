package eventstream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedEvent(t *testing.T, evtType string) []byte {
	t.Helper()
	evt := &Event{Type: evtType, Source: "test"}
	evt.Normalize("test")
	data, err := evt.Encode()
	require.NoError(t, err)
	return data
}

func TestConsumer_ReplayedDeliveryInvokesHandlerOnce(t *testing.T) {
	// The broker redelivers the same stream_message_id twice; the handler
	// body must run exactly once and exactly one dedup row must exist.
	dedup := NewMemoryDedupStore()
	var calls int32
	c := NewConsumer("worker", NewMemoryBroker(), dedup, func(ctx context.Context, evt *Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	rec := Record{ID: "7-0", Payload: encodedEvent(t, "task.created")}
	ctx := context.Background()
	c.processRecord(ctx, "task", rec)
	c.processRecord(ctx, "task", rec)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, dedup.Count("worker"))
}

func TestConsumer_PermanentErrorRecordedAndAcked(t *testing.T) {
	broker := NewMemoryBroker(WithRedeliveryIdle(0))
	dedup := NewMemoryDedupStore()
	ctx := context.Background()

	id, err := broker.Append(ctx, "task", encodedEvent(t, "task.created"))
	require.NoError(t, err)

	c := NewConsumer("worker", broker, dedup, func(ctx context.Context, evt *Event) error {
		return Permanent(errors.New("unknown payload contract"))
	})

	recs, err := broker.ReadBatch(ctx, "worker", "task", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	c.processRecord(ctx, "task", recs[0])

	seen, err := dedup.Seen(ctx, "worker", id)
	require.NoError(t, err)
	assert.True(t, seen, "permanent failure must be recorded")
	assert.Zero(t, broker.PendingCount("worker", "task"), "permanent failure must be acked")
}

func TestConsumer_TransientErrorLeavesRecordPending(t *testing.T) {
	broker := NewMemoryBroker(WithRedeliveryIdle(0))
	dedup := NewMemoryDedupStore()
	ctx := context.Background()

	id, err := broker.Append(ctx, "task", encodedEvent(t, "task.created"))
	require.NoError(t, err)

	c := NewConsumer("worker", broker, dedup, func(ctx context.Context, evt *Event) error {
		return errors.New("database temporarily unreachable")
	})

	recs, err := broker.ReadBatch(ctx, "worker", "task", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	c.processRecord(ctx, "task", recs[0])

	seen, err := dedup.Seen(ctx, "worker", id)
	require.NoError(t, err)
	assert.False(t, seen, "transient failure must not be recorded")
	assert.Equal(t, 1, broker.PendingCount("worker", "task"), "record stays pending for redelivery")
}

func TestConsumer_MalformedPayloadIsPermanent(t *testing.T) {
	broker := NewMemoryBroker()
	dedup := NewMemoryDedupStore()
	ctx := context.Background()

	var calls int32
	c := NewConsumer("worker", broker, dedup, func(ctx context.Context, evt *Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	c.processRecord(ctx, "task", Record{ID: "9-0", Payload: []byte(`{broken`)})

	assert.Zero(t, atomic.LoadInt32(&calls), "handler must not see undecodable records")
	seen, err := dedup.Seen(ctx, "worker", "9-0")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestConsumer_EndToEndThroughBroker(t *testing.T) {
	broker := NewMemoryBroker()
	dedup := NewMemoryDedupStore()
	stream := NewStream(broker, "kernel")
	ctx := context.Background()

	processed := make(chan string, 4)
	c := NewConsumer("worker", broker, dedup, func(ctx context.Context, evt *Event) error {
		processed <- evt.Type
		return nil
	}, WithBlock(50*time.Millisecond))
	c.Subscribe(ChannelTask)
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	stream.Publish(ctx, &Event{Type: TypeGraphStarted, Source: "executor"})
	stream.Publish(ctx, &Event{Type: TypeGraphCompleted, Source: "executor"})

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case evtType := <-processed:
			got = append(got, evtType)
		case <-time.After(3 * time.Second):
			t.Fatal("consumer did not deliver events in time")
		}
	}
	assert.Equal(t, []string{TypeGraphStarted, TypeGraphCompleted}, got, "per-channel FIFO")
}

func TestConsumer_StartRequiresSubscription(t *testing.T) {
	c := NewConsumer("worker", NewMemoryBroker(), NewMemoryDedupStore(), func(ctx context.Context, evt *Event) error {
		return nil
	})
	assert.Error(t, c.Start(context.Background()))
}

func TestPermanentClassification(t *testing.T) {
	base := errors.New("boom")
	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsPermanent(base))
	assert.True(t, errors.Is(Permanent(base), base), "wrapped error remains reachable")
	assert.Nil(t, Permanent(nil))
}
