package eventstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisStreamPrefix = "cap:ev:"

// RedisBroker implements Broker on Redis Streams. Each channel is one stream
// (XADD with approximate MAXLEN retention); each subscriber is one consumer
// group, so delivery state survives process restarts.
type RedisBroker struct {
	client *redis.Client
	maxLen int64

	mu    sync.Mutex
	swept map[groupKey]bool
}

// NewRedisBroker wraps an existing Redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client: client,
		maxLen: defaultChannelRetention,
		swept:  make(map[groupKey]bool),
	}
}

func streamKey(channel string) string {
	return redisStreamPrefix + channel
}

// Append XADDs the payload; Redis assigns the monotonic message id.
func (b *RedisBroker) Append(ctx context.Context, channel string, payload []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", channel, err)
	}
	return id, nil
}

// ReadBatch reads via the subscriber's consumer group. On the first read
// after process start, this subscriber's pending entries are swept (records
// delivered to a previous instance that died before ACK); afterwards only
// new records are read, blocking up to block.
func (b *RedisBroker) ReadBatch(ctx context.Context, subscriber, channel string, max int, block time.Duration) ([]Record, error) {
	if max <= 0 {
		max = 1
	}
	stream := streamKey(channel)
	if err := b.ensureGroup(ctx, stream, subscriber); err != nil {
		return nil, err
	}

	if !b.sweptOnce(subscriber, channel) {
		recs, err := b.read(ctx, stream, subscriber, "0", max, 0)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs, nil
		}
		b.markSwept(subscriber, channel)
	}

	return b.read(ctx, stream, subscriber, ">", max, block)
}

func (b *RedisBroker) read(ctx context.Context, stream, group, from string, max int, block time.Duration) ([]Record, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: group,
		Streams:  []string{stream, from},
		Count:    int64(max),
	}
	if block > 0 {
		args.Block = block
	} else {
		args.Block = -1 // negative means no BLOCK option: return immediately
	}

	streams, err := b.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}

	var out []Record
	for _, s := range streams {
		for _, msg := range s.Messages {
			payload, _ := msg.Values["payload"].(string)
			out = append(out, Record{ID: msg.ID, Payload: []byte(payload)})
		}
	}
	return out, nil
}

// Ack XACKs one message for the subscriber's group.
func (b *RedisBroker) Ack(ctx context.Context, subscriber, channel, id string) error {
	if err := b.client.XAck(ctx, streamKey(channel), subscriber, id).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", channel, id, err)
	}
	return nil
}

func (b *RedisBroker) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (b *RedisBroker) sweptOnce(subscriber, channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.swept[groupKey{subscriber: subscriber, channel: channel}]
}

func (b *RedisBroker) markSwept(subscriber, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.swept[groupKey{subscriber: subscriber, channel: channel}] = true
}
