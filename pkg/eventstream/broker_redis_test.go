package eventstream

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client), mr
}

func TestRedisBroker_AppendReadAck(t *testing.T) {
	b, _ := setupRedisBroker(t)
	ctx := context.Background()

	id, err := b.Append(ctx, "task", []byte(`{"k":"v"}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	recs, err := b.ReadBatch(ctx, "worker", "task", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	assert.Equal(t, `{"k":"v"}`, string(recs[0].Payload))

	require.NoError(t, b.Ack(ctx, "worker", "task", id))

	recs, err = b.ReadBatch(ctx, "worker", "task", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedisBroker_GroupSurvivesRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	ctx := context.Background()

	first := NewRedisBroker(client)
	id, err := first.Append(ctx, "task", []byte("payload"))
	require.NoError(t, err)

	recs, err := first.ReadBatch(ctx, "worker", "task", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	// No ACK: the instance "dies" with the record in its pending list.

	restarted := NewRedisBroker(client)
	recs, err = restarted.ReadBatch(ctx, "worker", "task", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1, "pending record must be swept after restart")
	assert.Equal(t, id, recs[0].ID)
}

func TestRedisBroker_IndependentGroups(t *testing.T) {
	b, _ := setupRedisBroker(t)
	ctx := context.Background()

	_, err := b.Append(ctx, "ethics", []byte("e"))
	require.NoError(t, err)

	recsA, err := b.ReadBatch(ctx, "auditor", "ethics", 10, 0)
	require.NoError(t, err)
	recsB, err := b.ReadBatch(ctx, "archiver", "ethics", 10, 0)
	require.NoError(t, err)

	assert.Len(t, recsA, 1)
	assert.Len(t, recsB, 1)
}

func TestRedisBroker_MonotonicIDs(t *testing.T) {
	b, _ := setupRedisBroker(t)
	ctx := context.Background()

	id1, err := b.Append(ctx, "task", []byte("1"))
	require.NoError(t, err)
	id2, err := b.Append(ctx, "task", []byte("2"))
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)

	recs, err := b.ReadBatch(ctx, "worker", "task", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, id1, recs[0].ID)
	assert.Equal(t, id2, recs[1].ID)
}
