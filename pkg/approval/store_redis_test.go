package approval

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func sampleApproval(now time.Time) *Approval {
	return &Approval{
		ApprovalID: "apr-1",
		TenantID:   "tenant-a",
		IRHash:     "abc123",
		TokenHash:  HashToken("raw-token"),
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Minute),
	}
}

func TestRedisStore_CreateGetRoundTrip(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()
	a := sampleApproval(time.Now().UTC())

	require.NoError(t, store.Create(ctx, a))

	got, err := store.Get(ctx, a.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, a.ApprovalID, got.ApprovalID)
	assert.Equal(t, a.TokenHash, got.TokenHash)
	assert.Equal(t, StatusPending, got.Status)
}

func TestRedisStore_FindByTokenHash(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()
	a := sampleApproval(time.Now().UTC())

	require.NoError(t, store.Create(ctx, a))

	got, err := store.FindByTokenHash(ctx, a.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, a.ApprovalID, got.ApprovalID)

	_, err = store.FindByTokenHash(ctx, HashToken("other"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_UpdateRequiresExisting(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()
	a := sampleApproval(time.Now().UTC())

	err := store.Update(ctx, a)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Create(ctx, a))

	now := time.Now().UTC()
	a.Status = StatusConsumed
	a.ConsumedAt = &now
	require.NoError(t, store.Update(ctx, a))

	got, err := store.Get(ctx, a.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, got.Status)
	require.NotNil(t, got.ConsumedAt)
}

func TestRedisStore_DeleteRemovesTokenIndex(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()
	a := sampleApproval(time.Now().UTC())

	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Delete(ctx, a.ApprovalID))

	_, err := store.Get(ctx, a.ApprovalID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindByTokenHash(ctx, a.TokenHash)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Delete(ctx, a.ApprovalID), ErrNotFound)
}

func TestRedisStore_RecordsExpireWithGrace(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()
	a := sampleApproval(time.Now().UTC())

	require.NoError(t, store.Create(ctx, a))

	// Within the grace window the record is still readable so a late
	// consume can answer expired.
	mr.FastForward(time.Minute + time.Hour)
	_, err := store.Get(ctx, a.ApprovalID)
	require.NoError(t, err)

	// Beyond TTL+grace, Redis reclaims both keys.
	mr.FastForward(24 * time.Hour)
	_, err = store.Get(ctx, a.ApprovalID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindByTokenHash(ctx, a.TokenHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_WorksOverRedisStore(t *testing.T) {
	redisStore, _ := setupRedisStore(t)
	ledger := NewLedger(redisStore, nil)
	ctx := context.Background()

	_, token, err := ledger.Create(ctx, "tenant-a", "abc123", time.Minute, "")
	require.NoError(t, err)

	res, err := ledger.Consume(ctx, "tenant-a", "abc123", token, "runner")
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = ledger.Consume(ctx, "tenant-a", "abc123", token, "runner")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StatusConsumed, res.Status)

	// TTL-native store: cleanup is a no-op.
	n, err := ledger.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
