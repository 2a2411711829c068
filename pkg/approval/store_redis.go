package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisApprovalPrefix = "apr:"
	redisTokenPrefix    = "aprtok:"

	// expiryGrace keeps expired records around after their TTL so a late
	// consume still answers status=expired instead of an opaque not-found.
	expiryGrace = 24 * time.Hour
)

// RedisStore is the horizontally scalable Store: approvals live as JSON
// values with native TTL, plus a token_hash -> approval_id index key that
// expires in lockstep.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func approvalKey(id string) string { return redisApprovalPrefix + id }

func tokenKey(hash string) string { return redisTokenPrefix + hash }

func (s *RedisStore) retention(a *Approval) time.Duration {
	d := a.ExpiresAt.Sub(s.now().UTC()) + expiryGrace
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

// Create stores the record and its token index with TTL+grace expiry.
func (s *RedisStore) Create(ctx context.Context, a *Approval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("approval encode failed: %w", err)
	}
	ttl := s.retention(a)
	if err := s.client.Set(ctx, approvalKey(a.ApprovalID), data, ttl).Err(); err != nil {
		return fmt.Errorf("approval create failed: %w", err)
	}
	if err := s.client.Set(ctx, tokenKey(a.TokenHash), a.ApprovalID, ttl).Err(); err != nil {
		return fmt.Errorf("approval token index failed: %w", err)
	}
	return nil
}

// Get returns the record or ErrNotFound once the grace window has passed.
func (s *RedisStore) Get(ctx context.Context, approvalID string) (*Approval, error) {
	data, err := s.client.Get(ctx, approvalKey(approvalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approval get failed: %w", err)
	}
	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("approval decode failed: %w", err)
	}
	return &a, nil
}

// Update rewrites the record preserving its remaining retention.
func (s *RedisStore) Update(ctx context.Context, a *Approval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("approval encode failed: %w", err)
	}
	ok, err := s.client.SetXX(ctx, approvalKey(a.ApprovalID), data, s.retention(a)).Result()
	if err != nil {
		return fmt.Errorf("approval update failed: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Delete removes the record and its token index.
func (s *RedisStore) Delete(ctx context.Context, approvalID string) error {
	a, err := s.Get(ctx, approvalID)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, approvalKey(approvalID), tokenKey(a.TokenHash)).Err(); err != nil {
		return fmt.Errorf("approval delete failed: %w", err)
	}
	return nil
}

// FindByTokenHash resolves the token index key.
func (s *RedisStore) FindByTokenHash(ctx context.Context, tokenHash string) (*Approval, error) {
	id, err := s.client.Get(ctx, tokenKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approval token lookup failed: %w", err)
	}
	return s.Get(ctx, id)
}
