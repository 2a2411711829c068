package approval

import (
	"context"
	"sync"
	"time"
)

// Store is the persistence contract for approvals. Implementations must
// serialize writes per approval id; the ledger is the single writer for
// lifecycle transitions.
type Store interface {
	Create(ctx context.Context, a *Approval) error
	Get(ctx context.Context, approvalID string) (*Approval, error)
	Update(ctx context.Context, a *Approval) error
	Delete(ctx context.Context, approvalID string) error
	FindByTokenHash(ctx context.Context, tokenHash string) (*Approval, error)
}

// Sweeper is implemented by stores without native TTL; the ledger's
// CleanupExpired delegates here. TTL-native stores omit it and cleanup is a
// no-op.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is the in-process Store: a map plus a token-hash index under
// one RWMutex. Suits single-node deployments and tests; horizontal scale
// uses the Redis store.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Approval
	byToken map[string]string
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Approval),
		byToken: make(map[string]string),
	}
}

// Create stores a new approval and indexes its token hash.
func (s *MemoryStore) Create(ctx context.Context, a *Approval) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.byID[a.ApprovalID] = &cp
	s.byToken[a.TokenHash] = a.ApprovalID
	return nil
}

// Get returns a copy of the approval or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, approvalID string) (*Approval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[approvalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// Update replaces the stored record.
func (s *MemoryStore) Update(ctx context.Context, a *Approval) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ApprovalID]; !ok {
		return ErrNotFound
	}
	cp := *a
	s.byID[a.ApprovalID] = &cp
	return nil
}

// Delete removes the record and its token index entry.
func (s *MemoryStore) Delete(ctx context.Context, approvalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[approvalID]
	if !ok {
		return ErrNotFound
	}
	delete(s.byToken, a.TokenHash)
	delete(s.byID, approvalID)
	return nil
}

// FindByTokenHash resolves the token index.
func (s *MemoryStore) FindByTokenHash(ctx context.Context, tokenHash string) (*Approval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	id, ok := s.byToken[tokenHash]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// SweepExpired drops records whose TTL elapsed before now. Terminal consumed
// records are kept; they are the durable proof an approval was used.
func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for id, a := range s.byID {
		if a.Status == StatusConsumed || !a.Expired(now) {
			continue
		}
		delete(s.byToken, a.TokenHash)
		delete(s.byID, id)
		swept++
	}
	return swept, nil
}
