package approval

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/capstanhq/capstan/pkg/eventstream"
)

// DefaultTTL bounds an approval's validity when the caller does not choose.
const DefaultTTL = 15 * time.Minute

const tokenBytes = 32

// Ledger issues and consumes approvals over a pluggable Store. It is the
// single writer for lifecycle transitions; a per-tenant rate limiter guards
// token issuance against grinding.
type Ledger struct {
	store     Store
	publisher eventstream.Publisher
	now       func() time.Time

	issueRate  rate.Limit
	issueBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock injects the time source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithIssueLimit overrides the per-tenant issuance limit (tokens per minute
// and burst).
func WithIssueLimit(perMinute, burst int) LedgerOption {
	return func(l *Ledger) {
		l.issueRate = rate.Limit(float64(perMinute) / 60.0)
		l.issueBurst = burst
	}
}

// NewLedger constructs a ledger. publisher may be nil when no event stream
// is wired (tests, CLI verification paths).
func NewLedger(store Store, publisher eventstream.Publisher, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:      store,
		publisher:  publisher,
		now:        time.Now,
		issueRate:  rate.Limit(10.0 / 60.0),
		issueBurst: 20,
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create issues a new approval bound to (tenantID, irHash) and returns the
// record plus the raw token. The token is returned exactly once and only its
// SHA-256 is stored.
func (l *Ledger) Create(ctx context.Context, tenantID, irHash string, ttl time.Duration, createdBy string) (*Approval, string, error) {
	if tenantID == "" {
		return nil, "", fmt.Errorf("approval create: tenant_id is required")
	}
	if irHash == "" {
		return nil, "", fmt.Errorf("approval create: ir_hash is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if !l.limiter(tenantID).Allow() {
		return nil, "", fmt.Errorf("approval create for tenant %s: %w", tenantID, ErrRateLimited)
	}

	token, err := newToken()
	if err != nil {
		return nil, "", err
	}

	now := l.now().UTC()
	a := &Approval{
		ApprovalID: uuid.New().String(),
		TenantID:   tenantID,
		IRHash:     irHash,
		TokenHash:  HashToken(token),
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		CreatedBy:  createdBy,
	}
	if err := l.store.Create(ctx, a); err != nil {
		return nil, "", fmt.Errorf("approval create: %w", err)
	}

	l.publish(ctx, eventstream.TypeApprovalCreated, tenantID, map[string]any{
		"approval_id": a.ApprovalID,
		"ir_hash":     irHash,
		"expires_at":  a.ExpiresAt,
	})
	return a, token, nil
}

// Consume redeems a raw token for (tenantID, irHash). Misuse is reported via
// the result status, never an error: invalid for unknown tokens or binding
// mismatches, expired past TTL, consumed for replays. A successful consume
// is terminal; the same token can never authorize twice.
func (l *Ledger) Consume(ctx context.Context, tenantID, irHash, token, consumedBy string) (ConsumeResult, error) {
	a, err := l.store.FindByTokenHash(ctx, HashToken(token))
	if errors.Is(err, ErrNotFound) {
		l.publishInvalid(ctx, tenantID, "", "unknown token")
		return ConsumeResult{Success: false, Status: StatusInvalid, Reason: "unknown token"}, nil
	}
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("approval consume: %w", err)
	}

	if a.TenantID != tenantID || a.IRHash != irHash {
		l.publishInvalid(ctx, tenantID, a.ApprovalID, "binding mismatch")
		return ConsumeResult{
			Success:    false,
			Status:     StatusInvalid,
			Reason:     "token does not match tenant and ir_hash",
			ApprovalID: a.ApprovalID,
		}, nil
	}

	switch a.Status {
	case StatusConsumed:
		return ConsumeResult{
			Success:    false,
			Status:     StatusConsumed,
			Reason:     "approval already consumed",
			ApprovalID: a.ApprovalID,
		}, nil
	case StatusExpired:
		return ConsumeResult{
			Success:    false,
			Status:     StatusExpired,
			Reason:     "approval expired",
			ApprovalID: a.ApprovalID,
		}, nil
	}

	now := l.now().UTC()
	if a.Expired(now) {
		if err := l.transition(ctx, a, StatusExpired); err != nil {
			return ConsumeResult{}, err
		}
		l.publish(ctx, eventstream.TypeApprovalExpired, tenantID, map[string]any{
			"approval_id": a.ApprovalID,
		})
		return ConsumeResult{
			Success:    false,
			Status:     StatusExpired,
			Reason:     "approval expired",
			ApprovalID: a.ApprovalID,
		}, nil
	}

	a.Status = StatusConsumed
	a.ConsumedAt = &now
	a.ConsumedBy = consumedBy
	if err := l.store.Update(ctx, a); err != nil {
		return ConsumeResult{}, fmt.Errorf("approval consume: %w", err)
	}

	l.publish(ctx, eventstream.TypeApprovalConsumed, tenantID, map[string]any{
		"approval_id": a.ApprovalID,
		"ir_hash":     irHash,
		"consumed_by": consumedBy,
	})
	return ConsumeResult{Success: true, Status: StatusConsumed, ApprovalID: a.ApprovalID}, nil
}

// Get returns the approval, applying lazy expiry on read.
func (l *Ledger) Get(ctx context.Context, approvalID string) (*Approval, error) {
	a, err := l.store.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusPending && a.Expired(l.now().UTC()) {
		if err := l.transition(ctx, a, StatusExpired); err != nil {
			return nil, err
		}
		l.publish(ctx, eventstream.TypeApprovalExpired, a.TenantID, map[string]any{
			"approval_id": a.ApprovalID,
		})
	}
	return a, nil
}

// CleanupExpired sweeps expired pending records on stores without native
// TTL. TTL-native stores report zero; expiry there is the store's job.
func (l *Ledger) CleanupExpired(ctx context.Context) (int, error) {
	sweeper, ok := l.store.(Sweeper)
	if !ok {
		return 0, nil
	}
	return sweeper.SweepExpired(ctx, l.now().UTC())
}

func (l *Ledger) transition(ctx context.Context, a *Approval, to Status) error {
	a.Status = to
	if err := l.store.Update(ctx, a); err != nil {
		return fmt.Errorf("approval transition to %s: %w", to, err)
	}
	return nil
}

func (l *Ledger) limiter(tenantID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(l.issueRate, l.issueBurst)
		l.limiters[tenantID] = lim
	}
	return lim
}

func (l *Ledger) publish(ctx context.Context, eventType, tenantID string, payload map[string]any) {
	if l.publisher == nil {
		return
	}
	l.publisher.Publish(ctx, &eventstream.Event{
		Type:     eventType,
		Source:   "approval_ledger",
		TenantID: tenantID,
		Payload:  payload,
	})
}

func (l *Ledger) publishInvalid(ctx context.Context, tenantID, approvalID, reason string) {
	payload := map[string]any{"reason": reason}
	if approvalID != "" {
		payload["approval_id"] = approvalID
	}
	l.publish(ctx, eventstream.TypeApprovalInvalid, tenantID, payload)
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token generation failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
