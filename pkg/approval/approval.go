// Package approval implements the approval ledger: single-use, TTL-bound
// tokens that authorize execution of one escalated IR for one tenant.
//
// A raw token is 256 bits of entropy, handed to the caller of Create exactly
// once. The ledger stores and logs only its SHA-256; nothing in this package
// ever writes token material to an event, a log line, or a store.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status is the lifecycle state of an approval. Transitions are monotonic:
// pending moves to consumed or expired; consumed and expired are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
	StatusInvalid  Status = "invalid"
)

// Sentinel errors callers branch on.
var (
	ErrNotFound    = errors.New("approval not found")
	ErrRateLimited = errors.New("approval issuance rate limit exceeded")
)

// Approval is one ledger record binding (tenant_id, ir_hash) to a hashed
// token. The raw token never appears here.
type Approval struct {
	ApprovalID string     `json:"approval_id"`
	TenantID   string     `json:"tenant_id"`
	IRHash     string     `json:"ir_hash"`
	TokenHash  string     `json:"token_hash"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	ConsumedBy string     `json:"consumed_by,omitempty"`
}

// Expired reports whether the approval's TTL has elapsed at now.
func (a *Approval) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// ConsumeResult is the outcome of one consume attempt. Approval misuse is a
// result, not an error: callers branch on Status, never retry.
type ConsumeResult struct {
	Success    bool   `json:"success"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// HashToken returns the lowercase SHA-256 hex of a raw token. This is the
// only form of a token the ledger stores or compares.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
