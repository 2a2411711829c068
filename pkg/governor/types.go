// Package governor enforces budget and approval policy at node entry. When a
// check fails or a counter is uncertain, the answer is DENY: the governor is
// the fail-closed gate between a scheduled node and its side effects.
package governor

import (
	"time"
)

// LimitType selects how a budget dimension is enforced. Hard limits deny;
// soft limits feed the degradation check only.
type LimitType string

const (
	LimitHard LimitType = "hard"
	LimitSoft LimitType = "soft"
)

// Budget bounds one run across three dimensions. A zero maximum leaves that
// dimension unmetered.
type Budget struct {
	MaxSteps           int `json:"max_steps"`
	MaxDurationSeconds int `json:"max_duration_seconds"`
	MaxExternalCalls   int `json:"max_external_calls"`

	StepsLimitType         LimitType `json:"steps_limit_type"`
	DurationLimitType      LimitType `json:"duration_limit_type"`
	ExternalCallsLimitType LimitType `json:"external_calls_limit_type"`
}

// DefaultBudget is the profile fallback: generous hard ceilings that stop
// runaway graphs without getting in the way of normal runs.
func DefaultBudget() Budget {
	return Budget{
		MaxSteps:               100,
		MaxDurationSeconds:     3600,
		MaxExternalCalls:       50,
		StepsLimitType:         LimitHard,
		DurationLimitType:      LimitHard,
		ExternalCallsLimitType: LimitHard,
	}
}

// Policy is everything the governor needs to decide: the budget, the
// degradation rules, and the node approval lists.
type Policy struct {
	Budget Budget `json:"budget"`

	// AllowSoftDegradation enables DEGRADE decisions; without it soft
	// limits are advisory only.
	AllowSoftDegradation bool `json:"allow_soft_degradation"`
	// SkipOnSoftLimit lists node types that may be skipped when a soft
	// counter crosses the threshold.
	SkipOnSoftLimit []string `json:"skip_on_soft_limit,omitempty"`
	// CriticalNodes are never degraded regardless of pressure.
	CriticalNodes []string `json:"critical_nodes,omitempty"`

	// RequireApprovalNodes / RequireApprovalNodeTypes gate individual nodes
	// behind an in-run operator approval, independent of the IR ledger.
	RequireApprovalNodes     []string `json:"require_approval_nodes,omitempty"`
	RequireApprovalNodeTypes []string `json:"require_approval_node_types,omitempty"`

	// DryRunRespectsLimits meters dry runs like live runs when set.
	DryRunRespectsLimits bool `json:"dry_run_respects_limits"`

	// SoftLimitThreshold is the fraction of a soft limit at which
	// degradation kicks in. Zero means the 0.8 default.
	SoftLimitThreshold float64 `json:"soft_limit_threshold,omitempty"`

	// ApprovalTTL bounds a pending node approval request. Zero means the
	// 15 minute default.
	ApprovalTTL time.Duration `json:"approval_ttl,omitempty"`
}

// NodeRef is the slice of a node the governor decides on.
type NodeRef struct {
	ID       string
	Type     string
	Critical bool
}

// DecisionKind is the governor's verdict for one node entry.
type DecisionKind string

const (
	DecisionAllow           DecisionKind = "ALLOW"
	DecisionDeny            DecisionKind = "DENY"
	DecisionRequireApproval DecisionKind = "REQUIRE_APPROVAL"
	DecisionDegrade         DecisionKind = "DEGRADE"
)

// BudgetViolation records a hard limit breach.
type BudgetViolation struct {
	Limit     string  `json:"limit"`
	Threshold float64 `json:"threshold"`
	Observed  float64 `json:"observed"`
	Message   string  `json:"message"`
}

// Decision is one governor verdict, kept in the decision log and surfaced to
// the executor.
type Decision struct {
	NodeID    string           `json:"node_id"`
	Kind      DecisionKind     `json:"kind"`
	Reason    string           `json:"reason,omitempty"`
	Violation *BudgetViolation `json:"violation,omitempty"`
	DecidedAt time.Time        `json:"decided_at"`
}

// Allowed reports whether the node may run.
func (d Decision) Allowed() bool { return d.Kind == DecisionAllow }

// ApprovalState is the lifecycle of an in-run node approval request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalExpired  ApprovalState = "expired"
)

// NodeApproval is one pending or resolved approval request keyed by node id.
type NodeApproval struct {
	NodeID      string        `json:"node_id"`
	NodeType    string        `json:"node_type"`
	State       ApprovalState `json:"state"`
	RequestedAt time.Time     `json:"requested_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy  string        `json:"resolved_by,omitempty"`
}

// Summary is the end-of-run report: consumed counters, every decision taken,
// and every hard violation recorded.
type Summary struct {
	StartedAt               time.Time         `json:"started_at"`
	StepsConsumed           int               `json:"steps_consumed"`
	DurationConsumedSeconds float64           `json:"duration_consumed_seconds"`
	ExternalCallsConsumed   int               `json:"external_calls_consumed"`
	Decisions               []Decision        `json:"decisions"`
	Violations              []BudgetViolation `json:"violations"`
	PendingApprovals        int               `json:"pending_approvals"`
}
