package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/capstanhq/capstan/pkg/eventstream"
)

const (
	defaultSoftLimitThreshold = 0.8
	defaultApprovalTTL        = 15 * time.Minute
)

// Governor holds the live counters and approval requests for exactly one
// graph run. It is created fresh per run; counters never reset.
type Governor struct {
	policy    Policy
	publisher eventstream.Publisher
	now       func() time.Time

	mu            sync.Mutex
	startedAt     time.Time
	steps         int
	duration      time.Duration
	externalCalls int
	approvals     map[string]*NodeApproval
	decisions     []Decision
	violations    []BudgetViolation

	skipOnSoft      map[string]struct{}
	criticalNodes   map[string]struct{}
	approvalNodes   map[string]struct{}
	approvalByTypes map[string]struct{}
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithPublisher wires approval lifecycle events onto the stream.
func WithPublisher(p eventstream.Publisher) Option {
	return func(g *Governor) { g.publisher = p }
}

// New constructs a per-run governor for the given policy. Zero-valued policy
// knobs get their documented defaults.
func New(policy Policy, opts ...Option) *Governor {
	if policy.SoftLimitThreshold <= 0 {
		policy.SoftLimitThreshold = defaultSoftLimitThreshold
	}
	if policy.ApprovalTTL <= 0 {
		policy.ApprovalTTL = defaultApprovalTTL
	}
	g := &Governor{
		policy:          policy,
		now:             time.Now,
		approvals:       make(map[string]*NodeApproval),
		skipOnSoft:      toSet(policy.SkipOnSoftLimit),
		criticalNodes:   toSet(policy.CriticalNodes),
		approvalNodes:   toSet(policy.RequireApprovalNodes),
		approvalByTypes: toSet(policy.RequireApprovalNodeTypes),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start stamps the wall-clock start the duration limit is measured from.
func (g *Governor) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startedAt.IsZero() {
		g.startedAt = g.now().UTC()
	}
}

// CheckNodeExecution decides whether node may run now. Decision order: the
// dry-run bypass, hard limits, soft degradation, node approvals, allow.
func (g *Governor) CheckNodeExecution(ctx context.Context, node NodeRef, isDryRun bool) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if isDryRun && !g.policy.DryRunRespectsLimits {
		return g.record(Decision{NodeID: node.ID, Kind: DecisionAllow, Reason: "dry run is not metered", DecidedAt: g.now().UTC()})
	}

	if v := g.hardViolation(); v != nil {
		g.violations = append(g.violations, *v)
		return g.record(Decision{
			NodeID:    node.ID,
			Kind:      DecisionDeny,
			Reason:    v.Message,
			Violation: v,
			DecidedAt: g.now().UTC(),
		})
	}

	if reason, degrade := g.shouldDegrade(node); degrade {
		return g.record(Decision{NodeID: node.ID, Kind: DecisionDegrade, Reason: reason, DecidedAt: g.now().UTC()})
	}

	if d, gated := g.approvalGate(ctx, node); gated {
		return g.record(d)
	}

	return g.record(Decision{NodeID: node.ID, Kind: DecisionAllow, DecidedAt: g.now().UTC()})
}

// hardViolation returns the first breached hard limit, if any. Steps are
// checked prospectively (would this node exceed the cap); duration and
// external calls retrospectively (has the run already exceeded it).
func (g *Governor) hardViolation() *BudgetViolation {
	b := g.policy.Budget

	if b.MaxSteps > 0 && b.StepsLimitType == LimitHard && g.steps+1 > b.MaxSteps {
		return &BudgetViolation{
			Limit:     "max_steps",
			Threshold: float64(b.MaxSteps),
			Observed:  float64(g.steps + 1),
			Message:   fmt.Sprintf("step budget exhausted: %d of %d used", g.steps, b.MaxSteps),
		}
	}

	if b.MaxDurationSeconds > 0 && b.DurationLimitType == LimitHard {
		elapsed := g.elapsed()
		if elapsed > float64(b.MaxDurationSeconds) {
			return &BudgetViolation{
				Limit:     "max_duration_seconds",
				Threshold: float64(b.MaxDurationSeconds),
				Observed:  elapsed,
				Message:   fmt.Sprintf("duration budget exhausted: %.1fs of %ds", elapsed, b.MaxDurationSeconds),
			}
		}
	}

	if b.MaxExternalCalls > 0 && b.ExternalCallsLimitType == LimitHard && g.externalCalls > b.MaxExternalCalls {
		return &BudgetViolation{
			Limit:     "max_external_calls",
			Threshold: float64(b.MaxExternalCalls),
			Observed:  float64(g.externalCalls),
			Message:   fmt.Sprintf("external call budget exhausted: %d of %d used", g.externalCalls, b.MaxExternalCalls),
		}
	}
	return nil
}

// shouldDegrade applies the soft-limit pressure rule. Critical nodes are
// never degraded; only node types explicitly listed may be skipped.
func (g *Governor) shouldDegrade(node NodeRef) (string, bool) {
	if !g.policy.AllowSoftDegradation || node.Critical {
		return "", false
	}
	if _, critical := g.criticalNodes[node.ID]; critical {
		return "", false
	}
	if _, skippable := g.skipOnSoft[node.Type]; !skippable {
		return "", false
	}

	b := g.policy.Budget
	threshold := g.policy.SoftLimitThreshold

	if b.MaxSteps > 0 && b.StepsLimitType == LimitSoft &&
		float64(g.steps) >= threshold*float64(b.MaxSteps) {
		return fmt.Sprintf("step pressure %d/%d at soft threshold", g.steps, b.MaxSteps), true
	}
	if b.MaxDurationSeconds > 0 && b.DurationLimitType == LimitSoft &&
		g.elapsed() >= threshold*float64(b.MaxDurationSeconds) {
		return fmt.Sprintf("duration pressure %.1fs/%ds at soft threshold", g.elapsed(), b.MaxDurationSeconds), true
	}
	if b.MaxExternalCalls > 0 && b.ExternalCallsLimitType == LimitSoft &&
		float64(g.externalCalls) >= threshold*float64(b.MaxExternalCalls) {
		return fmt.Sprintf("external call pressure %d/%d at soft threshold", g.externalCalls, b.MaxExternalCalls), true
	}
	return "", false
}

// approvalGate enforces the node approval lists. Requests live only for this
// run; operators resolve them via ResolveNodeApproval.
func (g *Governor) approvalGate(ctx context.Context, node NodeRef) (Decision, bool) {
	_, byID := g.approvalNodes[node.ID]
	_, byType := g.approvalByTypes[node.Type]
	if !byID && !byType {
		return Decision{}, false
	}

	now := g.now().UTC()
	req, ok := g.approvals[node.ID]

	if ok && req.State == ApprovalPending && now.After(req.ExpiresAt) {
		req.State = ApprovalExpired
	}

	if !ok || req.State == ApprovalExpired {
		req = &NodeApproval{
			NodeID:      node.ID,
			NodeType:    node.Type,
			State:       ApprovalPending,
			RequestedAt: now,
			ExpiresAt:   now.Add(g.policy.ApprovalTTL),
		}
		g.approvals[node.ID] = req
		g.publishLocked(ctx, eventstream.TypeGovernorApprovalRequested, map[string]any{
			"node_id":    node.ID,
			"node_type":  node.Type,
			"expires_at": req.ExpiresAt,
		})
		return Decision{
			NodeID:    node.ID,
			Kind:      DecisionRequireApproval,
			Reason:    "node requires operator approval; request created",
			DecidedAt: now,
		}, true
	}

	switch req.State {
	case ApprovalPending:
		return Decision{
			NodeID:    node.ID,
			Kind:      DecisionRequireApproval,
			Reason:    "node approval still pending",
			DecidedAt: now,
		}, true
	case ApprovalRejected:
		return Decision{
			NodeID:    node.ID,
			Kind:      DecisionDeny,
			Reason:    "node approval rejected by " + req.ResolvedBy,
			DecidedAt: now,
		}, true
	}
	// Approved: the gate no longer applies.
	return Decision{}, false
}

// ResolveNodeApproval records an operator verdict on a pending request.
func (g *Governor) ResolveNodeApproval(ctx context.Context, nodeID string, approved bool, resolvedBy string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.approvals[nodeID]
	if !ok {
		return fmt.Errorf("no approval request for node %s", nodeID)
	}
	now := g.now().UTC()
	if req.State == ApprovalPending && now.After(req.ExpiresAt) {
		req.State = ApprovalExpired
	}
	if req.State != ApprovalPending {
		return fmt.Errorf("approval request for node %s is %s, not pending", nodeID, req.State)
	}

	if approved {
		req.State = ApprovalApproved
	} else {
		req.State = ApprovalRejected
	}
	req.ResolvedAt = &now
	req.ResolvedBy = resolvedBy

	g.publishLocked(ctx, eventstream.TypeGovernorApprovalResolved, map[string]any{
		"node_id":     nodeID,
		"state":       string(req.State),
		"resolved_by": resolvedBy,
	})
	return nil
}

// NodeApprovalStatus returns a copy of the request for nodeID, if any.
func (g *Governor) NodeApprovalStatus(nodeID string) (NodeApproval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.approvals[nodeID]
	if !ok {
		return NodeApproval{}, false
	}
	return *req, true
}

// RecordNodeExecution updates the consumed counters after a node finishes.
// Unmetered dry runs leave the counters untouched.
func (g *Governor) RecordNodeExecution(nodeID string, d time.Duration, externalCalls int, isDryRun bool) {
	if isDryRun && !g.policy.DryRunRespectsLimits {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps++
	g.duration += d
	g.externalCalls += externalCalls
}

// Summary returns the end-of-run report.
func (g *Governor) Summary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending := 0
	for _, req := range g.approvals {
		if req.State == ApprovalPending {
			pending++
		}
	}
	s := Summary{
		StartedAt:               g.startedAt,
		StepsConsumed:           g.steps,
		DurationConsumedSeconds: g.duration.Seconds(),
		ExternalCallsConsumed:   g.externalCalls,
		Decisions:               make([]Decision, len(g.decisions)),
		Violations:              make([]BudgetViolation, len(g.violations)),
		PendingApprovals:        pending,
	}
	copy(s.Decisions, g.decisions)
	copy(s.Violations, g.violations)
	return s
}

// elapsed is wall-clock seconds since Start. Callers hold g.mu.
func (g *Governor) elapsed() float64 {
	if g.startedAt.IsZero() {
		return 0
	}
	return g.now().UTC().Sub(g.startedAt).Seconds()
}

// record appends to the decision log. Callers hold g.mu.
func (g *Governor) record(d Decision) Decision {
	g.decisions = append(g.decisions, d)
	return d
}

// publishLocked emits an event while g.mu is held. Publisher.Publish is
// fire-and-forget per its contract.
func (g *Governor) publishLocked(ctx context.Context, eventType string, payload map[string]any) {
	if g.publisher == nil {
		return
	}
	g.publisher.Publish(ctx, &eventstream.Event{
		Type:    eventType,
		Source:  "governor",
		Payload: payload,
	})
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
