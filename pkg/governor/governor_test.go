package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstanhq/capstan/pkg/eventstream"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []*eventstream.Event
}

func (p *capturingPublisher) Publish(ctx context.Context, evt *eventstream.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *capturingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func hardBudget(steps, durationSeconds, calls int) Budget {
	return Budget{
		MaxSteps:               steps,
		MaxDurationSeconds:     durationSeconds,
		MaxExternalCalls:       calls,
		StepsLimitType:         LimitHard,
		DurationLimitType:      LimitHard,
		ExternalCallsLimitType: LimitHard,
	}
}

func TestGovernor_DryRunBypassesLimits(t *testing.T) {
	g := New(Policy{Budget: hardBudget(1, 0, 0)})
	g.Start()
	ctx := context.Background()

	g.RecordNodeExecution("n1", time.Second, 0, false)

	d := g.CheckNodeExecution(ctx, NodeRef{ID: "n2"}, true)
	assert.Equal(t, DecisionAllow, d.Kind, "dry run is not metered by default")

	d = g.CheckNodeExecution(ctx, NodeRef{ID: "n2"}, false)
	assert.Equal(t, DecisionDeny, d.Kind)
}

func TestGovernor_DryRunRespectsLimitsWhenConfigured(t *testing.T) {
	g := New(Policy{Budget: hardBudget(1, 0, 0), DryRunRespectsLimits: true})
	g.Start()
	ctx := context.Background()

	g.RecordNodeExecution("n1", time.Second, 0, true)

	d := g.CheckNodeExecution(ctx, NodeRef{ID: "n2"}, true)
	require.Equal(t, DecisionDeny, d.Kind)
	require.NotNil(t, d.Violation)
	assert.Equal(t, "max_steps", d.Violation.Limit)
}

func TestGovernor_HardStepLimit(t *testing.T) {
	g := New(Policy{Budget: hardBudget(2, 0, 0)})
	g.Start()
	ctx := context.Background()

	assert.Equal(t, DecisionAllow, g.CheckNodeExecution(ctx, NodeRef{ID: "n1"}, false).Kind)
	g.RecordNodeExecution("n1", time.Second, 0, false)
	assert.Equal(t, DecisionAllow, g.CheckNodeExecution(ctx, NodeRef{ID: "n2"}, false).Kind)
	g.RecordNodeExecution("n2", time.Second, 0, false)

	d := g.CheckNodeExecution(ctx, NodeRef{ID: "n3"}, false)
	require.Equal(t, DecisionDeny, d.Kind)
	require.NotNil(t, d.Violation)
	assert.Equal(t, "max_steps", d.Violation.Limit)

	sum := g.Summary()
	require.Len(t, sum.Violations, 1)
	assert.Equal(t, 2, sum.StepsConsumed)
}

func TestGovernor_HardDurationLimitUsesWallClock(t *testing.T) {
	clock := newTestClock()
	g := New(Policy{Budget: hardBudget(0, 60, 0)}, WithClock(clock.Now))
	g.Start()
	ctx := context.Background()

	assert.Equal(t, DecisionAllow, g.CheckNodeExecution(ctx, NodeRef{ID: "n1"}, false).Kind)

	clock.Advance(2 * time.Minute)

	d := g.CheckNodeExecution(ctx, NodeRef{ID: "n2"}, false)
	require.Equal(t, DecisionDeny, d.Kind)
	require.NotNil(t, d.Violation)
	assert.Equal(t, "max_duration_seconds", d.Violation.Limit)
	assert.InDelta(t, 120.0, d.Violation.Observed, 0.001)
}

func TestGovernor_HardExternalCallLimit(t *testing.T) {
	g := New(Policy{Budget: hardBudget(0, 0, 3)})
	g.Start()
	ctx := context.Background()

	g.RecordNodeExecution("n1", time.Second, 4, false)

	d := g.CheckNodeExecution(ctx, NodeRef{ID: "n2"}, false)
	require.Equal(t, DecisionDeny, d.Kind)
	require.NotNil(t, d.Violation)
	assert.Equal(t, "max_external_calls", d.Violation.Limit)
}

func TestGovernor_SoftDegradation(t *testing.T) {
	policy := Policy{
		Budget: Budget{
			MaxSteps:       10,
			StepsLimitType: LimitSoft,
		},
		AllowSoftDegradation: true,
		SkipOnSoftLimit:      []string{"report"},
	}
	g := New(policy)
	g.Start()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		g.RecordNodeExecution("n", time.Second, 0, false)
	}

	// Skippable type at 80% pressure degrades.
	d := g.CheckNodeExecution(ctx, NodeRef{ID: "r1", Type: "report"}, false)
	assert.Equal(t, DecisionDegrade, d.Kind)

	// Types outside the skip list run normally.
	d = g.CheckNodeExecution(ctx, NodeRef{ID: "w1", Type: "write"}, false)
	assert.Equal(t, DecisionAllow, d.Kind)

	// Critical nodes are never degraded.
	d = g.CheckNodeExecution(ctx, NodeRef{ID: "r2", Type: "report", Critical: true}, false)
	assert.Equal(t, DecisionAllow, d.Kind)
}

func TestGovernor_SoftDegradationListedCriticalNode(t *testing.T) {
	policy := Policy{
		Budget:               Budget{MaxSteps: 10, StepsLimitType: LimitSoft},
		AllowSoftDegradation: true,
		SkipOnSoftLimit:      []string{"report"},
		CriticalNodes:        []string{"r1"},
	}
	g := New(policy)
	g.Start()

	for i := 0; i < 9; i++ {
		g.RecordNodeExecution("n", time.Second, 0, false)
	}

	d := g.CheckNodeExecution(context.Background(), NodeRef{ID: "r1", Type: "report"}, false)
	assert.Equal(t, DecisionAllow, d.Kind)
}

func TestGovernor_SoftLimitsNeverDeny(t *testing.T) {
	policy := Policy{
		Budget: Budget{MaxSteps: 2, StepsLimitType: LimitSoft},
	}
	g := New(policy)
	g.Start()

	for i := 0; i < 5; i++ {
		g.RecordNodeExecution("n", time.Second, 0, false)
	}

	d := g.CheckNodeExecution(context.Background(), NodeRef{ID: "n6"}, false)
	assert.Equal(t, DecisionAllow, d.Kind, "soft limits without degradation are advisory")
}

func TestGovernor_NodeApprovalLifecycle(t *testing.T) {
	pub := &capturingPublisher{}
	g := New(Policy{RequireApprovalNodeTypes: []string{"erp.write"}}, WithPublisher(pub))
	g.Start()
	ctx := context.Background()
	node := NodeRef{ID: "n1", Type: "erp.write"}

	d := g.CheckNodeExecution(ctx, node, false)
	require.Equal(t, DecisionRequireApproval, d.Kind)
	assert.Contains(t, d.Reason, "request created")

	req, ok := g.NodeApprovalStatus("n1")
	require.True(t, ok)
	assert.Equal(t, ApprovalPending, req.State)

	// Re-checking the same node does not create a second request.
	d = g.CheckNodeExecution(ctx, node, false)
	require.Equal(t, DecisionRequireApproval, d.Kind)
	assert.Contains(t, d.Reason, "pending")

	require.NoError(t, g.ResolveNodeApproval(ctx, "n1", true, "operator@example.com"))

	d = g.CheckNodeExecution(ctx, node, false)
	assert.Equal(t, DecisionAllow, d.Kind)

	assert.Equal(t, []string{
		eventstream.TypeGovernorApprovalRequested,
		eventstream.TypeGovernorApprovalResolved,
	}, pub.types())
}

func TestGovernor_NodeApprovalRejection(t *testing.T) {
	g := New(Policy{RequireApprovalNodes: []string{"n1"}})
	g.Start()
	ctx := context.Background()
	node := NodeRef{ID: "n1", Type: "write"}

	d := g.CheckNodeExecution(ctx, node, false)
	require.Equal(t, DecisionRequireApproval, d.Kind)

	require.NoError(t, g.ResolveNodeApproval(ctx, "n1", false, "operator@example.com"))

	d = g.CheckNodeExecution(ctx, node, false)
	assert.Equal(t, DecisionDeny, d.Kind)
	assert.Contains(t, d.Reason, "rejected")

	// A resolved request cannot be re-resolved.
	err := g.ResolveNodeApproval(ctx, "n1", true, "operator@example.com")
	require.Error(t, err)
}

func TestGovernor_NodeApprovalTTL(t *testing.T) {
	clock := newTestClock()
	g := New(Policy{
		RequireApprovalNodes: []string{"n1"},
		ApprovalTTL:          time.Minute,
	}, WithClock(clock.Now))
	g.Start()
	ctx := context.Background()
	node := NodeRef{ID: "n1"}

	d := g.CheckNodeExecution(ctx, node, false)
	require.Equal(t, DecisionRequireApproval, d.Kind)

	clock.Advance(2 * time.Minute)

	// The stale request expired; a fresh one is minted.
	d = g.CheckNodeExecution(ctx, node, false)
	require.Equal(t, DecisionRequireApproval, d.Kind)
	assert.Contains(t, d.Reason, "request created")

	err := g.ResolveNodeApproval(ctx, "n1", true, "op")
	require.NoError(t, err, "the fresh request is pending and resolvable")
}

func TestGovernor_SummaryCountersAndDecisionLog(t *testing.T) {
	g := New(Policy{Budget: hardBudget(10, 0, 0)})
	g.Start()
	ctx := context.Background()

	g.CheckNodeExecution(ctx, NodeRef{ID: "n1"}, false)
	g.RecordNodeExecution("n1", 1500*time.Millisecond, 2, false)
	g.CheckNodeExecution(ctx, NodeRef{ID: "n2"}, false)
	g.RecordNodeExecution("n2", 500*time.Millisecond, 1, false)

	// Dry-run execution leaves counters untouched.
	g.RecordNodeExecution("n3", time.Hour, 100, true)

	sum := g.Summary()
	assert.Equal(t, 2, sum.StepsConsumed)
	assert.InDelta(t, 2.0, sum.DurationConsumedSeconds, 0.001)
	assert.Equal(t, 3, sum.ExternalCallsConsumed)
	assert.Len(t, sum.Decisions, 2)
	assert.Empty(t, sum.Violations)
	assert.False(t, sum.StartedAt.IsZero())
}
