package gateway

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstanhq/capstan/pkg/approval"
	"github.com/capstanhq/capstan/pkg/diffaudit"
	"github.com/capstanhq/capstan/pkg/evidence"
	"github.com/capstanhq/capstan/pkg/governor"
	"github.com/capstanhq/capstan/pkg/graph"
	"github.com/capstanhq/capstan/pkg/ir"
	"github.com/capstanhq/capstan/pkg/validator"
)

func fixedClock() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

// echoRegistry registers one "echo" executor whose output names the phase
// that ran. executed flips when the live phase fires.
func echoRegistry(t *testing.T, executed *atomic.Bool) *graph.Registry {
	t.Helper()
	reg := graph.NewRegistry()
	err := reg.Register("echo", "1.0.0", func(spec graph.NodeSpec) (graph.Node, error) {
		return &graph.FuncNode{
			ExecuteFn: func(ctx context.Context, rc *graph.RunContext) (map[string]any, []graph.Artifact, error) {
				if executed != nil {
					executed.Store(true)
				}
				return map[string]any{"mode": "execute"}, nil, nil
			},
			DryRunFn: func(ctx context.Context, rc *graph.RunContext) (map[string]any, []graph.Artifact, error) {
				return map[string]any{"mode": "dry_run"}, nil, nil
			},
			RollbackFn: func(ctx context.Context, rc *graph.RunContext) error { return nil },
			Caps:       graph.Caps(graph.CapDryRun, graph.CapRollbackable, graph.CapIdempotent),
		}, nil
	})
	require.NoError(t, err)
	return reg
}

func newTestGateway(t *testing.T, reg *graph.Registry, opts ...Option) *Gateway {
	t.Helper()
	v, err := validator.New(validator.WithClock(fixedClock))
	require.NoError(t, err)

	ledger := approval.NewLedger(approval.NewMemoryStore(), nil,
		approval.WithLedgerClock(fixedClock))
	executor := graph.NewExecutor(reg, graph.WithClock(fixedClock))
	builder := evidence.NewBuilder("0.9.0-test", evidence.WithBuilderClock(fixedClock))

	opts = append([]Option{WithClock(fixedClock)}, opts...)
	return New(validator.NewService(v, nil), ledger, diffaudit.NewService(nil),
		executor, builder, opts...)
}

func devIR() *ir.IR {
	return &ir.IR{
		TenantID:  "tenant-a",
		RequestID: "req-1",
		CreatedAt: fixedClock(),
		Steps: []ir.Step{{
			Action:         ir.ActionDeployWebsite,
			Provider:       ir.ProviderDeployV1,
			Resource:       "demo-site",
			IdempotencyKey: "dep-dev-1",
			Constraints:    map[string]any{"environment": "dev"},
			StepID:         "s1",
		}},
	}
}

func prodDNSIR() *ir.IR {
	return &ir.IR{
		TenantID:  "tenant-a",
		RequestID: "req-2",
		CreatedAt: fixedClock(),
		Steps: []ir.Step{{
			Action:         ir.ActionDNSUpdateRecords,
			Provider:       ir.ProviderDNSHetzner,
			Resource:       "example.com",
			IdempotencyKey: "dns-prod-1",
			Constraints:    map[string]any{"environment": "production"},
			StepID:         "s1",
		}},
	}
}

// specFor builds a one-node graph whose node id matches the step id, the
// binding convention the gateway maps by.
func specFor(stepID string) *graph.Spec {
	return &graph.Spec{
		GraphID: "g-1",
		Nodes: []graph.NodeSpec{{
			NodeID:        stepID,
			NodeType:      "deploy",
			ExecutorClass: "echo",
		}},
	}
}

func TestExecute_SafeDevPlanEndToEnd(t *testing.T) {
	var executed atomic.Bool
	gw := newTestGateway(t, echoRegistry(t, &executed))

	resp, err := gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: specFor("s1"),
		IR:        devIR(),
		Execute:   true,
	})
	require.NoError(t, err)

	assert.True(t, resp.Allowed)
	assert.False(t, resp.DryRun)
	assert.Equal(t, validator.StatusPass, resp.ValidationStatus)
	assert.NotEmpty(t, resp.IRHash)
	assert.Empty(t, resp.ApprovalID)
	assert.True(t, executed.Load())

	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.Success)
	assert.Equal(t, graph.StatusCompleted, resp.Result.Status)
	require.Len(t, resp.Result.NodeResults, 1)
	assert.Equal(t, "execute", resp.Result.NodeResults[0].Output["mode"])

	require.NotNil(t, resp.Pack)
	assert.NoError(t, evidence.VerifyErr(resp.Pack))
	assert.Equal(t, resp.IRHash, resp.Pack.IRHash)
	assert.Equal(t, "PASS", resp.Pack.ValidationStatus)
	assert.Equal(t, "tenant-a", resp.Pack.TenantID)

	// The pack stores the bound spec.
	require.NotNil(t, resp.Pack.GraphSpec)
	assert.Equal(t, "s1", resp.Pack.GraphSpec.Nodes[0].IRStepID)
	assert.NotEmpty(t, resp.Pack.GraphSpec.Nodes[0].IRStepHash)
}

func TestExecute_DryRunWhenExecuteFalse(t *testing.T) {
	var executed atomic.Bool
	gw := newTestGateway(t, echoRegistry(t, &executed))

	resp, err := gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: specFor("s1"),
		IR:        devIR(),
		Execute:   false,
	})
	require.NoError(t, err)

	assert.True(t, resp.DryRun)
	assert.False(t, executed.Load(), "live phase must not run on a dry run")
	assert.Equal(t, "dry_run", resp.Result.NodeResults[0].Output["mode"])
}

func TestExecute_DefaultDryRunModeWins(t *testing.T) {
	var executed atomic.Bool
	gw := newTestGateway(t, echoRegistry(t, &executed),
		WithMode(GovernanceMode{DefaultDryRun: true}))

	resp, err := gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: specFor("s1"),
		IR:        devIR(),
		Execute:   true,
	})
	require.NoError(t, err)

	assert.True(t, resp.DryRun)
	assert.False(t, executed.Load())
}

func TestExecute_EscalateWithoutTokenRefuses(t *testing.T) {
	var executed atomic.Bool
	gw := newTestGateway(t, echoRegistry(t, &executed))

	_, err := gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: specFor("s1"),
		IR:        prodDNSIR(),
		Execute:   true,
	})

	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, CodeApprovalRequired, gerr.Code)
	assert.Equal(t, "Approval required (no token provided)", gerr.Reason)
	assert.False(t, gerr.Result.Allowed)
	assert.Equal(t, validator.StatusEscalate, gerr.Result.ValidationStatus)
	assert.NotEmpty(t, gerr.Result.IRHash)
	assert.False(t, executed.Load(), "nothing runs behind a refused gate")
}

func TestExecute_ApprovalRoundTrip(t *testing.T) {
	gw := newTestGateway(t, echoRegistry(t, nil))
	ctx := context.Background()
	doc := prodDNSIR()

	submit, err := gw.SubmitIR(ctx, doc, "")
	require.NoError(t, err)
	assert.True(t, submit.ApprovalRequired)
	assert.Equal(t, validator.StatusEscalate, submit.Validation.Status)

	rec, token, err := gw.CreateApproval(ctx, "tenant-a", submit.Validation.IRHash, 60*time.Second, "ops")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, approval.StatusPending, rec.Status)

	resp, err := gw.Execute(ctx, Request{
		TenantID:      "tenant-a",
		GraphSpec:     specFor("s1"),
		IR:            prodDNSIR(),
		ApprovalToken: token,
		Execute:       true,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, rec.ApprovalID, resp.ApprovalID)
	assert.Equal(t, rec.ApprovalID, resp.Pack.ApprovalID)

	// The token is single-use: a direct second consume reports consumed,
	// and a second execute is refused with the same reason.
	consume, err := gw.ConsumeApproval(ctx, "tenant-a", submit.Validation.IRHash, token)
	require.NoError(t, err)
	assert.False(t, consume.Success)
	assert.Equal(t, approval.StatusConsumed, consume.Status)

	_, err = gw.Execute(ctx, Request{
		TenantID:      "tenant-a",
		GraphSpec:     specFor("s1"),
		IR:            prodDNSIR(),
		ApprovalToken: token,
		Execute:       true,
	})
	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, CodeApprovalConsume, gerr.Code)
	assert.Contains(t, gerr.Reason, "consumed")
}

func TestExecute_RejectedIRCarriesViolations(t *testing.T) {
	gw := newTestGateway(t, echoRegistry(t, nil))

	doc := devIR()
	doc.Steps[0].Action = "chaos.unleash"

	_, err := gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: specFor("s1"),
		IR:        doc,
		Execute:   true,
	})

	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, CodeIRRejected, gerr.Code)
	assert.Equal(t, validator.StatusReject, gerr.Result.ValidationStatus)
	assert.NotEmpty(t, gerr.Result.Violations)
}

func TestExecute_DiffAuditBlocksDrift(t *testing.T) {
	var executed atomic.Bool
	gw := newTestGateway(t, echoRegistry(t, &executed))

	doc := devIR()
	expected, err := doc.Steps[0].Hash()
	require.NoError(t, err)

	spec := specFor("s1")
	spec.Nodes[0].IRStepID = "s1"
	spec.Nodes[0].IRStepHash = strings.Repeat("f", 64)

	_, err = gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: spec,
		IR:        doc,
		Execute:   true,
	})

	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, CodeDiffAuditFailed, gerr.Code)
	require.NotNil(t, gerr.Result.DiffReport)
	require.Len(t, gerr.Result.DiffReport.HashMismatches, 1)
	assert.Equal(t, expected, gerr.Result.DiffReport.HashMismatches[0].Expected)
	assert.Equal(t, strings.Repeat("f", 64), gerr.Result.DiffReport.HashMismatches[0].Actual)
	assert.False(t, executed.Load(), "drifted graphs never execute")
}

func TestExecute_GovernanceOffSkipsIR(t *testing.T) {
	gw := newTestGateway(t, echoRegistry(t, nil),
		WithMode(GovernanceMode{Off: true}))

	resp, err := gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: specFor("n1"),
		Execute:   true,
	})
	require.NoError(t, err)

	assert.True(t, resp.Allowed)
	assert.Empty(t, resp.IRHash)
	assert.Empty(t, resp.ValidationStatus)
	require.NotNil(t, resp.Pack)
	assert.NoError(t, evidence.VerifyErr(resp.Pack))
}

func TestExecute_IRRequiredWhenGoverned(t *testing.T) {
	gw := newTestGateway(t, echoRegistry(t, nil))

	_, err := gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: specFor("s1"),
		Execute:   true,
	})

	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, CodeIRRequired, gerr.Code)
}

func TestExecute_GovernorEnforcesBudget(t *testing.T) {
	policy := &governor.Policy{
		Budget: governor.Budget{
			MaxSteps:       1,
			StepsLimitType: governor.LimitHard,
		},
	}
	gw := newTestGateway(t, echoRegistry(t, nil), WithGovernorPolicy(policy))

	doc := devIR()
	doc.Steps = append(doc.Steps, ir.Step{
		Action:         ir.ActionDeployWebsite,
		Provider:       ir.ProviderDeployV1,
		Resource:       "demo-api",
		IdempotencyKey: "dep-dev-2",
		Constraints:    map[string]any{"environment": "dev"},
		StepID:         "s2",
	})
	spec := &graph.Spec{
		GraphID: "g-budget",
		Nodes: []graph.NodeSpec{
			{NodeID: "s1", NodeType: "deploy", ExecutorClass: "echo"},
			{NodeID: "s2", NodeType: "deploy", ExecutorClass: "echo", DependsOn: []string{"s1"}},
		},
	}

	resp, err := gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: spec,
		IR:        doc,
		Execute:   true,
	})
	require.NoError(t, err, "a governed denial is a run outcome, not a gate refusal")

	assert.False(t, resp.Result.Success)
	require.NotNil(t, resp.Result.GovernorSummary)
	second, ok := resp.Result.NodeResultFor("s2")
	require.True(t, ok)
	assert.Equal(t, graph.NodeFailed, second.Status)
	assert.Contains(t, second.Error, "step budget")
}

func TestExecute_DoesNotMutateCallerSpec(t *testing.T) {
	gw := newTestGateway(t, echoRegistry(t, nil))
	spec := specFor("s1")

	_, err := gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: spec,
		IR:        devIR(),
		Execute:   false,
	})
	require.NoError(t, err)

	assert.False(t, spec.DryRun)
	assert.Empty(t, spec.Nodes[0].IRStepID)
	assert.Empty(t, spec.Nodes[0].IRStepHash)
}

func TestSubmitIR_ConsumesAccompanyingToken(t *testing.T) {
	gw := newTestGateway(t, echoRegistry(t, nil))
	ctx := context.Background()

	pass, err := gw.SubmitIR(ctx, devIR(), "")
	require.NoError(t, err)
	assert.False(t, pass.ApprovalRequired)
	assert.Nil(t, pass.Approval)

	submit, err := gw.SubmitIR(ctx, prodDNSIR(), "")
	require.NoError(t, err)
	require.True(t, submit.ApprovalRequired)

	_, token, err := gw.CreateApproval(ctx, "tenant-a", submit.Validation.IRHash, time.Minute, "ops")
	require.NoError(t, err)

	resolved, err := gw.SubmitIR(ctx, prodDNSIR(), token)
	require.NoError(t, err)
	require.NotNil(t, resolved.Approval)
	assert.True(t, resolved.Approval.Success)
	assert.False(t, resolved.ApprovalRequired)
}

func TestVerifyEvidence_Tampering(t *testing.T) {
	gw := newTestGateway(t, echoRegistry(t, nil))

	resp, err := gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: specFor("s1"),
		IR:        devIR(),
		Execute:   true,
	})
	require.NoError(t, err)
	require.NoError(t, gw.VerifyEvidence(resp.Pack))

	resp.Pack.IRHash = "forged"
	assert.Error(t, gw.VerifyEvidence(resp.Pack))
}

func TestExecute_AttestsAndPersistsWhenConfigured(t *testing.T) {
	keyring, err := evidence.NewKeyring([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	sink, err := evidence.NewFSSink(t.TempDir())
	require.NoError(t, err)

	gw := newTestGateway(t, echoRegistry(t, nil),
		WithKeyring(keyring), WithSink(sink))

	resp, err := gw.Execute(context.Background(), Request{
		TenantID:  "tenant-a",
		GraphSpec: specFor("s1"),
		IR:        devIR(),
		Execute:   true,
	})
	require.NoError(t, err)

	require.NotNil(t, resp.Pack.Attestation)
	pub, err := keyring.PublicKey("tenant-a")
	require.NoError(t, err)
	assert.NoError(t, evidence.VerifyAttestation(resp.Pack, pub))

	require.NotEmpty(t, resp.PackPath)
	loaded, err := evidence.LoadPack(resp.PackPath)
	require.NoError(t, err)
	assert.NoError(t, evidence.VerifyErr(loaded))
	require.NotNil(t, loaded.Attestation, "attestation survives the disk round trip")
}

func TestExecute_RequestValidation(t *testing.T) {
	gw := newTestGateway(t, echoRegistry(t, nil))
	ctx := context.Background()

	_, err := gw.Execute(ctx, Request{GraphSpec: specFor("s1"), IR: devIR()})
	require.Error(t, err)
	assert.NotErrorAs(t, err, new(*GateError), "malformed requests are plain errors")

	_, err = gw.Execute(ctx, Request{TenantID: "tenant-a", IR: devIR()})
	require.Error(t, err)
}
