// Package gateway glues the governance layers into one execute surface:
// validate the IR, settle the approval, bind and diff-audit the graph, run
// it under a governor, and seal the evidence.
//
// The gateway is fail-closed end to end. With governance on, no graph runs
// without a validated IR behind it, and every refusal comes back as a
// structured GateError rather than a bare failure.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/capstanhq/capstan/pkg/approval"
	"github.com/capstanhq/capstan/pkg/diffaudit"
	"github.com/capstanhq/capstan/pkg/eventstream"
	"github.com/capstanhq/capstan/pkg/evidence"
	"github.com/capstanhq/capstan/pkg/governor"
	"github.com/capstanhq/capstan/pkg/graph"
	"github.com/capstanhq/capstan/pkg/ir"
	"github.com/capstanhq/capstan/pkg/validator"
)

// GovernanceMode sets the gateway's posture. Off skips IR governance
// entirely (validation, approvals, diff-audit) and is meant for local
// development; DefaultDryRun forces every run into dry-run regardless of
// the request.
type GovernanceMode struct {
	Off           bool
	DefaultDryRun bool
}

// Gateway orchestrates one execute call across the governance components.
type Gateway struct {
	validator *validator.Service
	ledger    *approval.Ledger
	differ    *diffaudit.Service
	executor  *graph.Executor
	builder   *evidence.Builder

	sink    evidence.Sink
	keyring *evidence.Keyring
	policy  *governor.Policy
	stream  eventstream.Publisher
	tracer  trace.Tracer
	mode    GovernanceMode
	now     func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSink persists sealed packs after every run.
func WithSink(s evidence.Sink) Option {
	return func(g *Gateway) { g.sink = s }
}

// WithKeyring attests sealed packs with per-tenant keys.
func WithKeyring(k *evidence.Keyring) Option {
	return func(g *Gateway) { g.keyring = k }
}

// WithGovernorPolicy runs every graph under a fresh governor for the policy.
func WithGovernorPolicy(p *governor.Policy) Option {
	return func(g *Gateway) { g.policy = p }
}

// WithPublisher wires governor approval events onto the stream.
func WithPublisher(p eventstream.Publisher) Option {
	return func(g *Gateway) { g.stream = p }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// WithMode sets the governance mode.
func WithMode(mode GovernanceMode) Option {
	return func(g *Gateway) { g.mode = mode }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New constructs a gateway over its five required collaborators.
func New(v *validator.Service, ledger *approval.Ledger, differ *diffaudit.Service,
	executor *graph.Executor, builder *evidence.Builder, opts ...Option) *Gateway {
	g := &Gateway{
		validator: v,
		ledger:    ledger,
		differ:    differ,
		executor:  executor,
		builder:   builder,
		tracer:    otel.Tracer("capstan.gateway"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request is one execute call.
type Request struct {
	TenantID      string      `json:"tenant_id"`
	GraphSpec     *graph.Spec `json:"graph_spec"`
	IR            *ir.IR      `json:"ir,omitempty"`
	ApprovalToken string      `json:"approval_token,omitempty"`
	Execute       bool        `json:"execute"`
}

// Response is the aggregate outcome of an allowed execute call.
type Response struct {
	Allowed          bool             `json:"allowed"`
	DryRun           bool             `json:"dry_run"`
	IRHash           string           `json:"ir_hash,omitempty"`
	ValidationStatus validator.Status `json:"validation_status,omitempty"`
	ApprovalID       string           `json:"approval_id,omitempty"`
	Result           *graph.Result    `json:"result"`
	Pack             *evidence.Pack   `json:"pack"`
	PackPath         string           `json:"pack_path,omitempty"`
}

// Execute runs the full governed flow. Governance refusals return a
// *GateError; only malformed requests and infrastructure failures return
// plain errors.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.execute",
		trace.WithAttributes(attribute.String("tenant_id", req.TenantID)))
	defer span.End()

	if req.TenantID == "" {
		return nil, fmt.Errorf("gateway: tenant_id is required")
	}
	if req.GraphSpec == nil {
		return nil, fmt.Errorf("gateway: graph spec is required")
	}

	var (
		spec       *graph.Spec
		irHash     string
		valStatus  validator.Status
		approvalID string
	)

	if g.mode.Off {
		clone := *req.GraphSpec
		spec = &clone
	} else {
		if req.IR == nil {
			return nil, g.refuse(span, &GateError{
				Code:   CodeIRRequired,
				Reason: "IR is required when governance is enabled",
				Result: GateResult{Allowed: false},
			})
		}

		vctx, vspan := g.tracer.Start(ctx, "gateway.validate")
		vres := g.validator.Validate(vctx, req.IR)
		vspan.SetAttributes(attribute.String("status", string(vres.Status)))
		vspan.End()

		irHash = vres.IRHash
		valStatus = vres.Status

		switch vres.Status {
		case validator.StatusReject:
			return nil, g.refuse(span, &GateError{
				Code:   CodeIRRejected,
				Reason: "IR rejected by validator",
				Result: GateResult{
					Allowed:          false,
					IRHash:           vres.IRHash,
					ValidationStatus: vres.Status,
					Violations:       vres.Violations,
				},
			})
		case validator.StatusEscalate:
			if req.ApprovalToken == "" {
				return nil, g.refuse(span, &GateError{
					Code:   CodeApprovalRequired,
					Reason: "Approval required (no token provided)",
					Result: GateResult{
						Allowed:          false,
						IRHash:           vres.IRHash,
						ValidationStatus: vres.Status,
						Violations:       vres.Violations,
					},
				})
			}

			cctx, cspan := g.tracer.Start(ctx, "gateway.consume_approval")
			consume, err := g.ledger.Consume(cctx, req.TenantID, vres.IRHash, req.ApprovalToken, "gateway")
			cspan.End()
			if err != nil {
				return nil, fmt.Errorf("gateway: approval consume: %w", err)
			}
			if !consume.Success {
				return nil, g.refuse(span, &GateError{
					Code:   CodeApprovalConsume,
					Reason: consume.Reason,
					Result: GateResult{
						Allowed:          false,
						IRHash:           vres.IRHash,
						ValidationStatus: vres.Status,
						ApprovalID:       consume.ApprovalID,
					},
				})
			}
			approvalID = consume.ApprovalID
		}

		bound, err := BindIR(req.GraphSpec, req.IR)
		if err != nil {
			return nil, fmt.Errorf("gateway: bind IR: %w", err)
		}

		dctx, dspan := g.tracer.Start(ctx, "gateway.diff_audit")
		report := g.differ.Check(dctx, req.IR, bound.Nodes)
		dspan.SetAttributes(attribute.Bool("success", report.Success))
		dspan.End()
		if !report.Success {
			return nil, g.refuse(span, &GateError{
				Code:   CodeDiffAuditFailed,
				Reason: report.String(),
				Result: GateResult{
					Allowed:          false,
					IRHash:           irHash,
					ValidationStatus: valStatus,
					ApprovalID:       approvalID,
					DiffReport:       &report,
				},
			})
		}
		spec = bound
	}

	spec.DryRun = spec.DryRun || !req.Execute || g.mode.DefaultDryRun

	var gov *governor.Governor
	if g.policy != nil {
		gov = governor.New(*g.policy, governor.WithClock(g.now), governor.WithPublisher(g.stream))
	}

	rctx, rspan := g.tracer.Start(ctx, "gateway.run",
		trace.WithAttributes(
			attribute.String("graph_id", spec.GraphID),
			attribute.Bool("dry_run", spec.DryRun),
		))
	result, err := g.executor.ExecuteGraph(rctx, spec, gov)
	rspan.End()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("gateway: execute graph: %w", err)
	}

	pack, path, err := g.seal(ctx, req.TenantID, spec, result, irHash, valStatus, approvalID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &Response{
		Allowed:          true,
		DryRun:           spec.DryRun,
		IRHash:           irHash,
		ValidationStatus: valStatus,
		ApprovalID:       approvalID,
		Result:           result,
		Pack:             pack,
		PackPath:         path,
	}, nil
}

// seal builds, attests, and persists the evidence pack for one run.
func (g *Gateway) seal(ctx context.Context, tenantID string, spec *graph.Spec,
	result *graph.Result, irHash string, valStatus validator.Status, approvalID string) (*evidence.Pack, string, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.seal")
	defer span.End()

	pack, err := g.builder.Build(result,
		evidence.WithGraphSpec(spec),
		evidence.WithTenant(tenantID),
		evidence.WithIRMetadata(irHash, string(valStatus), approvalID),
	)
	if err != nil {
		return nil, "", fmt.Errorf("gateway: build evidence: %w", err)
	}

	if g.keyring != nil {
		if err := g.keyring.Attest(pack); err != nil {
			return nil, "", fmt.Errorf("gateway: attest evidence: %w", err)
		}
	}

	var path string
	if g.sink != nil {
		path, err = g.sink.Write(ctx, pack)
		if err != nil {
			return nil, "", fmt.Errorf("gateway: persist evidence: %w", err)
		}
	}
	return pack, path, nil
}

func (g *Gateway) refuse(span trace.Span, gerr *GateError) error {
	span.SetAttributes(
		attribute.String("gate.code", gerr.Code),
		attribute.Bool("gate.allowed", false),
	)
	return gerr
}

// SubmitResult is the outcome of an IR submission.
type SubmitResult struct {
	Validation       validator.Result        `json:"validation"`
	ApprovalRequired bool                    `json:"approval_required"`
	Approval         *approval.ConsumeResult `json:"approval,omitempty"`
}

// SubmitIR validates an IR without executing anything. An ESCALATE outcome
// reports ApprovalRequired plus the IR hash to approve against; no approval
// record is created here since its raw token could never be returned. When a
// token accompanies the submission it is consumed and the result attached.
func (g *Gateway) SubmitIR(ctx context.Context, doc *ir.IR, approvalToken string) (*SubmitResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.submit_ir",
		trace.WithAttributes(attribute.String("tenant_id", doc.TenantID)))
	defer span.End()

	vres := g.validator.Validate(ctx, doc)
	out := &SubmitResult{
		Validation:       vres,
		ApprovalRequired: vres.Status == validator.StatusEscalate,
	}

	if vres.Status == validator.StatusEscalate && approvalToken != "" {
		consume, err := g.ledger.Consume(ctx, doc.TenantID, vres.IRHash, approvalToken, "submit")
		if err != nil {
			return nil, fmt.Errorf("gateway: approval consume: %w", err)
		}
		out.Approval = &consume
		out.ApprovalRequired = !consume.Success
	}
	return out, nil
}

// CreateApproval mints an approval for (tenant, irHash). The raw token is
// returned exactly once and never stored.
func (g *Gateway) CreateApproval(ctx context.Context, tenantID, irHash string,
	ttl time.Duration, createdBy string) (*approval.Approval, string, error) {
	return g.ledger.Create(ctx, tenantID, irHash, ttl, createdBy)
}

// ConsumeApproval redeems a raw token outside the execute flow.
func (g *Gateway) ConsumeApproval(ctx context.Context, tenantID, irHash, token string) (approval.ConsumeResult, error) {
	return g.ledger.Consume(ctx, tenantID, irHash, token, "api")
}

// VerifyEvidence re-derives a pack's content hash and audit commitments.
func (g *Gateway) VerifyEvidence(pack *evidence.Pack) error {
	return evidence.VerifyErr(pack)
}
