package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/capstanhq/capstan/pkg/approval"
	"github.com/capstanhq/capstan/pkg/canonical"
	"github.com/capstanhq/capstan/pkg/config"
	"github.com/capstanhq/capstan/pkg/diffaudit"
	"github.com/capstanhq/capstan/pkg/evidence"
	"github.com/capstanhq/capstan/pkg/gateway"
	"github.com/capstanhq/capstan/pkg/graph"
	"github.com/capstanhq/capstan/pkg/ir"
	"github.com/capstanhq/capstan/pkg/observability"
	"github.com/capstanhq/capstan/pkg/validator"
)

// plan is the input document for `capstan run`: the business intent and the
// graph an agent compiled from it.
type plan struct {
	TenantID string      `json:"tenant_id,omitempty"`
	IR       *ir.IR      `json:"ir,omitempty"`
	Graph    *graph.Spec `json:"graph"`
}

func loadPlan(path string) (*plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if p.Graph == nil {
		return nil, fmt.Errorf("plan %s has no graph", path)
	}
	if p.TenantID == "" && p.IR != nil {
		p.TenantID = p.IR.TenantID
	}
	return &p, nil
}

// runRunCmd implements `capstan run`.
//
// Exit codes:
//
//	0 = run completed
//	1 = refused by a governance gate, or the run failed
//	2 = usage or infrastructure error
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		planPath   string
		execute    bool
		token      string
		jsonOutput bool
	)
	cmd.StringVar(&planPath, "plan", "", "Path to plan JSON: {tenant_id, ir, graph} (REQUIRED)")
	cmd.BoolVar(&execute, "execute", false, "Execute for real; the default is a dry run")
	cmd.StringVar(&token, "token", "", "Single-use approval token for escalated intents")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the full response as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if planPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --plan is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	setupLogging(stderr, cfg.LogLevel)

	p, err := loadPlan(planPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	profile := config.DefaultProfile()
	if cfg.ProfilePath != "" {
		profile, err = config.LoadProfile(cfg.ProfilePath, kernelVersion)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "capstan",
		ServiceVersion: kernelVersion,
		Environment:    "development",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: observability init: %v\n", err)
		return 2
	}
	defer func() { _ = provider.Shutdown(ctx) }()

	lite, err := setupLiteMode(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer lite.Close()

	gw, err := buildGateway(ctx, cfg, profile, lite, provider)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	runCtx, done := provider.TrackOperation(ctx, "capstan.run",
		observability.RunAttrs(p.TenantID, p.Graph.GraphID, !execute)...)

	resp, err := gw.Execute(runCtx, gateway.Request{
		TenantID:      p.TenantID,
		GraphSpec:     p.Graph,
		IR:            p.IR,
		ApprovalToken: token,
		Execute:       execute,
	})
	done(err)

	if err != nil {
		var gerr *gateway.GateError
		if errors.As(err, &gerr) {
			observability.AddSpanEvent(runCtx, "gate.refused", observability.GateAttrs(
				canonical.Truncate(gerr.Result.IRHash),
				string(gerr.Result.ValidationStatus),
				gerr.Code)...)
			printRefusal(stdout, gerr, jsonOutput)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if resp.Pack != nil {
		observability.AddSpanEvent(runCtx, "pack.sealed", observability.PackAttrs(
			resp.Pack.PackID, canonical.Truncate(resp.Pack.ContentHash))...)
	}
	printRunSummary(stdout, resp, jsonOutput)

	if resp.Result != nil && !resp.Result.Success {
		return 1
	}
	return 0
}

// buildGateway wires the governance chain over the lite kernel: validator,
// approval ledger, diff-audit, executor, evidence builder, sink, keyring.
func buildGateway(ctx context.Context, cfg *config.Config, profile *config.Profile,
	lite *liteKernel, provider *observability.Provider) (*gateway.Gateway, error) {

	v, err := validator.New(validator.WithRules(profile.ValidatorRules()))
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}

	registry, err := defaultRegistry(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	sink, err := newEvidenceSink(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build evidence sink: %w", err)
	}

	policy := profile.GovernorPolicy()
	opts := []gateway.Option{
		gateway.WithSink(sink),
		gateway.WithGovernorPolicy(&policy),
		gateway.WithPublisher(lite.stream),
		gateway.WithTracer(provider.Tracer()),
		gateway.WithMode(gateway.GovernanceMode{
			Off:           cfg.GovernanceOff,
			DefaultDryRun: cfg.DefaultDryRun,
		}),
	}

	if secret := os.Getenv("EVIDENCE_ROOT_SECRET"); secret != "" {
		keyring, err := evidence.NewKeyring([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("build keyring: %w", err)
		}
		opts = append(opts, gateway.WithKeyring(keyring))
	}

	return gateway.New(
		validator.NewService(v, lite.stream),
		approval.NewLedger(lite.approvals, lite.stream),
		diffaudit.NewService(lite.stream),
		graph.NewExecutor(registry, graph.WithPublisher(lite.stream)),
		evidence.NewBuilder(kernelVersion),
		opts...,
	), nil
}

// newEvidenceSink builds the pack sink. The filesystem sink follows the
// DATA_DIR-derived evidence dir; S3 and GCS are selected and configured
// through the EVIDENCE_* environment variables.
func newEvidenceSink(ctx context.Context, cfg *config.Config) (evidence.Sink, error) {
	sinkType := os.Getenv("EVIDENCE_SINK_TYPE")
	if sinkType == "" || sinkType == string(evidence.SinkTypeFS) {
		return evidence.NewFSSink(cfg.EvidenceDir)
	}
	return evidence.NewSinkFromEnv(ctx)
}

func printRefusal(w io.Writer, gerr *gateway.GateError, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(gerr, "", "  ")
		_, _ = fmt.Fprintln(w, string(data))
		return
	}

	_, _ = fmt.Fprintf(w, "%s❌ Refused:%s %s\n", ColorBold+ColorRed, ColorReset, gerr.Reason)
	_, _ = fmt.Fprintf(w, "   Gate:   %s\n", gerr.Code)
	if gerr.Result.IRHash != "" {
		_, _ = fmt.Fprintf(w, "   IR:     %s (%s)\n",
			canonical.Truncate(gerr.Result.IRHash), gerr.Result.ValidationStatus)
	}
	for _, v := range gerr.Result.Violations {
		at := "ir"
		if v.StepIndex != nil {
			at = fmt.Sprintf("step %d", *v.StepIndex)
		}
		_, _ = fmt.Fprintf(w, "   - [%s] %s at %s: %s\n", v.Severity, v.Code, at, v.Message)
	}
	if gerr.Result.DiffReport != nil {
		_, _ = fmt.Fprintf(w, "   Diff:   %s\n", gerr.Result.DiffReport.String())
	}
}

func printRunSummary(w io.Writer, resp *gateway.Response, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(resp, "", "  ")
		_, _ = fmt.Fprintln(w, string(data))
		return
	}

	mode := "live"
	if resp.DryRun {
		mode = "dry-run"
	}
	_, _ = fmt.Fprintf(w, "%s✅ Run allowed%s (%s)\n", ColorBold+ColorGreen, ColorReset, mode)
	if resp.IRHash != "" {
		_, _ = fmt.Fprintf(w, "   IR:       %s (%s)\n", canonical.Truncate(resp.IRHash), resp.ValidationStatus)
	}
	if resp.ApprovalID != "" {
		_, _ = fmt.Fprintf(w, "   Approval: %s\n", resp.ApprovalID)
	}

	if resp.Result != nil {
		_, _ = fmt.Fprintf(w, "   Status:   %s\n", resp.Result.Status)
		for _, nr := range resp.Result.NodeResults {
			icon := "✅"
			if !nr.Success {
				icon = "❌"
			}
			if nr.Status == graph.NodeSkipped {
				icon = "⏭"
			}
			line := fmt.Sprintf("   %s %-20s %-10s %.3fs", icon, nr.NodeID, nr.Status, nr.DurationSeconds)
			if nr.Error != "" {
				line += " " + nr.Error
			}
			_, _ = fmt.Fprintln(w, line)
		}
		if gs := resp.Result.GovernorSummary; gs != nil {
			_, _ = fmt.Fprintf(w, "   Budget:   %d steps, %d external calls, %d violations\n",
				gs.StepsConsumed, gs.ExternalCallsConsumed, len(gs.Violations))
		}
	}

	if resp.Pack != nil {
		_, _ = fmt.Fprintf(w, "   Pack:     %s (content %s", resp.Pack.PackID, canonical.Truncate(resp.Pack.ContentHash))
		if resp.Pack.AuditMerkleRoot != "" {
			_, _ = fmt.Fprintf(w, ", merkle %s", canonical.Truncate(resp.Pack.AuditMerkleRoot))
		}
		_, _ = fmt.Fprintln(w, ")")
		if resp.Pack.Attestation != nil {
			_, _ = fmt.Fprintf(w, "   Attested: %s\n", resp.Pack.Attestation.KeyID)
		}
	}
	if resp.PackPath != "" {
		_, _ = fmt.Fprintf(w, "   Sealed:   %s\n", resp.PackPath)
	}
}
