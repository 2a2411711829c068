package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/capstanhq/capstan/pkg/approval"
	"github.com/capstanhq/capstan/pkg/canonical"
	"github.com/capstanhq/capstan/pkg/config"
)

// runApproveCmd implements `capstan approve`: it mints a single-use approval
// token bound to the plan's IR hash. The raw token is printed exactly once
// and never stored; the ledger keeps only its SHA-256.
//
// Exit codes:
//
//	0 = approval minted
//	2 = usage or infrastructure error
func runApproveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("approve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		planPath   string
		ttl        time.Duration
		createdBy  string
		jsonOutput bool
	)
	cmd.StringVar(&planPath, "plan", "", "Path to plan JSON containing the IR to approve (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", 15*time.Minute, "How long the token stays valid")
	cmd.StringVar(&createdBy, "by", "operator", "Who is granting the approval")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if planPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --plan is required")
		cmd.Usage()
		return 2
	}

	p, err := loadPlan(planPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if p.IR == nil {
		_, _ = fmt.Fprintf(stderr, "Error: plan %s has no IR to approve\n", planPath)
		return 2
	}

	irHash, err := p.IR.Hash()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: hash IR: %v\n", err)
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	setupLogging(stderr, cfg.LogLevel)

	lite, err := setupLiteMode(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer lite.Close()

	ledger := approval.NewLedger(lite.approvals, lite.stream)
	a, token, err := ledger.Create(ctx, p.TenantID, irHash, ttl, createdBy)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		result := map[string]any{
			"approval_id": a.ApprovalID,
			"tenant_id":   a.TenantID,
			"ir_hash":     a.IRHash,
			"expires_at":  a.ExpiresAt,
			"token":       token,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "%s✅ Approval minted%s\n", ColorBold+ColorGreen, ColorReset)
		_, _ = fmt.Fprintf(stdout, "   Approval: %s\n", a.ApprovalID)
		_, _ = fmt.Fprintf(stdout, "   IR:       %s\n", canonical.Truncate(a.IRHash))
		_, _ = fmt.Fprintf(stdout, "   Expires:  %s\n", a.ExpiresAt.Format(time.RFC3339))
		_, _ = fmt.Fprintf(stdout, "   Token (shown once, never stored): %s\n", token)
	}

	if lite.memory {
		_, _ = fmt.Fprintf(stderr, "%s⚠️  REDIS_ADDR is not set: this approval lives in process memory and cannot gate a separate `capstan run`.%s\n",
			ColorBold+ColorYellow, ColorReset)
	}

	return 0
}
