// Package validator is the pure policy engine of the kernel: it computes risk
// tiers for IR steps, collects violations, and decides PASS / ESCALATE /
// REJECT. No I/O, no randomness; same IR in, same result out.
package validator

import (
	"fmt"
	"strings"
	"time"

	"github.com/capstanhq/capstan/pkg/ir"
)

// Status is the validation outcome.
type Status string

const (
	StatusPass     Status = "PASS"
	StatusEscalate Status = "ESCALATE"
	StatusReject   Status = "REJECT"
)

// Severity classifies a violation. ERROR forces REJECT; WARNING is advisory.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Violation codes are stable strings; callers branch on them.
const (
	CodeTenantMissing         = "tenant_missing"
	CodeEmptySteps            = "empty_steps"
	CodeUnknownAction         = "unknown_action"
	CodeUnknownProvider       = "unknown_provider"
	CodeEmptyResource         = "empty_resource"
	CodeEmptyIdempotencyKey   = "empty_idempotency_key"
	CodeIdempotencyKeyTooLong = "idempotency_key_too_long"
	CodeNegativeBudget        = "negative_budget"
	CodeRuleEscalation        = "rule_escalation"
	CodeRuleEvalFailed        = "rule_eval_failed"
	CodeCanonicalizeFailed    = "canonicalize_failed"
)

// Violation is a single finding against an IR.
type Violation struct {
	StepIndex *int     `json:"step_index,omitempty"`
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
}

// Result is the full validation outcome for one IR.
//
// Status law: REJECT iff at least one ERROR violation; ESCALATE iff no ERROR
// and risk_tier >= 2; PASS otherwise.
type Result struct {
	Status           Status      `json:"status"`
	Violations       []Violation `json:"violations"`
	RiskTier         int         `json:"risk_tier"`
	RequiresApproval bool        `json:"requires_approval"`
	IRHash           string      `json:"ir_hash"`
	TenantID         string      `json:"tenant_id"`
	RequestID        string      `json:"request_id"`
	ValidatedAt      time.Time   `json:"validated_at"`
	StepRiskTiers    []int       `json:"step_risk_tiers,omitempty"`
}

// HasErrors reports whether any violation carries ERROR severity.
func (r *Result) HasErrors() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validator evaluates IRs against the built-in tier policy plus optional
// compiled tenant rules. Construct with New; the zero value is unusable.
type Validator struct {
	rules []compiledRule
	now   func() time.Time
}

// Option configures a Validator.
type Option func(*Validator) error

// WithClock injects the timestamp source for validated_at.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) error {
		v.now = now
		return nil
	}
}

// WithRules compiles tenant escalation rules into the validator. Compilation
// failures abort construction (fail-closed): a rule that cannot run must not
// silently stop guarding.
func WithRules(rules []Rule) Option {
	return func(v *Validator) error {
		compiled, err := compileRules(rules)
		if err != nil {
			return err
		}
		v.rules = append(v.rules, compiled...)
		return nil
	}
}

// New constructs a Validator.
func New(opts ...Option) (*Validator, error) {
	v := &Validator{now: time.Now}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Validate computes the ValidationResult for an IR. The input is not
// mutated; per-step tiers are reported via Result.StepRiskTiers.
func (v *Validator) Validate(doc *ir.IR) Result {
	res := Result{
		Status:      StatusPass,
		Violations:  []Violation{},
		TenantID:    doc.TenantID,
		RequestID:   doc.RequestID,
		ValidatedAt: v.now().UTC(),
	}

	if !ir.ValidTenantID(doc.TenantID) {
		res.addViolation(nil, CodeTenantMissing,
			"tenant_id is required and must not contain control characters", SeverityError)
	}
	if len(doc.Steps) == 0 {
		res.addViolation(nil, CodeEmptySteps, "IR must contain at least one step", SeverityError)
	}

	res.StepRiskTiers = make([]int, len(doc.Steps))
	maxTier := 0
	for i := range doc.Steps {
		tier := v.validateStep(&res, i, &doc.Steps[i])
		res.StepRiskTiers[i] = tier
		if tier > maxTier {
			maxTier = tier
		}
	}

	res.RiskTier = maxTier
	res.RequiresApproval = maxTier >= 2

	hash, err := doc.Hash()
	if err != nil {
		res.addViolation(nil, CodeCanonicalizeFailed,
			fmt.Sprintf("ir_hash computation failed: %v", err), SeverityError)
	}
	res.IRHash = hash

	switch {
	case res.HasErrors():
		res.Status = StatusReject
	case res.RiskTier >= 2:
		res.Status = StatusEscalate
	default:
		res.Status = StatusPass
	}
	return res
}

// validateStep re-checks per-step invariants (belt and braces with the
// decode schema) and returns the step's effective risk tier.
func (v *Validator) validateStep(res *Result, i int, step *ir.Step) int {
	idx := i

	if !ir.KnownActions[step.Action] {
		res.addViolation(&idx, CodeUnknownAction,
			fmt.Sprintf("action %q is not in the closed vocabulary", step.Action), SeverityError)
	}
	if step.Provider != "" && !ir.KnownProviders[step.Provider] {
		res.addViolation(&idx, CodeUnknownProvider,
			fmt.Sprintf("provider %q is not in the closed vocabulary", step.Provider), SeverityError)
	}
	if step.Resource == "" {
		res.addViolation(&idx, CodeEmptyResource, "resource is empty", SeverityWarning)
	}
	if strings.TrimSpace(step.IdempotencyKey) == "" {
		res.addViolation(&idx, CodeEmptyIdempotencyKey,
			"idempotency_key must be non-empty after trimming", SeverityError)
	} else if len(step.IdempotencyKey) > ir.MaxIdempotencyKeyLen {
		res.addViolation(&idx, CodeIdempotencyKeyTooLong,
			fmt.Sprintf("idempotency_key exceeds %d characters", ir.MaxIdempotencyKeyLen), SeverityError)
	}
	if step.BudgetCents != nil && *step.BudgetCents < 0 {
		res.addViolation(&idx, CodeNegativeBudget,
			fmt.Sprintf("budget_cents must be >= 0, got %d", *step.BudgetCents), SeverityError)
	}

	tier := stepRiskTier(step)

	for _, rule := range v.rules {
		fired, err := rule.eval(step)
		if err != nil {
			// Fail closed: a rule that cannot be evaluated blocks the IR.
			res.addViolation(&idx, CodeRuleEvalFailed,
				fmt.Sprintf("rule %q evaluation failed: %v", rule.name, err), SeverityError)
			continue
		}
		if fired && rule.tier > tier {
			tier = rule.tier
			res.addViolation(&idx, CodeRuleEscalation,
				fmt.Sprintf("rule %q raised risk tier to %d", rule.name, rule.tier), SeverityWarning)
		}
	}
	return tier
}

func (r *Result) addViolation(stepIndex *int, code, message string, sev Severity) {
	var idx *int
	if stepIndex != nil {
		v := *stepIndex
		idx = &v
	}
	r.Violations = append(r.Violations, Violation{
		StepIndex: idx,
		Code:      code,
		Message:   message,
		Severity:  sev,
	})
}
