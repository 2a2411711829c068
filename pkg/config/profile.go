package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/capstanhq/capstan/pkg/governor"
	"github.com/capstanhq/capstan/pkg/validator"
)

// Profile is one deployment's governance policy: budget, degradation,
// approval gates, and tenant escalation rules, plus a kernel version gate.
// Profiles are declarative; conversion to runtime policy happens through
// GovernorPolicy and ValidatorRules.
type Profile struct {
	Name string `yaml:"name"`
	// Requires is a semver constraint the running kernel must satisfy,
	// e.g. ">= 0.9, < 2". Empty means any kernel.
	Requires string `yaml:"requires,omitempty"`

	Budget      BudgetConfig      `yaml:"budget"`
	Degradation DegradationConfig `yaml:"degradation"`
	Approvals   ApprovalsConfig   `yaml:"approvals"`
	Rules       []validator.Rule  `yaml:"rules,omitempty"`

	DryRunRespectsLimits bool `yaml:"dry_run_respects_limits"`
}

// BudgetConfig bounds a run. Zero maximums leave the dimension unmetered;
// limit types are "hard" (deny) or "soft" (degradation input), defaulting
// to hard.
type BudgetConfig struct {
	MaxSteps           int `yaml:"max_steps"`
	MaxDurationSeconds int `yaml:"max_duration_seconds"`
	MaxExternalCalls   int `yaml:"max_external_calls"`

	StepsLimitType         string `yaml:"steps_limit_type,omitempty"`
	DurationLimitType      string `yaml:"duration_limit_type,omitempty"`
	ExternalCallsLimitType string `yaml:"external_calls_limit_type,omitempty"`
}

// DegradationConfig controls soft-limit behavior.
type DegradationConfig struct {
	AllowSoft          bool     `yaml:"allow_soft"`
	SkipNodeTypes      []string `yaml:"skip_node_types,omitempty"`
	CriticalNodes      []string `yaml:"critical_nodes,omitempty"`
	SoftLimitThreshold float64  `yaml:"soft_limit_threshold,omitempty"`
}

// ApprovalsConfig lists the nodes gated behind in-run operator approval.
type ApprovalsConfig struct {
	RequireForNodes     []string `yaml:"require_for_nodes,omitempty"`
	RequireForNodeTypes []string `yaml:"require_for_node_types,omitempty"`
	TTLSeconds          int      `yaml:"ttl_seconds,omitempty"`
}

// DefaultProfile is the policy used when no profile file is configured:
// the default budget, no degradation, no node approval gates.
func DefaultProfile() *Profile {
	b := governor.DefaultBudget()
	return &Profile{
		Name: "default",
		Budget: BudgetConfig{
			MaxSteps:           b.MaxSteps,
			MaxDurationSeconds: b.MaxDurationSeconds,
			MaxExternalCalls:   b.MaxExternalCalls,
		},
	}
}

// LoadProfile reads and validates a profile YAML. kernelVersion is checked
// against the profile's requires constraint; a profile written for a
// different kernel refuses to load rather than governing with the wrong
// assumptions.
func LoadProfile(path, kernelVersion string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("profile %s: name is required", path)
	}
	for _, lt := range []string{p.Budget.StepsLimitType, p.Budget.DurationLimitType, p.Budget.ExternalCallsLimitType} {
		if lt != "" && lt != string(governor.LimitHard) && lt != string(governor.LimitSoft) {
			return nil, fmt.Errorf("profile %s: limit type %q is not hard or soft", p.Name, lt)
		}
	}
	for _, r := range p.Rules {
		if r.Name == "" || r.Expr == "" {
			return nil, fmt.Errorf("profile %s: every rule needs a name and an expr", p.Name)
		}
	}

	if err := p.checkRequires(kernelVersion); err != nil {
		return nil, err
	}
	return &p, nil
}

// checkRequires validates the kernel version against the profile constraint.
func (p *Profile) checkRequires(kernelVersion string) error {
	if p.Requires == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(p.Requires)
	if err != nil {
		return fmt.Errorf("profile %s: bad requires constraint %q: %w", p.Name, p.Requires, err)
	}
	v, err := semver.NewVersion(kernelVersion)
	if err != nil {
		return fmt.Errorf("profile %s: bad kernel version %q: %w", p.Name, kernelVersion, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("profile %s requires kernel %s, but running %s", p.Name, p.Requires, kernelVersion)
	}
	return nil
}

// GovernorPolicy converts the profile into the governor's runtime policy.
func (p *Profile) GovernorPolicy() governor.Policy {
	return governor.Policy{
		Budget: governor.Budget{
			MaxSteps:               p.Budget.MaxSteps,
			MaxDurationSeconds:     p.Budget.MaxDurationSeconds,
			MaxExternalCalls:       p.Budget.MaxExternalCalls,
			StepsLimitType:         limitType(p.Budget.StepsLimitType),
			DurationLimitType:      limitType(p.Budget.DurationLimitType),
			ExternalCallsLimitType: limitType(p.Budget.ExternalCallsLimitType),
		},
		AllowSoftDegradation:     p.Degradation.AllowSoft,
		SkipOnSoftLimit:          p.Degradation.SkipNodeTypes,
		CriticalNodes:            p.Degradation.CriticalNodes,
		RequireApprovalNodes:     p.Approvals.RequireForNodes,
		RequireApprovalNodeTypes: p.Approvals.RequireForNodeTypes,
		DryRunRespectsLimits:     p.DryRunRespectsLimits,
		SoftLimitThreshold:       p.Degradation.SoftLimitThreshold,
		ApprovalTTL:              time.Duration(p.Approvals.TTLSeconds) * time.Second,
	}
}

// ValidatorRules returns the profile's escalation rules for validator
// construction.
func (p *Profile) ValidatorRules() []validator.Rule {
	return append([]validator.Rule(nil), p.Rules...)
}

func limitType(s string) governor.LimitType {
	if s == string(governor.LimitSoft) {
		return governor.LimitSoft
	}
	return governor.LimitHard
}
