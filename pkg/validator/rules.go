package validator

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/capstanhq/capstan/pkg/ir"
)

// Rule is a tenant-supplied escalation rule written in CEL. When the
// expression evaluates to true for a step, that step's risk tier is raised to
// Tier (never lowered). The evaluation environment is deterministic: no
// clock, no randomness, only the step's own fields.
type Rule struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
	Tier int    `json:"tier" yaml:"tier"`
}

type compiledRule struct {
	name string
	tier int
	prg  cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("provider", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("params", cel.DynType),
	)
}

// compileRules compiles every rule up front so a broken rule fails
// construction instead of silently passing traffic.
func compileRules(rules []Rule) ([]compiledRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("rule environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule with empty name")
		}
		if r.Tier < 0 || r.Tier > 3 {
			return nil, fmt.Errorf("rule %q: tier %d out of range [0,3]", r.Name, r.Tier)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q compile: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %q program: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{name: r.Name, tier: r.Tier, prg: prg})
	}
	return compiled, nil
}

func (r *compiledRule) eval(step *ir.Step) (bool, error) {
	params := step.Params
	if params == nil {
		params = map[string]any{}
	}
	out, _, err := r.prg.Eval(map[string]any{
		"action":      step.Action,
		"provider":    step.Provider,
		"resource":    step.Resource,
		"environment": step.Environment(),
		"params":      params,
	})
	if err != nil {
		return false, err
	}
	fired, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q did not return bool", r.name)
	}
	return fired, nil
}
