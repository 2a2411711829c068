// Package diffaudit is the gate between policy and execution: it proves that
// the DAG about to run maps one-to-one onto the validated IR, step for step,
// hash for hash. Any drift blocks execution.
package diffaudit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/capstanhq/capstan/pkg/canonical"
	"github.com/capstanhq/capstan/pkg/graph"
	"github.com/capstanhq/capstan/pkg/ir"
)

// HashMismatch is one step whose IR hash differs from the hash its DAG node
// claims. Expected and Actual carry full hashes; only String and the emitted
// event truncate for operator-facing text.
type HashMismatch struct {
	StepID   string `json:"step_id"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Report is the outcome of one IR-to-DAG check. Success is true only when
// every list is empty; a node that cannot even be indexed (no back-reference,
// duplicate binding) lands in Errors and fails the report the same way.
type Report struct {
	Success        bool           `json:"success"`
	MissingIRSteps []string       `json:"missing_ir_steps,omitempty"`
	ExtraDAGNodes  []string       `json:"extra_dag_nodes,omitempty"`
	HashMismatches []HashMismatch `json:"hash_mismatches,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
}

// Check compares a validated IR against the nodes of the graph bound to it.
//
// Steps are keyed by step_id when present, otherwise by decimal index; nodes
// by their ir_step_id back-reference. The three drift classes are reported
// separately: IR steps no node claims, node claims no step backs, and
// matching ids whose hashes disagree. Comparison always uses full hashes.
func Check(doc *ir.IR, nodes []graph.NodeSpec) Report {
	var rep Report

	irIndex := make(map[string]string, len(doc.Steps))
	for i := range doc.Steps {
		step := &doc.Steps[i]
		key := step.Key(i)
		if _, dup := irIndex[key]; dup {
			rep.Errors = append(rep.Errors, fmt.Sprintf("ir step id %q is not unique", key))
			continue
		}
		hash, err := step.Hash()
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("ir step %q: hash failed: %v", key, err))
			continue
		}
		irIndex[key] = hash
	}

	dagIndex := make(map[string]string, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.IRStepID == "" || n.IRStepHash == "" {
			rep.Errors = append(rep.Errors, fmt.Sprintf("node %q is not bound to an IR step", n.NodeID))
			continue
		}
		if _, dup := dagIndex[n.IRStepID]; dup {
			rep.Errors = append(rep.Errors, fmt.Sprintf("node %q: ir_step_id %q is bound twice", n.NodeID, n.IRStepID))
			continue
		}
		dagIndex[n.IRStepID] = n.IRStepHash
	}

	for id, expected := range irIndex {
		actual, ok := dagIndex[id]
		if !ok {
			rep.MissingIRSteps = append(rep.MissingIRSteps, id)
			continue
		}
		if actual != expected {
			rep.HashMismatches = append(rep.HashMismatches, HashMismatch{
				StepID:   id,
				Expected: expected,
				Actual:   actual,
			})
		}
	}
	for id := range dagIndex {
		if _, ok := irIndex[id]; !ok {
			rep.ExtraDAGNodes = append(rep.ExtraDAGNodes, id)
		}
	}

	sort.Strings(rep.MissingIRSteps)
	sort.Strings(rep.ExtraDAGNodes)
	sort.Slice(rep.HashMismatches, func(i, j int) bool {
		return rep.HashMismatches[i].StepID < rep.HashMismatches[j].StepID
	})

	rep.Success = len(rep.MissingIRSteps) == 0 &&
		len(rep.ExtraDAGNodes) == 0 &&
		len(rep.HashMismatches) == 0 &&
		len(rep.Errors) == 0
	return rep
}

// String renders the report for logs and error envelopes. Hashes are
// truncated here and only here; the Report itself keeps full hashes.
func (r Report) String() string {
	if r.Success {
		return "diff-audit ok"
	}
	var parts []string
	if len(r.MissingIRSteps) > 0 {
		parts = append(parts, fmt.Sprintf("missing ir steps: %s", strings.Join(r.MissingIRSteps, ", ")))
	}
	if len(r.ExtraDAGNodes) > 0 {
		parts = append(parts, fmt.Sprintf("extra dag nodes: %s", strings.Join(r.ExtraDAGNodes, ", ")))
	}
	for _, m := range r.HashMismatches {
		parts = append(parts, fmt.Sprintf("step %s: hash %s, dag claims %s",
			m.StepID, canonical.Truncate(m.Expected), canonical.Truncate(m.Actual)))
	}
	parts = append(parts, r.Errors...)
	return "diff-audit failed: " + strings.Join(parts, "; ")
}
