// Package graph executes governed DAGs: topological ordering, per-node
// governor consultation, dry-run and rollback handling, and an ordered audit
// trail for the evidence pack.
package graph

import (
	"context"
	"fmt"
	"sort"
)

// Capability declares what a node implementation can do. The executor trusts
// capabilities fail-closed: a mode the node does not declare is never tried.
type Capability string

const (
	CapDryRun       Capability = "DRY_RUN"
	CapRollbackable Capability = "ROLLBACKABLE"
	CapIdempotent   Capability = "IDEMPOTENT"
	CapExternal     Capability = "EXTERNAL"
)

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// Caps builds a set from the given capabilities.
func Caps(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// List returns the capabilities in a stable order.
func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// Artifact is a reference to something a node produced: a file on disk, an
// object key, a rendered document. Nodes hand these to the executor; they
// never write audit entries themselves.
type Artifact struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Digest      string `json:"digest,omitempty"`
}

// Node is one executable unit of a graph. Execute must be idempotent when
// the IDEMPOTENT capability is declared; DryRun must be side-effect free;
// Rollback is only called when ROLLBACKABLE is declared.
type Node interface {
	Execute(ctx context.Context, rc *RunContext) (map[string]any, []Artifact, error)
	DryRun(ctx context.Context, rc *RunContext) (map[string]any, []Artifact, error)
	Rollback(ctx context.Context, rc *RunContext) error
	ValidateBeforeExecution(ctx context.Context, rc *RunContext) error
	Capabilities() CapabilitySet
}

// NodeFunc is the signature of a FuncNode phase.
type NodeFunc func(ctx context.Context, rc *RunContext) (map[string]any, []Artifact, error)

// FuncNode adapts plain functions into a Node. Undeclared phases fail
// closed: calling DryRun without a DryRunFn (or Rollback without a
// RollbackFn) returns an error instead of silently succeeding.
type FuncNode struct {
	ExecuteFn  NodeFunc
	DryRunFn   NodeFunc
	RollbackFn func(ctx context.Context, rc *RunContext) error
	ValidateFn func(ctx context.Context, rc *RunContext) error
	Caps       CapabilitySet
}

func (n *FuncNode) Execute(ctx context.Context, rc *RunContext) (map[string]any, []Artifact, error) {
	if n.ExecuteFn == nil {
		return nil, nil, fmt.Errorf("node does not implement execute")
	}
	return n.ExecuteFn(ctx, rc)
}

func (n *FuncNode) DryRun(ctx context.Context, rc *RunContext) (map[string]any, []Artifact, error) {
	if n.DryRunFn == nil {
		return nil, nil, fmt.Errorf("node does not implement dry_run")
	}
	return n.DryRunFn(ctx, rc)
}

func (n *FuncNode) Rollback(ctx context.Context, rc *RunContext) error {
	if n.RollbackFn == nil {
		return fmt.Errorf("node does not implement rollback")
	}
	return n.RollbackFn(ctx, rc)
}

func (n *FuncNode) ValidateBeforeExecution(ctx context.Context, rc *RunContext) error {
	if n.ValidateFn == nil {
		return nil
	}
	return n.ValidateFn(ctx, rc)
}

func (n *FuncNode) Capabilities() CapabilitySet {
	if n.Caps == nil {
		return CapabilitySet{}
	}
	return n.Caps
}
