package graph

import (
	"fmt"
	"sort"

	"github.com/capstanhq/capstan/pkg/canonical"
)

// NodeSpec declares one node of a graph. IRStepID and IRStepHash are the
// back-references attached when the graph is bound to a validated IR; the
// diff-audit gate refuses to pass nodes that lack them.
type NodeSpec struct {
	NodeID         string         `json:"node_id"`
	NodeType       string         `json:"node_type"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Capabilities   []string       `json:"capabilities,omitempty"`
	ExecutorClass  string         `json:"executor_class"`
	ExecutorParams map[string]any `json:"executor_params,omitempty"`
	Critical       bool           `json:"critical,omitempty"`
	IRStepID       string         `json:"ir_step_id,omitempty"`
	IRStepHash     string         `json:"ir_step_hash,omitempty"`
}

// Spec is one executable graph.
type Spec struct {
	GraphID          string     `json:"graph_id"`
	BusinessIntentID string     `json:"business_intent_id,omitempty"`
	Nodes            []NodeSpec `json:"nodes"`
	DryRun           bool       `json:"dry_run,omitempty"`
	AutoRollback     bool       `json:"auto_rollback,omitempty"`
	StopOnFirstError bool       `json:"stop_on_first_error,omitempty"`
}

// Validate checks the structural invariants that must hold before any
// topology or execution work: non-empty id, at least one node, unique node
// ids, executor class on every node.
func (s *Spec) Validate() error {
	if s.GraphID == "" {
		return fmt.Errorf("graph_id is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("graph %s has no nodes", s.GraphID)
	}
	seen := make(map[string]struct{}, len(s.Nodes))
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.NodeID == "" {
			return fmt.Errorf("graph %s: node %d has no node_id", s.GraphID, i)
		}
		if _, dup := seen[n.NodeID]; dup {
			return fmt.Errorf("graph %s: duplicate node_id %s", s.GraphID, n.NodeID)
		}
		seen[n.NodeID] = struct{}{}
		if n.ExecutorClass == "" {
			return fmt.Errorf("graph %s: node %s has no executor_class", s.GraphID, n.NodeID)
		}
	}
	return nil
}

// dagBinding is the canonical hashing shape for one bound node.
type dagBinding struct {
	IRStepID   string `json:"ir_step_id"`
	IRStepHash string `json:"ir_step_hash"`
}

// DAGHash commits to the IR bindings of a graph: SHA-256 over the canonical
// list of {ir_step_id, ir_step_hash} sorted by step id. A node missing either
// field is an error, not an empty entry.
func DAGHash(nodes []NodeSpec) (string, error) {
	bindings := make([]dagBinding, 0, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.IRStepID == "" || n.IRStepHash == "" {
			return "", fmt.Errorf("node %s is not bound to an IR step", n.NodeID)
		}
		bindings = append(bindings, dagBinding{IRStepID: n.IRStepID, IRStepHash: n.IRStepHash})
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].IRStepID < bindings[j].IRStepID })
	return canonical.Hash(bindings)
}
