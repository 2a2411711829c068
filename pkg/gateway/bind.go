package gateway

import (
	"github.com/capstanhq/capstan/pkg/graph"
	"github.com/capstanhq/capstan/pkg/ir"
)

// BindIR attaches IR back-references to a graph spec: each node gets the
// ir_step_id and ir_step_hash of its matching step. Matching is by the
// node's existing ir_step_id when present, otherwise by node id.
//
// Binding only fills blanks. A node that already claims an ir_step_hash
// keeps its claim so the diff-audit gate can catch drift instead of having
// it silently repaired; a node matching no step stays unbound and fails the
// gate the same way. The caller's spec is never mutated.
func BindIR(spec *graph.Spec, doc *ir.IR) (*graph.Spec, error) {
	stepHashes := make(map[string]string, len(doc.Steps))
	for i := range doc.Steps {
		hash, err := doc.Steps[i].Hash()
		if err != nil {
			return nil, err
		}
		stepHashes[doc.Steps[i].Key(i)] = hash
	}

	out := *spec
	out.Nodes = make([]graph.NodeSpec, len(spec.Nodes))
	copy(out.Nodes, spec.Nodes)

	for i := range out.Nodes {
		node := &out.Nodes[i]

		key := node.IRStepID
		if key == "" {
			key = node.NodeID
		}
		hash, ok := stepHashes[key]
		if !ok {
			continue
		}
		if node.IRStepID == "" {
			node.IRStepID = key
		}
		if node.IRStepHash == "" {
			node.IRStepHash = hash
		}
	}
	return &out, nil
}
