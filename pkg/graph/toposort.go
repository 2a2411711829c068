package graph

import (
	"errors"
	"fmt"
	"sort"
)

// Topology errors. Both reject a graph before any node is instantiated.
var (
	ErrCycle             = errors.New("dependency cycle")
	ErrMissingDependency = errors.New("missing dependency")
)

// TopoSort orders node ids so every node comes after all of its
// depends_on predecessors (Kahn's algorithm). Ties break lexicographically
// so the order is deterministic for a given spec.
func TopoSort(nodes []NodeSpec) ([]string, error) {
	known := make(map[string]struct{}, len(nodes))
	for i := range nodes {
		known[nodes[i].NodeID] = struct{}{}
	}

	inDegree := make(map[string]int, len(nodes))
	successors := make(map[string][]string, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		inDegree[n.NodeID] += 0
		for _, dep := range n.DependsOn {
			if _, ok := known[dep]; !ok {
				return nil, fmt.Errorf("node %s depends on %s: %w", n.NodeID, dep, ErrMissingDependency)
			}
			if dep == n.NodeID {
				return nil, fmt.Errorf("node %s depends on itself: %w", n.NodeID, ErrCycle)
			}
			inDegree[n.NodeID]++
			successors[dep] = append(successors[dep], n.NodeID)
		}
	}

	ready := make([]string, 0, len(nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := false
		for _, succ := range successors[id] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready = append(ready, succ)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(nodes) {
		remaining := make([]string, 0)
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("nodes %v form a cycle: %w", remaining, ErrCycle)
	}
	return order, nil
}
