package graph

import (
	"time"

	"github.com/capstanhq/capstan/pkg/audit"
	"github.com/capstanhq/capstan/pkg/governor"
)

// NodeStatus is the lifecycle state of one node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodePartial   NodeStatus = "partial"
	NodeSkipped   NodeStatus = "skipped"
)

// NodeResult records one node's outcome. For skipped (degraded) and blocked
// nodes, Error carries the governor's reason.
type NodeResult struct {
	NodeID            string         `json:"node_id"`
	Status            NodeStatus     `json:"status"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds   float64        `json:"duration_s"`
	Success           bool           `json:"success"`
	Output            map[string]any `json:"output,omitempty"`
	Artifacts         []Artifact     `json:"artifacts,omitempty"`
	Error             string         `json:"error,omitempty"`
	RollbackAvailable bool           `json:"rollback_available"`
}

// RollbackResult records one rollback attempt during compensation.
type RollbackResult struct {
	NodeID  string `json:"node_id"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Status is the final verdict for a whole run.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusPartial   Status = "PARTIAL"
)

// Result is the full account of one run: per-node results in execution
// order, the actual completion order (rollback iterates it in reverse), any
// compensation attempts, and the run's ordered audit trail.
//
// Success means no node failed; a degraded (skipped) node does not break a
// run. Status is stricter: COMPLETED requires every node to have completed.
type Result struct {
	GraphID         string            `json:"graph_id"`
	Status          Status            `json:"status"`
	Success         bool              `json:"success"`
	NodeResults     []NodeResult      `json:"node_results"`
	CompletedOrder  []string          `json:"completed_order,omitempty"`
	RollbackResults []RollbackResult  `json:"rollback_results,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     time.Time         `json:"completed_at"`
	DurationSeconds float64           `json:"duration_s"`
	Reason          string            `json:"reason,omitempty"`
	GovernorSummary *governor.Summary `json:"governor_summary,omitempty"`
	AuditTrail      []audit.Entry     `json:"audit_trail,omitempty"`
}

// NodeResultFor returns the result for nodeID, if the node was reached.
func (r *Result) NodeResultFor(nodeID string) (*NodeResult, bool) {
	for i := range r.NodeResults {
		if r.NodeResults[i].NodeID == nodeID {
			return &r.NodeResults[i], true
		}
	}
	return nil, false
}
