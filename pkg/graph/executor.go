package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/capstanhq/capstan/pkg/audit"
	"github.com/capstanhq/capstan/pkg/eventstream"
	"github.com/capstanhq/capstan/pkg/governor"
)

// Executor runs graphs. It is safe for reuse across runs; everything a run
// owns (context, trail, governor counters) is created per ExecuteGraph call.
type Executor struct {
	registry  *Registry
	publisher eventstream.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithPublisher wires run lifecycle events onto the stream.
func WithPublisher(p eventstream.Publisher) ExecutorOption {
	return func(e *Executor) { e.publisher = p }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor constructs an executor over the given registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		now:      time.Now,
		logger:   slog.Default().With("component", "graph_executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteGraph runs spec to a Result. gov may be nil for an ungoverned run.
//
// Structural failures (invalid spec, unknown dependency, cycle, unresolvable
// executor class) return an error before any node runs. Once execution
// starts the answer is always a Result; node failures are recorded in it,
// never returned as errors.
func (e *Executor) ExecuteGraph(ctx context.Context, spec *Spec, gov *governor.Governor) (*Result, error) {
	if spec == nil {
		return nil, fmt.Errorf("graph spec is nil")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	order, err := TopoSort(spec.Nodes)
	if err != nil {
		return nil, err
	}

	specByID := make(map[string]*NodeSpec, len(spec.Nodes))
	for i := range spec.Nodes {
		specByID[spec.Nodes[i].NodeID] = &spec.Nodes[i]
	}

	// Resolve and instantiate every node up front. A graph that cannot be
	// fully built never starts; the kept instances also serve rollback.
	instances := make(map[string]Node, len(order))
	for _, id := range order {
		ns := specByID[id]
		factory, err := e.registry.Resolve(ns.ExecutorClass)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		node, err := factory(*ns)
		if err != nil {
			return nil, fmt.Errorf("node %s: executor %s: %w", id, ns.ExecutorClass, err)
		}
		instances[id] = node
	}

	trail := audit.NewTrail(audit.WithClock(e.now))
	rc := NewRunContext(spec.GraphID, spec.BusinessIntentID, spec.DryRun)
	if gov != nil {
		gov.Start()
	}

	startedAt := e.now().UTC()
	result := &Result{GraphID: spec.GraphID, StartedAt: startedAt}

	trail.Append("execution_graph_started", map[string]any{
		"graph_id":   spec.GraphID,
		"node_count": len(order),
		"dry_run":    spec.DryRun,
	})
	e.publish(ctx, spec, eventstream.TypeGraphStarted, map[string]any{
		"graph_id":   spec.GraphID,
		"node_count": len(order),
		"dry_run":    spec.DryRun,
	})

	var (
		completedOrder []string
		anyFailed      bool
		criticalFailed bool
		reason         string
	)

runLoop:
	for _, id := range order {
		ns := specByID[id]

		if err := ctx.Err(); err != nil {
			anyFailed = true
			msg := fmt.Sprintf("run cancelled before node %s: %v", id, err)
			if reason == "" {
				reason = msg
			}
			result.NodeResults = append(result.NodeResults, NodeResult{
				NodeID: id, Status: NodeFailed, Error: msg,
			})
			e.recordNodeFailure(ctx, spec, trail, id, msg)
			break
		}

		if gov != nil {
			ref := governor.NodeRef{ID: ns.NodeID, Type: ns.NodeType, Critical: ns.Critical}
			decision := gov.CheckNodeExecution(ctx, ref, spec.DryRun)
			switch decision.Kind {
			case governor.DecisionDegrade:
				result.NodeResults = append(result.NodeResults, NodeResult{
					NodeID: id, Status: NodeSkipped, Error: "degraded: " + decision.Reason,
				})
				trail.Append("execution_graph_node_degraded", map[string]any{
					"node_id": id, "reason": decision.Reason,
				})
				e.publish(ctx, spec, eventstream.TypeGraphNodeDegraded, map[string]any{
					"graph_id": spec.GraphID, "node_id": id, "reason": decision.Reason,
				})
				continue
			case governor.DecisionDeny, governor.DecisionRequireApproval:
				anyFailed = true
				if ns.Critical {
					criticalFailed = true
				}
				if reason == "" {
					reason = decision.Reason
				}
				result.NodeResults = append(result.NodeResults, NodeResult{
					NodeID: id, Status: NodeFailed, Error: decision.Reason,
				})
				e.recordNodeFailure(ctx, spec, trail, id, decision.Reason)
				break runLoop
			}
		}

		node := instances[id]
		caps := node.Capabilities()

		nodeStart := e.now().UTC()
		output, artifacts, runErr := e.runNode(ctx, node, ns, rc, spec.DryRun)
		nodeEnd := e.now().UTC()
		duration := nodeEnd.Sub(nodeStart)

		if runErr != nil {
			anyFailed = true
			if ns.Critical {
				criticalFailed = true
			}
			msg := runErr.Error()
			if reason == "" {
				reason = fmt.Sprintf("node %s failed: %s", id, msg)
			}
			result.NodeResults = append(result.NodeResults, NodeResult{
				NodeID:            id,
				Status:            NodeFailed,
				StartedAt:         &nodeStart,
				CompletedAt:       &nodeEnd,
				DurationSeconds:   duration.Seconds(),
				Error:             msg,
				RollbackAvailable: caps.Has(CapRollbackable),
			})
			e.recordNodeFailure(ctx, spec, trail, id, msg)
			if spec.StopOnFirstError || ns.Critical {
				break
			}
			continue
		}

		result.NodeResults = append(result.NodeResults, NodeResult{
			NodeID:            id,
			Status:            NodeCompleted,
			StartedAt:         &nodeStart,
			CompletedAt:       &nodeEnd,
			DurationSeconds:   duration.Seconds(),
			Success:           true,
			Output:            output,
			Artifacts:         artifacts,
			RollbackAvailable: caps.Has(CapRollbackable),
		})
		completedOrder = append(completedOrder, id)
		rc.AddArtifacts(artifacts...)
		trail.Append("node_completed", map[string]any{
			"node_id": id, "duration_s": duration.Seconds(), "dry_run": spec.DryRun,
		})

		if gov != nil {
			externalCalls := 0
			if caps.Has(CapExternal) {
				externalCalls = 1
			}
			gov.RecordNodeExecution(id, duration, externalCalls, spec.DryRun)
		}
	}

	success := !anyFailed

	// Compensation runs even when the run died to a deadline; a cancelled
	// parent context must not block cleanup of completed side effects.
	if !success && spec.AutoRollback && !spec.DryRun && len(completedOrder) > 0 {
		rollbackCtx := context.WithoutCancel(ctx)
		result.RollbackResults = e.rollback(rollbackCtx, spec, instances, rc, completedOrder, trail)
	}

	completedAt := e.now().UTC()
	completedCount := len(completedOrder)

	var status Status
	switch {
	case completedCount == len(spec.Nodes):
		status = StatusCompleted
	case anyFailed && (completedCount == 0 || criticalFailed):
		status = StatusFailed
	default:
		status = StatusPartial
	}

	result.Status = status
	result.Success = success
	result.CompletedOrder = completedOrder
	result.CompletedAt = completedAt
	result.DurationSeconds = completedAt.Sub(startedAt).Seconds()
	result.Reason = reason
	if gov != nil {
		summary := gov.Summary()
		result.GovernorSummary = &summary
	}

	trail.Append("execution_graph_completed", map[string]any{
		"graph_id":        spec.GraphID,
		"status":          string(status),
		"success":         success,
		"completed_count": completedCount,
		"node_count":      len(spec.Nodes),
		"duration_s":      result.DurationSeconds,
	})
	e.publish(ctx, spec, eventstream.TypeGraphCompleted, map[string]any{
		"graph_id":        spec.GraphID,
		"status":          string(status),
		"success":         success,
		"completed_count": completedCount,
		"node_count":      len(spec.Nodes),
		"duration_s":      result.DurationSeconds,
	})
	result.AuditTrail = trail.Snapshot()
	return result, nil
}

// runNode performs the precondition check and the mode-appropriate phase.
// A dry-run against a node that does not declare DRY_RUN fails closed.
func (e *Executor) runNode(ctx context.Context, node Node, ns *NodeSpec, rc *RunContext, dryRun bool) (map[string]any, []Artifact, error) {
	if err := node.ValidateBeforeExecution(ctx, rc); err != nil {
		return nil, nil, fmt.Errorf("pre-execution validation failed: %w", err)
	}
	if dryRun {
		if !node.Capabilities().Has(CapDryRun) {
			return nil, nil, fmt.Errorf("node %s does not declare the DRY_RUN capability", ns.NodeID)
		}
		return node.DryRun(ctx, rc)
	}
	return node.Execute(ctx, rc)
}

// rollback compensates completed nodes in reverse completion order. Nodes
// without ROLLBACKABLE are skipped; a failing rollback never stops the rest.
func (e *Executor) rollback(ctx context.Context, spec *Spec, instances map[string]Node, rc *RunContext, completedOrder []string, trail *audit.Trail) []RollbackResult {
	trail.Append("execution_graph_rollback_started", map[string]any{
		"graph_id": spec.GraphID, "count": len(completedOrder),
	})
	e.publish(ctx, spec, eventstream.TypeGraphRollbackStarted, map[string]any{
		"graph_id": spec.GraphID, "count": len(completedOrder),
	})

	out := make([]RollbackResult, 0, len(completedOrder))
	for i := len(completedOrder) - 1; i >= 0; i-- {
		id := completedOrder[i]
		node := instances[id]

		if !node.Capabilities().Has(CapRollbackable) {
			e.logger.Info("rollback skipped", "graph_id", spec.GraphID, "node_id", id, "reason", "not rollbackable")
			trail.Append("rollback_node_skipped", map[string]any{"node_id": id})
			out = append(out, RollbackResult{NodeID: id, Skipped: true, Reason: "node is not rollbackable"})
			continue
		}
		if err := node.Rollback(ctx, rc); err != nil {
			e.logger.Error("rollback failed", "graph_id", spec.GraphID, "node_id", id, "err", err)
			trail.Append("rollback_node_failed", map[string]any{"node_id": id, "error": err.Error()})
			out = append(out, RollbackResult{NodeID: id, Error: err.Error()})
			continue
		}
		trail.Append("rollback_node_completed", map[string]any{"node_id": id})
		out = append(out, RollbackResult{NodeID: id, Success: true})
	}

	trail.Append("execution_graph_rollback_completed", map[string]any{
		"graph_id": spec.GraphID, "count": len(out),
	})
	e.publish(ctx, spec, eventstream.TypeGraphRollbackCompleted, map[string]any{
		"graph_id": spec.GraphID, "count": len(out),
	})
	return out
}

func (e *Executor) recordNodeFailure(ctx context.Context, spec *Spec, trail *audit.Trail, nodeID, msg string) {
	trail.Append("execution_graph_node_failed", map[string]any{
		"node_id": nodeID, "error": msg,
	})
	e.publish(ctx, spec, eventstream.TypeGraphNodeFailed, map[string]any{
		"graph_id": spec.GraphID, "node_id": nodeID, "error": msg,
	})
}

// publish emits a run lifecycle event. The context is detached so end-of-run
// events still go out after a deadline killed the run itself.
func (e *Executor) publish(ctx context.Context, spec *Spec, eventType string, payload map[string]any) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(context.WithoutCancel(ctx), &eventstream.Event{
		Type:          eventType,
		Source:        "graph_executor",
		TaskID:        spec.GraphID,
		MissionID:     spec.BusinessIntentID,
		CorrelationID: spec.GraphID,
		Payload:       payload,
	})
}
