package diffaudit

import (
	"context"

	"github.com/capstanhq/capstan/pkg/eventstream"
	"github.com/capstanhq/capstan/pkg/graph"
	"github.com/capstanhq/capstan/pkg/ir"
)

// Service wraps the pure check with audit event publication. The emitted
// payload carries counts only; step ids and hashes stay in the Report
// returned to the caller.
type Service struct {
	publisher eventstream.Publisher
}

// NewService constructs a diff-audit service. publisher may be nil in tests
// and tooling that only need the report.
func NewService(publisher eventstream.Publisher) *Service {
	return &Service{publisher: publisher}
}

// Check runs the IR-to-DAG comparison and emits ir.dag_diff_ok or
// ir.dag_diff_failed.
func (s *Service) Check(ctx context.Context, doc *ir.IR, nodes []graph.NodeSpec) Report {
	rep := Check(doc, nodes)

	if s.publisher != nil {
		eventType := eventstream.TypeDAGDiffOK
		if !rep.Success {
			eventType = eventstream.TypeDAGDiffFailed
		}
		s.publisher.Publish(ctx, &eventstream.Event{
			Type:          eventType,
			Source:        "diff_audit",
			TenantID:      doc.TenantID,
			CorrelationID: doc.RequestID,
			Payload: map[string]any{
				"step_count":     len(doc.Steps),
				"node_count":     len(nodes),
				"missing_count":  len(rep.MissingIRSteps),
				"extra_count":    len(rep.ExtraDAGNodes),
				"mismatch_count": len(rep.HashMismatches),
				"error_count":    len(rep.Errors),
			},
		})
	}
	return rep
}
