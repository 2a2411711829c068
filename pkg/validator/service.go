package validator

import (
	"context"

	"github.com/capstanhq/capstan/pkg/eventstream"
	"github.com/capstanhq/capstan/pkg/ir"
)

// Service wraps the pure Validator with the side effects the kernel needs:
// stamping computed fields onto the IR and publishing audit events. The IR is
// considered immutable once this returns.
type Service struct {
	validator *Validator
	publisher eventstream.Publisher
}

// NewService constructs a validation service. publisher may be nil in tests
// and tooling that only need the decision.
func NewService(v *Validator, publisher eventstream.Publisher) *Service {
	return &Service{validator: v, publisher: publisher}
}

// Validate runs the pure validator, assigns each step its computed risk_tier
// and requires_approval, and emits ir.validated_pass|escalate|reject.
func (s *Service) Validate(ctx context.Context, doc *ir.IR) Result {
	res := s.validator.Validate(doc)

	for i := range doc.Steps {
		if i < len(res.StepRiskTiers) {
			doc.Steps[i].RiskTier = res.StepRiskTiers[i]
			doc.Steps[i].RequiresApproval = res.StepRiskTiers[i] >= 2
		}
	}

	if s.publisher != nil {
		s.publisher.Publish(ctx, &eventstream.Event{
			Type:          eventType(res.Status),
			Source:        "validator",
			TenantID:      doc.TenantID,
			CorrelationID: doc.RequestID,
			Payload: map[string]any{
				"ir_hash":           res.IRHash,
				"status":            string(res.Status),
				"risk_tier":         res.RiskTier,
				"requires_approval": res.RequiresApproval,
				"violation_count":   len(res.Violations),
			},
		})
	}
	return res
}

func eventType(status Status) string {
	switch status {
	case StatusEscalate:
		return eventstream.TypeIRValidatedEscalate
	case StatusReject:
		return eventstream.TypeIRValidatedReject
	default:
		return eventstream.TypeIRValidatedPass
	}
}
