package gateway

import (
	"github.com/capstanhq/capstan/pkg/diffaudit"
	"github.com/capstanhq/capstan/pkg/validator"
)

// Gate error codes. Stable strings; outer layers map them to client errors.
const (
	CodeIRRequired       = "ir_required"
	CodeIRRejected       = "ir_rejected"
	CodeApprovalRequired = "approval_required"
	CodeApprovalConsume  = "approval_consume_failed"
	CodeDiffAuditFailed  = "diff_audit_failed"
)

// GateResult is the structured remainder of a refused execute call: how far
// the request got and what the governance layers decided.
type GateResult struct {
	Allowed          bool                  `json:"allowed"`
	IRHash           string                `json:"ir_hash,omitempty"`
	ValidationStatus validator.Status      `json:"validation_status,omitempty"`
	Violations       []validator.Violation `json:"violations,omitempty"`
	ApprovalID       string                `json:"approval_id,omitempty"`
	DiffReport       *diffaudit.Report     `json:"diff_report,omitempty"`
}

// GateError is a governed refusal. It is a client-side outcome, not an
// internal failure: the request was understood and denied.
type GateError struct {
	Code   string     `json:"error"`
	Reason string     `json:"reason"`
	Result GateResult `json:"gateway_result"`
}

func (e *GateError) Error() string {
	return e.Reason
}
