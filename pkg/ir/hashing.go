package ir

import (
	"time"

	"github.com/capstanhq/capstan/pkg/canonical"
)

// stepDigest is the canonical hashing shape for a step. Validator-computed
// fields (risk_tier, requires_approval) are excluded so step hashes are
// stable across validation.
type stepDigest struct {
	Action         string         `json:"action"`
	Provider       string         `json:"provider,omitempty"`
	Resource       string         `json:"resource,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Constraints    map[string]any `json:"constraints,omitempty"`
	BudgetCents    *int64         `json:"budget_cents,omitempty"`
	StepID         string         `json:"step_id,omitempty"`
	Description    string         `json:"description,omitempty"`
}

// irDigest is the canonical hashing shape for a whole IR: steps are folded to
// their hashes so the document hash commits to every step without re-encoding
// step bodies.
type irDigest struct {
	TenantID  string            `json:"tenant_id"`
	Steps     []string          `json:"steps"`
	RequestID string            `json:"request_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Hash returns the step_hash: SHA-256 over the canonical step form with
// validator-computed fields excluded.
func (s *Step) Hash() (string, error) {
	return canonical.Hash(stepDigest{
		Action:         s.Action,
		Provider:       s.Provider,
		Resource:       s.Resource,
		Params:         s.Params,
		IdempotencyKey: s.IdempotencyKey,
		Constraints:    s.Constraints,
		BudgetCents:    s.BudgetCents,
		StepID:         s.StepID,
		Description:    s.Description,
	})
}

// Hash returns the ir_hash: SHA-256 over {tenant_id, steps:[step_hash...],
// request_id, created_at, labels} in canonical form.
func (d *IR) Hash() (string, error) {
	stepHashes := make([]string, 0, len(d.Steps))
	for i := range d.Steps {
		h, err := d.Steps[i].Hash()
		if err != nil {
			return "", err
		}
		stepHashes = append(stepHashes, h)
	}
	return canonical.Hash(irDigest{
		TenantID:  d.TenantID,
		Steps:     stepHashes,
		RequestID: d.RequestID,
		CreatedAt: d.CreatedAt.UTC(),
		Labels:    d.Labels,
	})
}
