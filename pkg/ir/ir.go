// Package ir defines the canonical Intermediate Representation: the typed,
// deterministically hashable plan that every governed execution starts from.
//
// An IR is created externally (planner, API), decoded fail-closed, validated
// once, and immutable afterwards. The validator computes risk_tier and
// requires_approval; input values for those fields are never trusted.
package ir

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Action vocabulary. Unknown actions reject before any semantic validation.
const (
	ActionWebGenerateSite    = "web.generate_site"
	ActionDeployWebsite      = "deploy.website"
	ActionDNSCreateZone      = "dns.create_zone"
	ActionDNSUpdateRecords   = "dns.update_records"
	ActionDNSDeleteZone      = "dns.delete_zone"
	ActionERPInstallModule   = "erp.install_module"
	ActionERPUninstallModule = "erp.uninstall_module"
	ActionERPCreateRecord    = "erp.create_record"
	ActionERPUpdateRecord    = "erp.update_record"
	ActionERPDeleteRecord    = "erp.delete_record"
	ActionCourseCreate       = "course.create"
	ActionCoursePublish      = "course.publish"
	ActionInfraProvision     = "infra.provision"
	ActionInfraDestroy       = "infra.destroy"
)

// Provider vocabulary. Providers name the collaborator expected to carry out
// a step; concrete clients live outside the core.
const (
	ProviderDeployV1    = "deploy.provider_v1"
	ProviderWebStatic   = "web.static_gen"
	ProviderDNSHetzner  = "dns.hetzner"
	ProviderDNSCloudflr = "dns.cloudflare"
	ProviderERPOdoo     = "erp.odoo"
	ProviderLMSMoodle   = "lms.moodle"
	ProviderInfraHCloud = "infra.hetzner_cloud"
)

// KnownActions is the closed action vocabulary.
var KnownActions = map[string]bool{
	ActionWebGenerateSite:    true,
	ActionDeployWebsite:      true,
	ActionDNSCreateZone:      true,
	ActionDNSUpdateRecords:   true,
	ActionDNSDeleteZone:      true,
	ActionERPInstallModule:   true,
	ActionERPUninstallModule: true,
	ActionERPCreateRecord:    true,
	ActionERPUpdateRecord:    true,
	ActionERPDeleteRecord:    true,
	ActionCourseCreate:       true,
	ActionCoursePublish:      true,
	ActionInfraProvision:     true,
	ActionInfraDestroy:       true,
}

// KnownProviders is the closed provider vocabulary.
var KnownProviders = map[string]bool{
	ProviderDeployV1:    true,
	ProviderWebStatic:   true,
	ProviderDNSHetzner:  true,
	ProviderDNSCloudflr: true,
	ProviderERPOdoo:     true,
	ProviderLMSMoodle:   true,
	ProviderInfraHCloud: true,
}

// MaxIdempotencyKeyLen bounds idempotency_key length after trimming.
const MaxIdempotencyKeyLen = 200

// IR is an ordered plan of one or more steps owned by a tenant.
type IR struct {
	TenantID  string            `json:"tenant_id"`
	RequestID string            `json:"request_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Labels    map[string]string `json:"labels,omitempty"`
	Steps     []Step            `json:"steps"`
}

// Step is a single governed operation within an IR.
//
// RiskTier and RequiresApproval are computed by the validator; values present
// on input are dropped during decode.
type Step struct {
	Action         string         `json:"action"`
	Provider       string         `json:"provider,omitempty"`
	Resource       string         `json:"resource,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Constraints    map[string]any `json:"constraints,omitempty"`
	BudgetCents    *int64         `json:"budget_cents,omitempty"`
	StepID         string         `json:"step_id,omitempty"`
	Description    string         `json:"description,omitempty"`

	RiskTier         int  `json:"risk_tier,omitempty"`
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// Environment returns the constraints.environment value, if set.
func (s *Step) Environment() string {
	if s.Constraints == nil {
		return ""
	}
	if v, ok := s.Constraints["environment"].(string); ok {
		return v
	}
	return ""
}

// Key returns the identifier used to correlate this step with a DAG node:
// step_id when present, otherwise the decimal step index.
func (s *Step) Key(index int) string {
	if s.StepID != "" {
		return s.StepID
	}
	return fmt.Sprintf("%d", index)
}

// Normalize trims whitespace from idempotency keys and forces created_at to
// UTC. It does not validate; the validator owns semantic checks.
func (d *IR) Normalize() {
	d.CreatedAt = d.CreatedAt.UTC()
	for i := range d.Steps {
		d.Steps[i].IdempotencyKey = strings.TrimSpace(d.Steps[i].IdempotencyKey)
	}
}

// ValidTenantID reports whether a tenant id is structurally acceptable:
// non-empty with no control characters.
func ValidTenantID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
