// Package evidence seals the complete account of one governed run into a
// portable, hash-committed pack: the graph that ran, the result, the chained
// audit trail, and the governance metadata that authorized it.
//
// Packs never carry approval token material or unredacted secret-bearing
// params. ContentHash covers everything except itself and the attestation,
// so any holder can re-verify a pack offline.
package evidence

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capstanhq/capstan/pkg/audit"
	"github.com/capstanhq/capstan/pkg/canonical"
	"github.com/capstanhq/capstan/pkg/graph"
)

// Pack is one sealed evidence pack. ContentHash is declared last so the
// hashed region reads as "everything above it"; Attestation sits outside the
// hashed region and is applied after sealing.
type Pack struct {
	PackID        string    `json:"pack_id"`
	FormatVersion string    `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
	KernelVersion string    `json:"kernel_version"`
	TenantID      string    `json:"tenant_id,omitempty"`

	// Governance metadata for the run.
	IRHash           string `json:"ir_hash,omitempty"`
	ValidationStatus string `json:"validation_status,omitempty"`
	ApprovalID       string `json:"approval_id,omitempty"`
	ResolvedIntent   string `json:"resolved_intent,omitempty"`

	// What ran and what happened.
	GraphSpec       *graph.Spec   `json:"graph_spec,omitempty"`
	ExecutionResult *graph.Result `json:"execution_result"`

	// The run's audit trail, hash-chained, plus its Merkle commitment.
	AuditEvents     []audit.ChainedEntry `json:"audit_events"`
	AuditMerkleRoot string               `json:"audit_merkle_root,omitempty"`

	ContentHash string `json:"content_hash"`

	Attestation *Attestation `json:"attestation,omitempty"`
}

// Attestation is an Ed25519 signature over ContentHash, applied by a
// tenant-derived key after the pack is sealed.
type Attestation struct {
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"`
}

const formatVersion = "1.0.0"

// defaultRedactKeys are the executor_params keys blanked out of stored graph
// specs unless the builder is configured otherwise.
var defaultRedactKeys = []string{"token", "secret", "password", "api_key"}

// Builder assembles and seals evidence packs.
type Builder struct {
	kernelVersion string
	redactKeys    []string
	now           func() time.Time
	newID         func() string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBuilderClock injects the pack timestamp source.
func WithBuilderClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithRedactKeys replaces the default executor_params redaction list.
func WithRedactKeys(keys []string) BuilderOption {
	return func(b *Builder) { b.redactKeys = keys }
}

// WithIDSource injects the pack id source.
func WithIDSource(newID func() string) BuilderOption {
	return func(b *Builder) { b.newID = newID }
}

// NewBuilder constructs a pack builder stamped with the kernel version.
func NewBuilder(kernelVersion string, opts ...BuilderOption) *Builder {
	b := &Builder{
		kernelVersion: kernelVersion,
		redactKeys:    defaultRedactKeys,
		now:           time.Now,
		newID:         func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildOption adds metadata to one pack.
type BuildOption func(*Pack)

// WithGraphSpec embeds the executed graph. The stored copy has its
// executor_params redacted; the caller's spec is never mutated.
func WithGraphSpec(spec *graph.Spec) BuildOption {
	return func(p *Pack) { p.GraphSpec = spec }
}

// WithIRMetadata records which validated IR authorized the run.
func WithIRMetadata(irHash, validationStatus, approvalID string) BuildOption {
	return func(p *Pack) {
		p.IRHash = irHash
		p.ValidationStatus = validationStatus
		p.ApprovalID = approvalID
	}
}

// WithTenant records the owning tenant.
func WithTenant(tenantID string) BuildOption {
	return func(p *Pack) { p.TenantID = tenantID }
}

// WithResolvedIntent records the human-readable intent behind the run.
func WithResolvedIntent(intent string) BuildOption {
	return func(p *Pack) { p.ResolvedIntent = intent }
}

// Build seals a pack over an execution result. The result's audit trail is
// hash-chained and committed under a Merkle root; the graph spec, when
// attached, is deep-copied with secret-bearing executor_params redacted.
func (b *Builder) Build(result *graph.Result, opts ...BuildOption) (*Pack, error) {
	if result == nil {
		return nil, fmt.Errorf("evidence: execution result is required")
	}

	pack := &Pack{
		PackID:        b.newID(),
		FormatVersion: formatVersion,
		CreatedAt:     b.now().UTC(),
		KernelVersion: b.kernelVersion,
	}
	for _, opt := range opts {
		opt(pack)
	}

	chain, err := audit.Chain(result.AuditTrail)
	if err != nil {
		return nil, fmt.Errorf("evidence: audit chain failed: %w", err)
	}
	pack.AuditEvents = chain
	if len(chain) > 0 {
		root, err := audit.MerkleRoot(chain)
		if err != nil {
			return nil, fmt.Errorf("evidence: audit merkle root failed: %w", err)
		}
		pack.AuditMerkleRoot = root
	}

	// Store the result without its raw trail; the chained copy is the record.
	stored := *result
	stored.AuditTrail = nil
	pack.ExecutionResult = &stored

	if pack.GraphSpec != nil {
		pack.GraphSpec = redactSpec(pack.GraphSpec, b.redactKeys)
	}

	hash, err := contentHash(pack)
	if err != nil {
		return nil, err
	}
	pack.ContentHash = hash
	return pack, nil
}

// Verify reports whether the pack's content hash matches recomputation.
func Verify(pack *Pack) bool {
	return VerifyErr(pack) == nil
}

// VerifyErr re-derives the content hash and explains any mismatch.
func VerifyErr(pack *Pack) error {
	if pack == nil {
		return fmt.Errorf("evidence: nil pack")
	}
	if pack.ContentHash == "" {
		return fmt.Errorf("evidence: pack %s has no content hash", pack.PackID)
	}
	hash, err := contentHash(pack)
	if err != nil {
		return err
	}
	if hash != pack.ContentHash {
		return fmt.Errorf("evidence: pack %s content hash mismatch: stored %s, computed %s",
			pack.PackID, canonical.Truncate(pack.ContentHash), canonical.Truncate(hash))
	}
	if err := audit.VerifyChain(pack.AuditEvents); err != nil {
		return fmt.Errorf("evidence: pack %s: %w", pack.PackID, err)
	}
	if pack.AuditMerkleRoot != "" {
		root, err := audit.MerkleRoot(pack.AuditEvents)
		if err != nil {
			return fmt.Errorf("evidence: pack %s: %w", pack.PackID, err)
		}
		if root != pack.AuditMerkleRoot {
			return fmt.Errorf("evidence: pack %s audit merkle root mismatch", pack.PackID)
		}
	}
	return nil
}

// contentHash hashes a copy of the pack that excludes ContentHash and
// Attestation, via canonical JSON.
func contentHash(pack *Pack) (string, error) {
	hashable := struct {
		PackID           string               `json:"pack_id"`
		FormatVersion    string               `json:"format_version"`
		CreatedAt        time.Time            `json:"created_at"`
		KernelVersion    string               `json:"kernel_version"`
		TenantID         string               `json:"tenant_id,omitempty"`
		IRHash           string               `json:"ir_hash,omitempty"`
		ValidationStatus string               `json:"validation_status,omitempty"`
		ApprovalID       string               `json:"approval_id,omitempty"`
		ResolvedIntent   string               `json:"resolved_intent,omitempty"`
		GraphSpec        *graph.Spec          `json:"graph_spec,omitempty"`
		ExecutionResult  *graph.Result        `json:"execution_result"`
		AuditEvents      []audit.ChainedEntry `json:"audit_events"`
		AuditMerkleRoot  string               `json:"audit_merkle_root,omitempty"`
	}{
		PackID:           pack.PackID,
		FormatVersion:    pack.FormatVersion,
		CreatedAt:        pack.CreatedAt,
		KernelVersion:    pack.KernelVersion,
		TenantID:         pack.TenantID,
		IRHash:           pack.IRHash,
		ValidationStatus: pack.ValidationStatus,
		ApprovalID:       pack.ApprovalID,
		ResolvedIntent:   pack.ResolvedIntent,
		GraphSpec:        pack.GraphSpec,
		ExecutionResult:  pack.ExecutionResult,
		AuditEvents:      pack.AuditEvents,
		AuditMerkleRoot:  pack.AuditMerkleRoot,
	}

	hash, err := canonical.Hash(hashable)
	if err != nil {
		return "", fmt.Errorf("evidence: content hash failed: %w", err)
	}
	return hash, nil
}

// redactSpec deep-copies a graph spec with the listed executor_params keys
// replaced by "[REDACTED]". Matching is case-insensitive on the exact key.
func redactSpec(spec *graph.Spec, redactKeys []string) *graph.Spec {
	out := *spec
	out.Nodes = make([]graph.NodeSpec, len(spec.Nodes))
	for i := range spec.Nodes {
		node := spec.Nodes[i]
		node.DependsOn = append([]string(nil), spec.Nodes[i].DependsOn...)
		node.Capabilities = append([]string(nil), spec.Nodes[i].Capabilities...)
		node.ExecutorParams = redactParams(spec.Nodes[i].ExecutorParams, redactKeys)
		out.Nodes[i] = node
	}
	return &out
}

func redactParams(params map[string]any, redactKeys []string) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if keyIsSensitive(k, redactKeys) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactParams(nested, redactKeys)
			continue
		}
		out[k] = v
	}
	return out
}

func keyIsSensitive(key string, redactKeys []string) bool {
	for _, r := range redactKeys {
		if strings.EqualFold(key, r) {
			return true
		}
	}
	return false
}
