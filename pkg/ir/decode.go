package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchema is the structural contract for inbound IR documents. Unknown
// top-level and per-step fields reject (fail-closed). Presence and semantic
// checks (tenant set, steps non-empty, vocabulary membership, budget sign)
// belong to the validator so callers receive structured violations instead of
// decode errors.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "tenant_id": {"type": "string"},
    "request_id": {"type": "string"},
    "created_at": {"type": "string"},
    "labels": {"type": "object", "additionalProperties": {"type": "string"}},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "action": {"type": "string"},
          "provider": {"type": "string"},
          "resource": {"type": "string"},
          "params": {"type": "object"},
          "idempotency_key": {"type": "string"},
          "constraints": {
            "type": "object",
            "properties": {"environment": {"type": "string"}}
          },
          "budget_cents": {"type": "integer"},
          "step_id": {"type": "string"},
          "description": {"type": "string"},
          "risk_tier": {"type": "integer"},
          "requires_approval": {"type": "boolean"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://capstan.schemas.local/ir.schema.json"
		if err := c.AddResource(url, strings.NewReader(documentSchema)); err != nil {
			schemaErr = fmt.Errorf("ir schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(url)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("ir schema compile failed: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// DecodeOption adjusts decoding defaults.
type DecodeOption func(*decodeOptions)

type decodeOptions struct {
	now func() time.Time
}

// WithClock overrides the clock used to default created_at. Tests inject a
// fixed clock for stable hashes.
func WithClock(now func() time.Time) DecodeOption {
	return func(o *decodeOptions) { o.now = now }
}

// Decode parses and structurally validates an IR document.
//
// Decoding is fail-closed: documents carrying unknown fields, non-integer
// budget_cents, or mistyped members are rejected here. risk_tier and
// requires_approval from the wire are dropped; only the validator assigns
// them. request_id is generated when absent and created_at defaults to now.
func Decode(data []byte, opts ...DecodeOption) (*IR, error) {
	o := decodeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s, err := schema()
	if err != nil {
		return nil, err
	}

	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("ir decode failed: %w", err)
	}
	if err := s.Validate(raw); err != nil {
		return nil, fmt.Errorf("ir rejected by schema: %w", err)
	}

	var doc IR
	dec = json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("ir decode failed: %w", err)
	}

	// Validator-computed fields on input are untrusted.
	for i := range doc.Steps {
		doc.Steps[i].RiskTier = 0
		doc.Steps[i].RequiresApproval = false
	}

	if doc.RequestID == "" {
		doc.RequestID = uuid.New().String()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = o.now().UTC()
	}
	doc.Normalize()
	return &doc, nil
}
