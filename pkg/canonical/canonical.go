// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization and SHA-256 content hashing for governed artifacts.
//
// Every hash the kernel stores or compares (ir_hash, step_hash, dag_hash,
// evidence content_hash) is computed over the canonical form produced here, so
// two encoders that agree on the document agree on the hash.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v.
//
// v is first marshaled with encoding/json so struct tags and omitempty are
// honored, then transformed to canonical form: object keys sorted, ES6 number
// formatting, no HTML escaping, no insignificant whitespace.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase SHA-256 hex digest of the canonical JSON
// encoding of v. No algorithm prefix; hash fields are 64 hex characters.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String returns the canonical form of v as a string.
func String(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Truncate shortens a hex hash for audit messages and event payloads.
// Storage and equality checks always use the full hash; only operator-facing
// text truncates.
func Truncate(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
