//go:build property
// +build property

// Package canonical_test contains property-based tests for hash determinism.
package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/capstanhq/capstan/pkg/canonical"
)

// TestHashDeterminism verifies the content hash is a pure function of the
// document: Hash(obj) == Hash(obj) for any obj.
func TestHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			h1, err1 := canonical.Hash(obj)
			h2, err2 := canonical.Hash(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestHashKeyOrderIndependence verifies insertion order never leaks into the
// canonical form: maps built in reverse order hash identically.
func TestHashKeyOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash independent of construction order", prop.ForAll(
		func(keys []string, values []string) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}

			forward := make(map[string]any)
			for i := 0; i < n; i++ {
				forward[keys[i]] = values[i]
			}
			backward := make(map[string]any)
			for i := n - 1; i >= 0; i-- {
				backward[keys[i]] = values[i]
			}

			h1, err1 := canonical.Hash(forward)
			h2, err2 := canonical.Hash(backward)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
