package graph

import (
	"sync"
)

// KV is one entry of the shared run state, in insertion order.
type KV struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// RunContext is the per-run container nodes share: graph identity, the
// dry-run flag, ordered key/value state, and produced artifacts. The
// executor is the single writer of results; nodes write state and artifacts
// only through these accessors while they run.
type RunContext struct {
	GraphID          string
	BusinessIntentID string
	DryRun           bool

	mu        sync.RWMutex
	order     []string
	values    map[string]any
	artifacts []Artifact
}

// NewRunContext builds the shared context for one run.
func NewRunContext(graphID, businessIntentID string, dryRun bool) *RunContext {
	return &RunContext{
		GraphID:          graphID,
		BusinessIntentID: businessIntentID,
		DryRun:           dryRun,
		values:           make(map[string]any),
	}
}

// Set stores a value under key. Keys keep their first-insertion position on
// overwrite so snapshots reflect execution order.
func (rc *RunContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.values[key]; !exists {
		rc.order = append(rc.order, key)
	}
	rc.values[key] = value
}

// Get returns the value stored under key.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.values[key]
	return v, ok
}

// Snapshot returns the shared state in insertion order.
func (rc *RunContext) Snapshot() []KV {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]KV, 0, len(rc.order))
	for _, key := range rc.order {
		out = append(out, KV{Key: key, Value: rc.values[key]})
	}
	return out
}

// AddArtifacts appends produced artifacts in completion order.
func (rc *RunContext) AddArtifacts(arts ...Artifact) {
	if len(arts) == 0 {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.artifacts = append(rc.artifacts, arts...)
}

// Artifacts returns a copy of everything produced so far.
func (rc *RunContext) Artifacts() []Artifact {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]Artifact, len(rc.artifacts))
	copy(out, rc.artifacts)
	return out
}
