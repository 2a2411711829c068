package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Sentinel errors for executor resolution.
var (
	ErrUnknownExecutor   = errors.New("unknown executor class")
	ErrNoMatchingVersion = errors.New("no registered version satisfies constraint")
)

// Factory builds a Node for one node spec.
type Factory func(spec NodeSpec) (Node, error)

type registration struct {
	version *semver.Version
	factory Factory
}

// Registry maps executor classes to versioned factories. Specs reference a
// class either bare ("echo", newest version wins) or with a semver constraint
// ("echo@^1.2"). Resolution failures block a run before any node executes.
type Registry struct {
	mu      sync.RWMutex
	classes map[string][]registration
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string][]registration)}
}

// Register adds a factory for class at version. Re-registering the exact
// same class and version is an error; runs must never silently change
// implementation under a pinned version.
func (r *Registry) Register(class, version string, factory Factory) error {
	if class == "" {
		return fmt.Errorf("executor class is required")
	}
	if strings.Contains(class, "@") {
		return fmt.Errorf("executor class %q must not contain a version constraint", class)
	}
	if factory == nil {
		return fmt.Errorf("executor class %s: factory is nil", class)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("executor class %s: bad version %q: %w", class, version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.classes[class] {
		if reg.version.Equal(v) {
			return fmt.Errorf("executor class %s version %s already registered", class, v)
		}
	}
	r.classes[class] = append(r.classes[class], registration{version: v, factory: factory})
	sort.Slice(r.classes[class], func(i, j int) bool {
		return r.classes[class][i].version.LessThan(r.classes[class][j].version)
	})
	return nil
}

// Resolve returns the factory for an executor reference: "class" picks the
// newest registered version, "class@constraint" the newest version satisfying
// the semver constraint.
func (r *Registry) Resolve(ref string) (Factory, error) {
	class := ref
	constraintExpr := ""
	if at := strings.Index(ref, "@"); at >= 0 {
		class, constraintExpr = ref[:at], ref[at+1:]
	}

	r.mu.RLock()
	regs := r.classes[class]
	r.mu.RUnlock()
	if len(regs) == 0 {
		return nil, fmt.Errorf("executor %q: %w", class, ErrUnknownExecutor)
	}

	if constraintExpr == "" {
		return regs[len(regs)-1].factory, nil
	}

	constraint, err := semver.NewConstraint(constraintExpr)
	if err != nil {
		return nil, fmt.Errorf("executor %q: bad constraint %q: %w", class, constraintExpr, err)
	}
	// Registrations are sorted ascending; walk from the newest down.
	for i := len(regs) - 1; i >= 0; i-- {
		if constraint.Check(regs[i].version) {
			return regs[i].factory, nil
		}
	}
	return nil, fmt.Errorf("executor %q constraint %q: %w", class, constraintExpr, ErrNoMatchingVersion)
}

// Classes returns the registered class names, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.classes))
	for class := range r.classes {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}
