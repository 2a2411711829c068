package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoFactory(marker string) Factory {
	return func(spec NodeSpec) (Node, error) {
		return &FuncNode{
			ExecuteFn: func(ctx context.Context, rc *RunContext) (map[string]any, []Artifact, error) {
				return map[string]any{"version": marker}, nil, nil
			},
		}, nil
	}
}

func execVersion(t *testing.T, f Factory) string {
	t.Helper()
	node, err := f(NodeSpec{NodeID: "n"})
	require.NoError(t, err)
	out, _, err := node.Execute(context.Background(), nil)
	require.NoError(t, err)
	return out["version"].(string)
}

func TestRegistry_BareClassPicksNewest(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", "1.0.0", echoFactory("1.0.0")))
	require.NoError(t, r.Register("echo", "1.2.0", echoFactory("1.2.0")))
	require.NoError(t, r.Register("echo", "1.1.5", echoFactory("1.1.5")))

	f, err := r.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", execVersion(t, f))
}

func TestRegistry_ConstraintPicksNewestSatisfying(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", "1.0.0", echoFactory("1.0.0")))
	require.NoError(t, r.Register("echo", "1.4.2", echoFactory("1.4.2")))
	require.NoError(t, r.Register("echo", "2.0.0", echoFactory("2.0.0")))

	f, err := r.Resolve("echo@^1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", execVersion(t, f))

	f, err = r.Resolve("echo@>=2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", execVersion(t, f))
}

func TestRegistry_UnknownClass(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("ghost")
	require.ErrorIs(t, err, ErrUnknownExecutor)
}

func TestRegistry_UnsatisfiableConstraint(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", "1.0.0", echoFactory("1.0.0")))

	_, err := r.Resolve("echo@^3.0")
	require.ErrorIs(t, err, ErrNoMatchingVersion)
}

func TestRegistry_BadConstraintRejects(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", "1.0.0", echoFactory("1.0.0")))

	_, err := r.Resolve("echo@not-a-constraint")
	require.Error(t, err)
}

func TestRegistry_DuplicateVersionRejects(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", "1.0.0", echoFactory("a")))
	err := r.Register("echo", "1.0.0", echoFactory("b"))
	require.Error(t, err)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("", "1.0.0", echoFactory("x")))
	assert.Error(t, r.Register("echo@^1", "1.0.0", echoFactory("x")))
	assert.Error(t, r.Register("echo", "not-semver", echoFactory("x")))
	assert.Error(t, r.Register("echo", "1.0.0", nil))
}

func TestRegistry_Classes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("writer", "1.0.0", echoFactory("x")))
	require.NoError(t, r.Register("echo", "1.0.0", echoFactory("x")))
	assert.Equal(t, []string{"echo", "writer"}, r.Classes())
}
