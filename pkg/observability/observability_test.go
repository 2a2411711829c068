package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "capstan", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewDisabledProviderIsUsable(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Instruments are nil when disabled; the record paths must not panic.
	ctx := context.Background()
	p.RecordRequest(ctx)
	p.RecordError(ctx, errors.New("boom"))

	opCtx, done := p.TrackOperation(ctx, "capstan.run", RunAttrs("acme", "g1", true)...)
	require.NotNil(t, opCtx)
	done(errors.New("boom"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestRunAttrs(t *testing.T) {
	attrs := RunAttrs("acme", "deploy-graph", true)
	require.Len(t, attrs, 3)
	assert.Equal(t, AttrTenantID, attrs[0].Key)
	assert.Equal(t, "acme", attrs[0].Value.AsString())
	assert.True(t, attrs[2].Value.AsBool())
}

func TestGateAndPackAttrs(t *testing.T) {
	gate := GateAttrs("a1b2c3d4e5f6", "ESCALATE", "approval_required")
	require.Len(t, gate, 3)
	assert.Equal(t, attribute.Key("capstan.ir.hash"), gate[0].Key)
	assert.Equal(t, "ESCALATE", gate[1].Value.AsString())

	pack := PackAttrs("pack-1", "f6e5d4c3b2a1")
	require.Len(t, pack, 2)
	assert.Equal(t, "pack-1", pack[0].Value.AsString())
}

func TestAddSpanEventWithoutSpanIsNoop(t *testing.T) {
	// No span in context: must not panic.
	AddSpanEvent(context.Background(), "gate.refused", NodeAttrs("n1", "echo", "FAILED")...)
}
