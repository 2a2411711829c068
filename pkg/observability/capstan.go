package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Capstan semantic convention attributes. Hash-valued attributes carry the
// truncated display form, never full digests or token material.
var (
	// Run attributes
	AttrTenantID = attribute.Key("capstan.tenant.id")
	AttrRunID    = attribute.Key("capstan.run.id")
	AttrGraphID  = attribute.Key("capstan.graph.id")
	AttrDryRun   = attribute.Key("capstan.run.dry_run")

	// Gate attributes
	AttrIRHash           = attribute.Key("capstan.ir.hash")
	AttrValidationStatus = attribute.Key("capstan.validation.status")
	AttrGateCode         = attribute.Key("capstan.gate.code")
	AttrApprovalID       = attribute.Key("capstan.approval.id")

	// Node attributes
	AttrNodeID     = attribute.Key("capstan.node.id")
	AttrNodeType   = attribute.Key("capstan.node.type")
	AttrNodeStatus = attribute.Key("capstan.node.status")

	// Evidence attributes
	AttrPackID      = attribute.Key("capstan.pack.id")
	AttrContentHash = attribute.Key("capstan.pack.content_hash")
)

// RunAttrs creates attributes for a graph run.
func RunAttrs(tenantID, graphID string, dryRun bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrGraphID.String(graphID),
		AttrDryRun.Bool(dryRun),
	}
}

// GateAttrs creates attributes for a governance gate outcome. irHash is the
// truncated display hash.
func GateAttrs(irHash, validationStatus, gateCode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIRHash.String(irHash),
		AttrValidationStatus.String(validationStatus),
		AttrGateCode.String(gateCode),
	}
}

// NodeAttrs creates attributes for a node outcome.
func NodeAttrs(nodeID, nodeType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrNodeID.String(nodeID),
		AttrNodeType.String(nodeType),
		AttrNodeStatus.String(status),
	}
}

// PackAttrs creates attributes for a sealed evidence pack. contentHash is
// the truncated display hash.
func PackAttrs(packID, contentHash string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPackID.String(packID),
		AttrContentHash.String(contentHash),
	}
}

// AddSpanEvent adds an event to the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
