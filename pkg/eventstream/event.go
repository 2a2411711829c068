// Package eventstream provides the ordered append log, channel fan-out, and
// idempotent consumer loop that connect the governance kernel to the rest of
// the system.
//
// Delivery is at-least-once. Exactly-once effect is the consumer's
// responsibility via the processed_events dedup table, keyed strictly by the
// broker-assigned stream message id (event.id is audit metadata only).
package eventstream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the kernel.
const (
	TypeIRValidatedPass     = "ir.validated_pass"
	TypeIRValidatedEscalate = "ir.validated_escalate"
	TypeIRValidatedReject   = "ir.validated_reject"

	TypeApprovalCreated  = "ir.approval_created"
	TypeApprovalConsumed = "ir.approval_consumed"
	TypeApprovalInvalid  = "ir.approval_invalid"
	TypeApprovalExpired  = "ir.approval_expired"

	TypeDAGDiffOK     = "ir.dag_diff_ok"
	TypeDAGDiffFailed = "ir.dag_diff_failed"

	TypeGraphStarted           = "execution_graph_started"
	TypeGraphNodeDegraded      = "execution_graph_node_degraded"
	TypeGraphNodeFailed        = "execution_graph_node_failed"
	TypeGraphRollbackStarted   = "execution_graph_rollback_started"
	TypeGraphRollbackCompleted = "execution_graph_rollback_completed"
	TypeGraphCompleted         = "execution_graph_completed"

	TypeGovernorApprovalRequested = "governor.approval_requested"
	TypeGovernorApprovalResolved  = "governor.approval_resolved"
)

// Well-known channels. Events route to one channel by type prefix, or to a
// subscriber inbox when target is set.
const (
	ChannelMission = "mission"
	ChannelTask    = "task"
	ChannelEthics  = "ethics"
	ChannelSystem  = "system"
)

// Meta carries versioning and provenance for an event envelope.
type Meta struct {
	SchemaVersion int    `json:"schema_version"`
	Producer      string `json:"producer"`
	SourceModule  string `json:"source_module,omitempty"`
}

// Event is the mandatory envelope for everything published on the stream.
//
// ID is assigned by the publisher for audit correlation; it is never the
// dedup key. The dedup key is the stream message id assigned by the broker.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	Target        string         `json:"target,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	TenantID      string         `json:"tenant_id,omitempty"`
	ActorID       string         `json:"actor_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	MissionID     string         `json:"mission_id,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	Meta          *Meta          `json:"meta,omitempty"`
}

// Normalize fills envelope defaults before publish: id, UTC timestamp, meta.
func (e *Event) Normalize(producer string) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	if e.Meta == nil {
		e.Meta = &Meta{SchemaVersion: 1, Producer: producer}
	}
	if e.Meta.SchemaVersion == 0 {
		e.Meta.SchemaVersion = 1
	}
	if e.Meta.Producer == "" {
		e.Meta.Producer = producer
	}
}

// Encode serializes the envelope for the wire.
func (e *Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event encode failed: %w", err)
	}
	return data, nil
}

// DecodeEvent parses a wire envelope. Events without meta are treated as
// schema_version=1 from a legacy producer.
func DecodeEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("event decode failed: %w", err)
	}
	if evt.Meta == nil {
		evt.Meta = &Meta{SchemaVersion: 1, Producer: "legacy"}
	}
	return &evt, nil
}
