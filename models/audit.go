package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEventKind represents the kind of event an audit record captures
type AuditEventKind string

const (
	AuditEventSessionCreated AuditEventKind = "session_created"
	AuditEventAction         AuditEventKind = "action"
	AuditEventViolation      AuditEventKind = "violation"
	AuditEventAlert          AuditEventKind = "alert"
	AuditEventKill           AuditEventKind = "kill"
)

// AuditRecord represents one immutable entry in the audit trail. Sequence is
// assigned by the audit logger, per session, strictly increasing and gap-free;
// Snapshot copies the session state as produced by the mutation that triggered
// the record.
type AuditRecord struct {
	ID        uuid.UUID       `json:"id"`
	Sequence  uint64          `json:"sequence_number"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID uuid.UUID       `json:"session_id"`
	AgentID   string          `json:"agent_id"`
	Kind      AuditEventKind  `json:"event_kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Snapshot  Session         `json:"session_snapshot"`
}

// NewAuditRecord creates a record for an event against a session snapshot
func NewAuditRecord(kind AuditEventKind, snapshot Session) *AuditRecord {
	return &AuditRecord{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		SessionID: snapshot.ID,
		AgentID:   snapshot.AgentID,
		Kind:      kind,
		Snapshot:  snapshot,
	}
}

// WithPayload attaches event-specific details to the record
func (r *AuditRecord) WithPayload(v interface{}) *AuditRecord {
	if data, err := json.Marshal(v); err == nil {
		r.Payload = data
	}
	return r
}

// ActionPayload is the payload for action-kind records
type ActionPayload struct {
	Action        string  `json:"action"`
	Cost          float64 `json:"cost,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
	Allowed       bool    `json:"allowed"`
	Reason        string  `json:"reason,omitempty"`
}

// ViolationPayload is the payload for violation-kind records
type ViolationPayload struct {
	ViolationType string `json:"violation_type"`
	Count         int    `json:"count"`
	Threshold     int    `json:"threshold,omitempty"` // zero when the type is unmonitored
}

// AlertPayload is the payload for alert-kind records
type AlertPayload struct {
	Reason      string  `json:"reason"`
	Utilization float64 `json:"utilization,omitempty"`
}

// KillPayload is the payload for kill-kind records
type KillPayload struct {
	Reason string `json:"reason"`
}
