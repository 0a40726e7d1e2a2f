package models

import (
	"time"

	"github.com/google/uuid"
)

// KillEvent is the structured notification emitted exactly once when a
// session transitions to its terminal state
type KillEvent struct {
	SessionID       uuid.UUID         `json:"session_id"`
	AgentID         string            `json:"agent_id"`
	Reason          string            `json:"kill_reason"`
	TotalCost       float64           `json:"total_cost"`
	ActionCount     int               `json:"action_count"`
	ViolationCounts map[string]int    `json:"violation_counts"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// NewKillEvent builds a kill event from a terminal session snapshot
func NewKillEvent(snapshot Session) KillEvent {
	return KillEvent{
		SessionID:       snapshot.ID,
		AgentID:         snapshot.AgentID,
		Reason:          snapshot.KillReason,
		TotalCost:       snapshot.TotalCost,
		ActionCount:     snapshot.ActionCount,
		ViolationCounts: snapshot.ViolationCounts,
		Metadata:        snapshot.Metadata,
		Timestamp:       time.Now(),
	}
}

// AlertEvent is the non-terminal notification emitted when a session crosses
// a soft threshold (budget utilization, alert-mode violation thresholds).
// It is distinct from KillEvent: the session stays active.
type AlertEvent struct {
	SessionID   uuid.UUID `json:"session_id"`
	AgentID     string    `json:"agent_id"`
	Reason      string    `json:"reason"`
	TotalCost   float64   `json:"total_cost"`
	BudgetLimit float64   `json:"budget_limit,omitempty"`
	Utilization float64   `json:"utilization,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
