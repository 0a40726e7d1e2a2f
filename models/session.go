package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of a session
type SessionState string

const (
	SessionStateActive SessionState = "active"
	SessionStateKilled SessionState = "killed"
)

// Session represents one bounded execution context for an agent, accumulating
// cost, violations and actions until terminated. The mutable instance is owned
// exclusively by the session store; everything handed to callers is a copy.
type Session struct {
	ID              uuid.UUID         `json:"session_id"`
	AgentID         string            `json:"agent_id"`
	State           SessionState      `json:"state"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActionAt    time.Time         `json:"last_action_at,omitempty"`
	TotalCost       float64           `json:"total_cost"`
	ActionCount     int               `json:"action_count"`
	ViolationCounts map[string]int    `json:"violation_counts"`
	KillReason      string            `json:"kill_reason,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewSession creates a new active session with a generated ID. Metadata is
// copied; the caller keeps ownership of its map.
func NewSession(agentID string, metadata map[string]string) *Session {
	var meta map[string]string
	if metadata != nil {
		meta = make(map[string]string, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}
	}
	return &Session{
		ID:              uuid.New(),
		AgentID:         agentID,
		State:           SessionStateActive,
		CreatedAt:       time.Now(),
		ViolationCounts: make(map[string]int),
		Metadata:        meta,
	}
}

// Active reports whether the session can still accept mutations
func (s *Session) Active() bool {
	return s.State == SessionStateActive
}

// Snapshot returns a consistent, independent copy of the session.
// The caller must hold the session's lock when the instance is shared.
func (s *Session) Snapshot() Session {
	cp := *s
	cp.ViolationCounts = make(map[string]int, len(s.ViolationCounts))
	for k, v := range s.ViolationCounts {
		cp.ViolationCounts[k] = v
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// RecordAction applies a completed action to the cumulative state
func (s *Session) RecordAction(cost float64, at time.Time) {
	s.ActionCount++
	s.TotalCost += cost
	s.LastActionAt = at
}

// RecordViolation increments the count for a violation type and returns the
// new cumulative count. Absent types start at zero.
func (s *Session) RecordViolation(violationType string) int {
	s.ViolationCounts[violationType]++
	return s.ViolationCounts[violationType]
}

// Kill transitions the session to its terminal state. It returns false when
// the session is already terminal, in which case nothing changes: the kill
// reason is set exactly once and the counters are frozen from that point on.
func (s *Session) Kill(reason string) bool {
	if s.State == SessionStateKilled {
		return false
	}
	s.State = SessionStateKilled
	s.KillReason = reason
	return true
}
