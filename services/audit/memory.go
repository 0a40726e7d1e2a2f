package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/agenttrace/agenttrace/models"
)

// MemorySink keeps the audit trail in process memory. It backs the engine's
// trail queries and is the sink of choice in tests.
type MemorySink struct {
	mu      sync.RWMutex
	records []models.AuditRecord
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores a copy of the record
func (m *MemorySink) Append(_ context.Context, record *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *record)
	return nil
}

// Records returns all stored records in append order
func (m *MemorySink) Records() []models.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AuditRecord, len(m.records))
	copy(out, m.records)
	return out
}

// RecordsForSession returns the records for one session in append order,
// which for a single session is sequence order.
func (m *MemorySink) RecordsForSession(sessionID uuid.UUID) []models.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditRecord
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}
