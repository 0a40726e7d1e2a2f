package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/models"
	"github.com/agenttrace/agenttrace/services"
)

// Sink persists audit records. Implementations must treat records as
// immutable and append-only: no update or delete exists anywhere in the
// audit path.
type Sink interface {
	Append(ctx context.Context, record *models.AuditRecord) error
}

// Logger is the engine's audit trail. It assigns per-session sequence
// numbers, keeps an in-memory trail for queries, and fans each record out to
// the configured sinks. A sink failure is surfaced loudly as an audit-write
// error; records are never dropped silently.
type Logger struct {
	sinks  []Sink
	memory *MemorySink
	logger *zap.Logger

	mu  sync.Mutex
	seq map[uuid.UUID]uint64
}

// NewLogger creates an audit logger. The in-memory trail is always kept;
// additional sinks (file, database) are appended to in order.
func NewLogger(logger *zap.Logger, sinks ...Sink) *Logger {
	return &Logger{
		sinks:  sinks,
		memory: NewMemorySink(),
		logger: logger,
		seq:    make(map[uuid.UUID]uint64),
	}
}

// Append assigns the record's sequence number and writes it to every sink.
//
// Callers invoke Append under the same per-session lock as the state mutation
// that produced the record, so sequence numbers follow the serialization of
// mutations exactly: record N's snapshot is the state after mutation N.
//
// The sequence number commits together with the in-memory trail, which is the
// single commit point; external sinks are projections of it. A projection
// failure is returned so the caller learns its compliance pipeline is broken,
// but the record and its number stand. Numbers are therefore never reused,
// which keeps the database sink's (session_id, sequence_number) uniqueness
// safe across partial multi-sink failures; the gap a failed projection leaves
// in that sink is exactly what the surfaced error reports. The session
// mutation itself has already committed and is not rolled back.
func (l *Logger) Append(ctx context.Context, record *models.AuditRecord) error {
	l.mu.Lock()
	next := l.seq[record.SessionID] + 1
	record.Sequence = next
	_ = l.memory.Append(ctx, record) // in-process, cannot fail
	l.seq[record.SessionID] = next
	l.mu.Unlock()

	for _, sink := range l.sinks {
		if err := sink.Append(ctx, record); err != nil {
			l.logger.Error("audit sink append failed",
				zap.String("session_id", record.SessionID.String()),
				zap.String("event_kind", string(record.Kind)),
				zap.Uint64("sequence", record.Sequence),
				zap.Error(err))
			return services.WrapError(services.ErrorTypeAuditWrite, "audit sink write failed", err)
		}
	}

	l.logger.Debug("audit record appended",
		zap.String("session_id", record.SessionID.String()),
		zap.String("event_kind", string(record.Kind)),
		zap.Uint64("sequence", record.Sequence))

	return nil
}

// RecordsForSession returns the session's audit trail in sequence order
func (l *Logger) RecordsForSession(sessionID uuid.UUID) []models.AuditRecord {
	return l.memory.RecordsForSession(sessionID)
}

// Records returns every record appended so far, in append order
func (l *Logger) Records() []models.AuditRecord {
	return l.memory.Records()
}
