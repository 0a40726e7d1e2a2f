package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/models"
)

// PostgresSink persists audit records to PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE audit_records (
//	    id               UUID PRIMARY KEY,
//	    session_id       UUID NOT NULL,
//	    agent_id         TEXT NOT NULL,
//	    sequence_number  BIGINT NOT NULL,
//	    event_kind       TEXT NOT NULL,
//	    payload          JSONB,
//	    session_snapshot JSONB NOT NULL,
//	    timestamp        TIMESTAMPTZ NOT NULL,
//	    UNIQUE (session_id, sequence_number)
//	);
type PostgresSink struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresSink creates a sink backed by an open database handle
func NewPostgresSink(db *sql.DB, logger *zap.Logger) *PostgresSink {
	return &PostgresSink{
		db:     db,
		logger: logger,
	}
}

// Append inserts one audit record
func (p *PostgresSink) Append(ctx context.Context, record *models.AuditRecord) error {
	snapshot, err := json.Marshal(record.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}

	query := `
		INSERT INTO audit_records (
			id, session_id, agent_id, sequence_number, event_kind,
			payload, session_snapshot, timestamp
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err = p.db.ExecContext(ctx, query,
		record.ID,
		record.SessionID,
		record.AgentID,
		record.Sequence,
		record.Kind,
		[]byte(record.Payload),
		snapshot,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	p.logger.Debug("audit record inserted",
		zap.String("id", record.ID.String()),
		zap.String("event_kind", string(record.Kind)))
	return nil
}
