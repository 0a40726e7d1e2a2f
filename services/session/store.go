package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/models"
	"github.com/agenttrace/agenttrace/services"
)

// entry pairs a session with the lock that serializes every mutation on it.
// Operations on different sessions never contend on each other's lock.
type entry struct {
	mu      sync.Mutex
	session *models.Session
}

// Store owns the mutable state of every live session. It is the single point
// of truth and the sole writer: all mutation goes through WithSession, which
// grants exclusive access to one session at a time.
type Store struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*entry
	logger   *zap.Logger
}

// NewStore creates a new in-memory session store
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		sessions: make(map[uuid.UUID]*entry),
		logger:   logger,
	}
}

// Create registers a new active session and returns a snapshot of it
func (st *Store) Create(agentID string, metadata map[string]string) models.Session {
	s := models.NewSession(agentID, metadata)

	st.mu.Lock()
	st.sessions[s.ID] = &entry{session: s}
	st.mu.Unlock()

	st.logger.Debug("session created",
		zap.String("session_id", s.ID.String()),
		zap.String("agent_id", agentID))

	return s.Snapshot()
}

// WithSession runs fn against the mutable session under its exclusive lock.
// The effects of fn are atomic with respect to every other caller on the same
// session. Returns ErrSessionNotFound for unknown ids.
func (st *Store) WithSession(id uuid.UUID, fn func(s *models.Session) error) error {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return services.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session)
}

// Snapshot returns a consistent, immutable copy of the session state
func (st *Store) Snapshot(id uuid.UUID) (models.Session, error) {
	var snap models.Session
	err := st.WithSession(id, func(s *models.Session) error {
		snap = s.Snapshot()
		return nil
	})
	return snap, err
}

// ActiveSessions returns snapshots of every session still accepting work
func (st *Store) ActiveSessions() []models.Session {
	st.mu.RLock()
	entries := make([]*entry, 0, len(st.sessions))
	for _, e := range st.sessions {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	active := make([]models.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.session.Active() {
			active = append(active, e.session.Snapshot())
		}
		e.mu.Unlock()
	}
	return active
}

// Len returns the number of sessions currently registered
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// EvictTerminated removes killed sessions from the registry and returns the
// number removed. Their audit trail remains with the audit logger.
func (st *Store) EvictTerminated() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, e := range st.sessions {
		e.mu.Lock()
		terminated := !e.session.Active()
		e.mu.Unlock()
		if terminated {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

// StartReaper periodically evicts terminated sessions until ctx is cancelled.
// Run it on its own goroutine.
func (st *Store) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	st.logger.Info("started session reaper", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			if n := st.EvictTerminated(); n > 0 {
				st.logger.Info("evicted terminated sessions", zap.Int("count", n))
			}
		case <-ctx.Done():
			st.logger.Info("stopping session reaper")
			return
		}
	}
}
