package session

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/models"
	"github.com/agenttrace/agenttrace/services"
)

func TestStore_CreateAndSnapshot(t *testing.T) {
	store := NewStore(zap.NewNop())

	snap := store.Create("agent-1", map[string]string{"env": "test"})

	assert.NotEqual(t, uuid.Nil, snap.ID)
	assert.Equal(t, "agent-1", snap.AgentID)
	assert.Equal(t, models.SessionStateActive, snap.State)
	assert.False(t, snap.CreatedAt.IsZero())

	got, err := store.Snapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, "test", got.Metadata["env"])
}

func TestStore_SnapshotIsIndependentCopy(t *testing.T) {
	store := NewStore(zap.NewNop())
	snap := store.Create("agent-1", nil)

	got, err := store.Snapshot(snap.ID)
	require.NoError(t, err)

	// Mutating the copy must not leak into the store
	got.ViolationCounts["pii_blocked"] = 99
	got.TotalCost = 42

	again, err := store.Snapshot(snap.ID)
	require.NoError(t, err)
	assert.Zero(t, again.TotalCost)
	assert.Empty(t, again.ViolationCounts)
}

func TestStore_UnknownSession(t *testing.T) {
	store := NewStore(zap.NewNop())

	_, err := store.Snapshot(uuid.New())
	assert.ErrorIs(t, err, services.ErrSessionNotFound)

	err = store.WithSession(uuid.New(), func(s *models.Session) error { return nil })
	assert.ErrorIs(t, err, services.ErrSessionNotFound)
}

func TestStore_WithSessionSerializesMutations(t *testing.T) {
	store := NewStore(zap.NewNop())
	snap := store.Create("agent-1", nil)

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_ = store.WithSession(snap.ID, func(s *models.Session) error {
					s.RecordViolation("pii_blocked")
					s.TotalCost += 0.01
					return nil
				})
			}
		}()
	}
	wg.Wait()

	got, err := store.Snapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, got.ViolationCounts["pii_blocked"])
	assert.InDelta(t, float64(workers*perWorker)*0.01, got.TotalCost, 1e-6)
}

func TestStore_ActiveSessions(t *testing.T) {
	store := NewStore(zap.NewNop())

	a := store.Create("agent-a", nil)
	b := store.Create("agent-b", nil)
	_ = a

	require.NoError(t, store.WithSession(b.ID, func(s *models.Session) error {
		s.Kill("operator request")
		return nil
	}))

	active := store.ActiveSessions()
	require.Len(t, active, 1)
	assert.Equal(t, "agent-a", active[0].AgentID)
}

func TestStore_EvictTerminated(t *testing.T) {
	store := NewStore(zap.NewNop())

	alive := store.Create("agent-alive", nil)
	dead := store.Create("agent-dead", nil)

	require.NoError(t, store.WithSession(dead.ID, func(s *models.Session) error {
		s.Kill("budget exceeded")
		return nil
	}))

	removed := store.EvictTerminated()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())

	_, err := store.Snapshot(dead.ID)
	assert.ErrorIs(t, err, services.ErrSessionNotFound)

	_, err = store.Snapshot(alive.ID)
	assert.NoError(t, err)
}

func TestStore_DistinctSessionsDoNotShareState(t *testing.T) {
	store := NewStore(zap.NewNop())

	a := store.Create("agent-a", nil)
	b := store.Create("agent-b", nil)

	require.NoError(t, store.WithSession(a.ID, func(s *models.Session) error {
		s.RecordViolation("pii_blocked")
		return nil
	}))

	gotB, err := store.Snapshot(b.ID)
	require.NoError(t, err)
	assert.Empty(t, gotB.ViolationCounts)
}
