package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenttrace/agenttrace/internal/observability"
	"github.com/agenttrace/agenttrace/models"
	"github.com/agenttrace/agenttrace/services"
)

// flakySink fails exactly one append, identified by call index
type flakySink struct {
	mu     sync.Mutex
	calls  int
	failOn int
}

func (f *flakySink) Append(_ context.Context, _ *models.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == f.failOn {
		return errors.New("sink unavailable")
	}
	return nil
}

func testPolicy() models.Policy {
	return models.Policy{
		Version: "1.0",
		Budget: models.BudgetPolicy{
			MaxCostPerSession: 2.00,
			AlertAt:           0.80,
			OnExceed:          models.PolicyActionKill,
		},
		SessionLimits: models.SessionLimits{
			MaxActions: 100,
		},
		Violations: models.ViolationPolicy{
			Thresholds:  map[string]int{"pii_blocked": 3},
			OnThreshold: models.PolicyActionKill,
		},
		KillSwitch: models.KillSwitchPolicy{Enabled: true},
	}
}

// captureNotifier records every delivery for assertions
type captureNotifier struct {
	mu     sync.Mutex
	kills  []models.KillEvent
	alerts []models.AlertEvent
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) NotifyKill(_ context.Context, event models.KillEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kills = append(c.kills, event)
	return nil
}

func (c *captureNotifier) NotifyAlert(_ context.Context, event models.AlertEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, event)
	return nil
}

func (c *captureNotifier) killEvents() []models.KillEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.KillEvent(nil), c.kills...)
}

func (c *captureNotifier) alertEvents() []models.AlertEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.AlertEvent(nil), c.alerts...)
}

func newTestEngine(t *testing.T, p models.Policy) (*Engine, *captureNotifier) {
	t.Helper()
	capture := &captureNotifier{}
	e, err := New(p, WithNotifier(capture))
	require.NoError(t, err)
	return e, capture
}

func TestNew_RejectsInvalidPolicy(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Policy)
	}{
		{"zero session budget", func(p *models.Policy) { p.Budget.MaxCostPerSession = 0 }},
		{"negative session budget", func(p *models.Policy) { p.Budget.MaxCostPerSession = -1 }},
		{"alert fraction above one", func(p *models.Policy) { p.Budget.AlertAt = 1.5 }},
		{"unknown exceed action", func(p *models.Policy) { p.Budget.OnExceed = "explode" }},
		{"zero violation threshold", func(p *models.Policy) { p.Violations.Thresholds = map[string]int{"pii_blocked": 0} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPolicy()
			tt.mutate(&p)

			_, err := New(p)
			require.Error(t, err)
			assert.True(t, services.IsInvalidPolicyError(err))
		})
	}
}

func TestEngine_BudgetLifecycle(t *testing.T) {
	e, capture := newTestEngine(t, testPolicy())
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", map[string]string{"team": "ml"})
	require.NoError(t, err)

	// Two actions within budget
	for _, cost := range []float64{0.50, 0.80} {
		d, err := e.PreAction(ctx, snap.ID, "search", cost)
		require.NoError(t, err)
		require.True(t, d.Allowed, d.Reason)
		require.NoError(t, e.PostAction(ctx, snap.ID, "search", cost))
	}

	// Third action lands the total at 2.20, past the 2.00 budget
	err = e.PostAction(ctx, snap.ID, "summarize", 0.90)
	require.NoError(t, err)

	got, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateKilled, got.State)
	assert.Contains(t, got.KillReason, "budget exceeded")
	assert.InDelta(t, 2.20, got.TotalCost, 1e-9)
	assert.Equal(t, 3, got.ActionCount)

	// The dead session denies further work without erroring the decision path
	d, err := e.PreAction(ctx, snap.ID, "search", 0.01)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	assert.ErrorIs(t, e.PostAction(ctx, snap.ID, "search", 0.01), services.ErrSessionKilled)
	assert.ErrorIs(t, e.RecordViolation(ctx, snap.ID, "pii_blocked"), services.ErrSessionKilled)

	// Counters are frozen at kill time
	again, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.20, again.TotalCost, 1e-9)
	assert.Equal(t, 3, again.ActionCount)

	e.Close()
	kills := capture.killEvents()
	require.Len(t, kills, 1)
	assert.Equal(t, snap.ID, kills[0].SessionID)
	assert.InDelta(t, 2.20, kills[0].TotalCost, 1e-9)
}

func TestEngine_ViolationThresholdKillsExactlyAtCount(t *testing.T) {
	e, capture := newTestEngine(t, testPolicy())
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)

	require.NoError(t, e.RecordViolation(ctx, snap.ID, "pii_blocked"))
	require.NoError(t, e.RecordViolation(ctx, snap.ID, "pii_blocked"))

	got, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateActive, got.State)

	// Third report reaches the threshold
	require.NoError(t, e.RecordViolation(ctx, snap.ID, "pii_blocked"))

	got, err = e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateKilled, got.State)
	assert.Equal(t, 3, got.ViolationCounts["pii_blocked"])

	e.Close()
	assert.Len(t, capture.killEvents(), 1)
}

func TestEngine_UnmonitoredViolationTypeIsCountedNotEnforced(t *testing.T) {
	e, _ := newTestEngine(t, testPolicy())
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.RecordViolation(ctx, snap.ID, "rate_limited"))
	}

	got, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateActive, got.State)
	assert.Equal(t, 5, got.ViolationCounts["rate_limited"])
}

func TestEngine_PreActionKillsAtActionCap(t *testing.T) {
	p := testPolicy()
	p.SessionLimits.MaxActions = 2
	e, capture := newTestEngine(t, p)
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d, err := e.PreAction(ctx, snap.ID, "search", 0.01)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.NoError(t, e.PostAction(ctx, snap.ID, "search", 0.01))
	}

	d, err := e.PreAction(ctx, snap.ID, "search", 0.01)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	got, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateKilled, got.State)

	e.Close()
	assert.Len(t, capture.killEvents(), 1)
}

func TestEngine_AlertThresholdDispatchesWithoutKilling(t *testing.T) {
	e, capture := newTestEngine(t, testPolicy())
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)

	// 1.70 of 2.00 spent; the next estimate crosses the 80% alert line
	require.NoError(t, e.PostAction(ctx, snap.ID, "search", 1.70))

	d, err := e.PreAction(ctx, snap.ID, "search", 0.05)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Alert)

	got, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateActive, got.State)

	e.Close()
	alerts := capture.alertEvents()
	require.NotEmpty(t, alerts)
	assert.Equal(t, snap.ID, alerts[0].SessionID)
	assert.InDelta(t, 2.00, alerts[0].BudgetLimit, 1e-9)
}

func TestEngine_OperatorKill(t *testing.T) {
	e, capture := newTestEngine(t, testPolicy())
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)

	require.NoError(t, e.KillSession(ctx, snap.ID, "operator request"))

	got, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateKilled, got.State)
	assert.Equal(t, "operator request", got.KillReason)

	// Killing twice is rejected, and nothing is re-dispatched
	assert.ErrorIs(t, e.KillSession(ctx, snap.ID, "again"), services.ErrSessionKilled)

	e.Close()
	assert.Len(t, capture.killEvents(), 1)
}

func TestEngine_ConcurrentThresholdCrossingKillsOnce(t *testing.T) {
	e, capture := newTestEngine(t, testPolicy())
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)

	const reporters = 10
	var wg sync.WaitGroup
	for i := 0; i < reporters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.RecordViolation(ctx, snap.ID, "pii_blocked")
		}()
	}
	wg.Wait()
	e.Close()

	got, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateKilled, got.State)

	killRecords := 0
	for _, rec := range e.AuditTrail(snap.ID) {
		if rec.Kind == models.AuditEventKill {
			killRecords++
		}
	}
	assert.Equal(t, 1, killRecords, "the threshold crossing must produce exactly one kill record")
	assert.Len(t, capture.killEvents(), 1, "the kill must be dispatched exactly once")
}

func TestEngine_AuditTrailIsSequencedAndReplayable(t *testing.T) {
	e, _ := newTestEngine(t, testPolicy())
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)

	require.NoError(t, e.PostAction(ctx, snap.ID, "search", 0.50))
	require.NoError(t, e.RecordViolation(ctx, snap.ID, "pii_blocked"))
	require.NoError(t, e.PostAction(ctx, snap.ID, "summarize", 1.60))

	trail := e.AuditTrail(snap.ID)
	require.NotEmpty(t, trail)

	for i, rec := range trail {
		assert.Equal(t, uint64(i+1), rec.Sequence, "sequence must be gap-free")
		assert.Equal(t, snap.ID, rec.SessionID)
	}

	assert.Equal(t, models.AuditEventSessionCreated, trail[0].Kind)
	last := trail[len(trail)-1]
	assert.Equal(t, models.AuditEventKill, last.Kind)

	// The final snapshot alone reproduces the session's end state
	got, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, got.State, last.Snapshot.State)
	assert.InDelta(t, got.TotalCost, last.Snapshot.TotalCost, 1e-9)
	assert.Equal(t, got.ActionCount, last.Snapshot.ActionCount)
	assert.Equal(t, got.ViolationCounts, last.Snapshot.ViolationCounts)
}

func TestEngine_SessionsAreIsolated(t *testing.T) {
	e, _ := newTestEngine(t, testPolicy())
	ctx := context.Background()

	doomed, err := e.CreateSession(ctx, "agent-a", nil)
	require.NoError(t, err)
	healthy, err := e.CreateSession(ctx, "agent-b", nil)
	require.NoError(t, err)

	require.NoError(t, e.PostAction(ctx, doomed.ID, "search", 2.50))

	gotDoomed, err := e.GetSession(doomed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateKilled, gotDoomed.State)

	gotHealthy, err := e.GetSession(healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateActive, gotHealthy.State)

	d, err := e.PreAction(ctx, healthy.ID, "search", 0.10)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	active := e.ActiveSessions()
	require.Len(t, active, 1)
	assert.Equal(t, healthy.ID, active[0].ID)
}

func TestEngine_UnknownSession(t *testing.T) {
	e, _ := newTestEngine(t, testPolicy())
	ctx := context.Background()

	_, err := e.PreAction(ctx, uuid.New(), "search", 0.10)
	assert.ErrorIs(t, err, services.ErrSessionNotFound)

	assert.ErrorIs(t, e.PostAction(ctx, uuid.New(), "search", 0.10), services.ErrSessionNotFound)
	assert.ErrorIs(t, e.RecordViolation(ctx, uuid.New(), "pii_blocked"), services.ErrSessionNotFound)
	assert.ErrorIs(t, e.KillSession(ctx, uuid.New(), "operator request"), services.ErrSessionNotFound)
}

func TestEngine_EvictTerminatedKeepsAuditTrail(t *testing.T) {
	e, _ := newTestEngine(t, testPolicy())
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)
	require.NoError(t, e.KillSession(ctx, snap.ID, "operator request"))

	removed := e.EvictTerminated()
	assert.Equal(t, 1, removed)

	_, err = e.GetSession(snap.ID)
	assert.ErrorIs(t, err, services.ErrSessionNotFound)

	trail := e.AuditTrail(snap.ID)
	assert.NotEmpty(t, trail, "eviction must not erase the audit trail")
}

func TestEngine_ReaperEvictsPeriodically(t *testing.T) {
	e, _ := newTestEngine(t, testPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)
	require.NoError(t, e.KillSession(ctx, snap.ID, "operator request"))

	go e.StartReaper(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := e.GetSession(snap.ID)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_AuditFailureDoesNotCancelThresholdKill(t *testing.T) {
	// Appends: session_created(1), violation(2), violation(3), then the
	// threshold-crossing violation record(4) fails before the kill record(5)
	sink := &flakySink{failOn: 4}
	capture := &captureNotifier{}
	e, err := New(testPolicy(), WithNotifier(capture), WithAuditSink(sink))
	require.NoError(t, err)
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)

	require.NoError(t, e.RecordViolation(ctx, snap.ID, "pii_blocked"))
	require.NoError(t, e.RecordViolation(ctx, snap.ID, "pii_blocked"))

	err = e.RecordViolation(ctx, snap.ID, "pii_blocked")
	require.Error(t, err)
	assert.True(t, services.IsAuditWriteError(err))

	// The kill committed despite the broken audit pipeline
	got, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateKilled, got.State)
	assert.Equal(t, 3, got.ViolationCounts["pii_blocked"])

	// A healed pipeline cannot revive it
	assert.ErrorIs(t, e.RecordViolation(ctx, snap.ID, "pii_blocked"), services.ErrSessionKilled)

	trail := e.AuditTrail(snap.ID)
	killRecords := 0
	for i, rec := range trail {
		assert.Equal(t, uint64(i+1), rec.Sequence)
		if rec.Kind == models.AuditEventKill {
			killRecords++
		}
	}
	assert.Equal(t, 1, killRecords, "the kill record survives the failed append before it")

	e.Close()
	assert.Len(t, capture.killEvents(), 1)
}

func TestEngine_AuditFailureDoesNotCancelBudgetKill(t *testing.T) {
	// Appends: session_created(1), then the over-budget action record(2)
	// fails before the kill record(3)
	sink := &flakySink{failOn: 2}
	capture := &captureNotifier{}
	e, err := New(testPolicy(), WithNotifier(capture), WithAuditSink(sink))
	require.NoError(t, err)
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)

	err = e.PostAction(ctx, snap.ID, "search", 2.50)
	require.Error(t, err)
	assert.True(t, services.IsAuditWriteError(err))

	got, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateKilled, got.State)
	assert.Contains(t, got.KillReason, "budget exceeded")
	assert.InDelta(t, 2.50, got.TotalCost, 1e-9)

	e.Close()
	assert.Len(t, capture.killEvents(), 1)
}

func TestEngine_UnknownSessionSkipsDecisionMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	e, err := New(testPolicy(), WithMetrics(observability.NewMetrics(registry)))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.PreAction(ctx, uuid.New(), "search", 0.10)
	require.ErrorIs(t, err, services.ErrSessionNotFound)

	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "agenttrace_actions_total" {
			assert.Empty(t, mf.GetMetric(), "no decision was made for an unknown session")
		}
	}

	// A real decision still counts
	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)
	_, err = e.PreAction(ctx, snap.ID, "search", 0.10)
	require.NoError(t, err)

	families, err = registry.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "agenttrace_actions_total" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.InDelta(t, 1, mf.GetMetric()[0].GetCounter().GetValue(), 0)
		}
	}
	assert.True(t, found)
}

func TestEngine_DisabledKillSwitchStillTerminates(t *testing.T) {
	p := testPolicy()
	p.KillSwitch.Enabled = false
	e, capture := newTestEngine(t, p)
	ctx := context.Background()

	snap, err := e.CreateSession(ctx, "research-agent", nil)
	require.NoError(t, err)

	require.NoError(t, e.PostAction(ctx, snap.ID, "search", 2.50))

	got, err := e.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateKilled, got.State)

	e.Close()
	assert.Empty(t, capture.killEvents(), "disabled switch suppresses notifications only")
}
