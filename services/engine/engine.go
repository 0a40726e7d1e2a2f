package engine

import (
	"context"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/internal/observability"
	"github.com/agenttrace/agenttrace/models"
	"github.com/agenttrace/agenttrace/services"
	"github.com/agenttrace/agenttrace/services/audit"
	"github.com/agenttrace/agenttrace/services/killswitch"
	"github.com/agenttrace/agenttrace/services/notify"
	policyeval "github.com/agenttrace/agenttrace/services/policy"
	"github.com/agenttrace/agenttrace/services/session"
)

// Engine is the public facade of the enforcement engine. It binds the
// session store, policy evaluator, kill switch and audit logger behind five
// operations cheap enough to call on every agent action.
//
// All mutating operations on one session are serialized through the store's
// per-session lock; operations on different sessions proceed in parallel.
// Notification dispatch is the only work that leaves the lock: it runs
// asynchronously after the state transition has committed.
type Engine struct {
	policy     models.Policy
	store      *session.Store
	evaluator  *policyeval.Evaluator
	audit      *audit.Logger
	killSwitch *killswitch.Service
	logger     *zap.Logger
	metrics    *observability.Metrics
	closers    []io.Closer
}

// New creates an engine enforcing the given policy. The policy is validated
// once here; malformed limits or thresholds fail fast with an invalid-policy
// error and never surface at call time.
func New(p models.Policy, opts ...Option) (*Engine, error) {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(p); err != nil {
		return nil, services.WrapError(services.ErrorTypeInvalidPolicy, "invalid policy configuration", err)
	}

	o := applyOptions(opts)

	notifiers := o.notifiers
	for _, target := range p.KillSwitch.NotifyTargets {
		switch target.Kind {
		case models.NotifyTargetWebhook:
			notifiers = append(notifiers, notify.NewWebhookNotifier(target.URL, o.webhook))
		case models.NotifyTargetLog:
			notifiers = append(notifiers, notify.NewLogNotifier(o.logger))
		}
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, notify.NewLogNotifier(o.logger))
	}

	dispatcher := notify.NewDispatcher(notifiers, o.logger, p.KillSwitch.GracePeriod)
	dispatcher.OnFailure(o.metrics.RecordNotifyFailure)

	e := &Engine{
		policy:     p,
		store:      session.NewStore(o.logger),
		evaluator:  policyeval.NewEvaluator(p),
		audit:      audit.NewLogger(o.logger, o.sinks...),
		killSwitch: killswitch.NewService(p.KillSwitch, dispatcher, o.logger),
		logger:     o.logger,
		metrics:    o.metrics,
		closers:    o.closers,
	}

	e.logger.Info("enforcement engine ready",
		zap.String("policy_version", p.Version),
		zap.Float64("max_cost_per_session", p.Budget.MaxCostPerSession),
		zap.Int("violation_thresholds", len(p.Violations.Thresholds)),
		zap.Int("notify_targets", len(notifiers)))

	return e, nil
}

// Policy returns the immutable policy the engine enforces
func (e *Engine) Policy() models.Policy {
	return e.policy
}

// CreateSession registers a new active session for an agent and appends its
// creation record to the audit trail. An audit write failure is returned
// alongside the session: the session exists either way.
func (e *Engine) CreateSession(ctx context.Context, agentID string, metadata map[string]string) (models.Session, error) {
	snap := e.store.Create(agentID, metadata)
	e.metrics.RecordSessionCreated()

	rec := models.NewAuditRecord(models.AuditEventSessionCreated, snap)
	if err := e.audit.Append(ctx, rec); err != nil {
		e.metrics.RecordAuditFailure()
		return snap, err
	}
	return snap, nil
}

// PreAction checks policy before an action executes. It never returns an
// error for an ordinary deny; callers branch on Decision.Allowed in their
// hot loop. A killed session yields Allowed=false, not an error. Only an
// unknown session id or a broken audit pipeline produce an error.
//
// Crossing a session limit or a would-exceed budget with a kill outcome
// terminates the session here, before the action runs.
func (e *Engine) PreAction(ctx context.Context, sessionID uuid.UUID, actionName string, estimatedCost float64) (policyeval.Decision, error) {
	var decision policyeval.Decision
	var killEvent *models.KillEvent
	var alertEvent *models.AlertEvent

	err := e.store.WithSession(sessionID, func(s *models.Session) error {
		decision = e.evaluator.PreAction(s.Snapshot(), estimatedCost, time.Now())

		if decision.Kill && s.Kill(decision.Reason) {
			snap := s.Snapshot()
			evt := models.NewKillEvent(snap)
			killEvent = &evt

			blocked := models.NewAuditRecord(models.AuditEventAction, snap).WithPayload(models.ActionPayload{
				Action:        actionName,
				EstimatedCost: estimatedCost,
				Allowed:       false,
				Reason:        decision.Reason,
			})
			appendErr := e.audit.Append(ctx, blocked)
			killRec := models.NewAuditRecord(models.AuditEventKill, snap).WithPayload(models.KillPayload{
				Reason: decision.Reason,
			})
			if err := e.audit.Append(ctx, killRec); err != nil && appendErr == nil {
				appendErr = err
			}
			return appendErr
		}

		if !decision.Allowed {
			snap := s.Snapshot()
			blocked := models.NewAuditRecord(models.AuditEventAction, snap).WithPayload(models.ActionPayload{
				Action:        actionName,
				EstimatedCost: estimatedCost,
				Allowed:       false,
				Reason:        decision.Reason,
			})
			return e.audit.Append(ctx, blocked)
		}

		if decision.Alert {
			snap := s.Snapshot()
			alertEvent = &models.AlertEvent{
				SessionID:   snap.ID,
				AgentID:     snap.AgentID,
				Reason:      decision.Reason,
				TotalCost:   snap.TotalCost,
				BudgetLimit: e.policy.Budget.MaxCostPerSession,
				Utilization: decision.ProjectedCost / e.policy.Budget.MaxCostPerSession,
				Timestamp:   time.Now(),
			}
			alertRec := models.NewAuditRecord(models.AuditEventAlert, snap).WithPayload(models.AlertPayload{
				Reason:      decision.Reason,
				Utilization: alertEvent.Utilization,
			})
			return e.audit.Append(ctx, alertRec)
		}
		return nil
	})

	if services.IsNotFoundError(err) {
		return decision, err
	}

	if decision.Allowed {
		e.metrics.RecordAction("allowed")
	} else {
		e.metrics.RecordAction("denied")
	}
	e.finalize(killEvent, alertEvent, "pre_action")

	if err != nil && services.IsAuditWriteError(err) {
		e.metrics.RecordAuditFailure()
	}
	return decision, err
}

// PostAction records a completed action: increments the action count, adds
// the actual cost, and re-checks the budget after the fact. The actual cost
// may overshoot the pre-action estimate; the action already ran, so the
// mutation always applies, and only the session's survival is decided here.
// Returns a session-killed error when invoked against a terminal session.
func (e *Engine) PostAction(ctx context.Context, sessionID uuid.UUID, actionName string, actualCost float64) error {
	var killEvent *models.KillEvent
	var alertEvent *models.AlertEvent

	err := e.store.WithSession(sessionID, func(s *models.Session) error {
		if !s.Active() {
			return services.ErrSessionKilled
		}

		s.RecordAction(actualCost, time.Now())
		snap := s.Snapshot()
		decision := e.evaluator.PostAction(snap)

		// The kill commits before any audit write: a broken audit pipeline
		// must never leave an over-budget session alive.
		var killedSnap *models.Session
		if decision.Kill && s.Kill(decision.Reason) {
			ks := s.Snapshot()
			killedSnap = &ks
			evt := models.NewKillEvent(ks)
			killEvent = &evt
		}

		actionRec := models.NewAuditRecord(models.AuditEventAction, snap).WithPayload(models.ActionPayload{
			Action:  actionName,
			Cost:    actualCost,
			Allowed: true,
		})
		appendErr := e.audit.Append(ctx, actionRec)

		if killedSnap != nil {
			killRec := models.NewAuditRecord(models.AuditEventKill, *killedSnap).WithPayload(models.KillPayload{
				Reason: decision.Reason,
			})
			if err := e.audit.Append(ctx, killRec); err != nil && appendErr == nil {
				appendErr = err
			}
			return appendErr
		}

		if decision.Alert {
			alertEvent = &models.AlertEvent{
				SessionID:   snap.ID,
				AgentID:     snap.AgentID,
				Reason:      decision.Reason,
				TotalCost:   snap.TotalCost,
				BudgetLimit: e.policy.Budget.MaxCostPerSession,
				Utilization: snap.TotalCost / e.policy.Budget.MaxCostPerSession,
				Timestamp:   time.Now(),
			}
			alertRec := models.NewAuditRecord(models.AuditEventAlert, snap).WithPayload(models.AlertPayload{
				Reason:      decision.Reason,
				Utilization: alertEvent.Utilization,
			})
			if err := e.audit.Append(ctx, alertRec); err != nil && appendErr == nil {
				appendErr = err
			}
		}
		return appendErr
	})

	e.finalize(killEvent, alertEvent, "post_action")

	if err != nil && services.IsAuditWriteError(err) {
		e.metrics.RecordAuditFailure()
	}
	return err
}

// RecordViolation counts a violation reported by an external scanner.
// The type is an opaque key; types with no configured threshold are counted
// but never enforced. The threshold fires on the call that makes the count
// equal it, never before and never on a later call for the same type.
// Returns a session-killed error when invoked against a terminal session.
func (e *Engine) RecordViolation(ctx context.Context, sessionID uuid.UUID, violationType string) error {
	var killEvent *models.KillEvent
	var alertEvent *models.AlertEvent

	err := e.store.WithSession(sessionID, func(s *models.Session) error {
		if !s.Active() {
			return services.ErrSessionKilled
		}

		count := s.RecordViolation(violationType)
		snap := s.Snapshot()
		decision := e.evaluator.Violation(violationType, count)

		// The threshold fires exactly once, on this increment. The kill must
		// commit before the audit writes: if it were skipped on an audit
		// failure, the count would already be past the threshold and the
		// session could never be killed for this type again.
		var killedSnap *models.Session
		if decision.Kill && s.Kill(decision.Reason) {
			ks := s.Snapshot()
			killedSnap = &ks
			evt := models.NewKillEvent(ks)
			killEvent = &evt
		}

		threshold, _ := e.policy.ThresholdFor(violationType)
		violationRec := models.NewAuditRecord(models.AuditEventViolation, snap).WithPayload(models.ViolationPayload{
			ViolationType: violationType,
			Count:         count,
			Threshold:     threshold,
		})
		appendErr := e.audit.Append(ctx, violationRec)

		if killedSnap != nil {
			killRec := models.NewAuditRecord(models.AuditEventKill, *killedSnap).WithPayload(models.KillPayload{
				Reason: decision.Reason,
			})
			if err := e.audit.Append(ctx, killRec); err != nil && appendErr == nil {
				appendErr = err
			}
			return appendErr
		}

		if decision.Alert {
			alertEvent = &models.AlertEvent{
				SessionID: snap.ID,
				AgentID:   snap.AgentID,
				Reason:    decision.Reason,
				TotalCost: snap.TotalCost,
				Timestamp: time.Now(),
			}
			alertRec := models.NewAuditRecord(models.AuditEventAlert, snap).WithPayload(models.AlertPayload{
				Reason: decision.Reason,
			})
			if err := e.audit.Append(ctx, alertRec); err != nil && appendErr == nil {
				appendErr = err
			}
		}
		return appendErr
	})

	if err == nil || services.IsAuditWriteError(err) {
		e.metrics.RecordViolation(violationType)
	}
	e.finalize(killEvent, alertEvent, "violation")

	if err != nil && services.IsAuditWriteError(err) {
		e.metrics.RecordAuditFailure()
	}
	return err
}

// KillSession terminates a session on operator request.
// Returns a session-killed error when the session is already terminal.
func (e *Engine) KillSession(ctx context.Context, sessionID uuid.UUID, reason string) error {
	var killEvent *models.KillEvent

	err := e.store.WithSession(sessionID, func(s *models.Session) error {
		if !s.Kill(reason) {
			return services.ErrSessionKilled
		}
		snap := s.Snapshot()
		evt := models.NewKillEvent(snap)
		killEvent = &evt

		killRec := models.NewAuditRecord(models.AuditEventKill, snap).WithPayload(models.KillPayload{
			Reason: reason,
		})
		return e.audit.Append(ctx, killRec)
	})

	e.finalize(killEvent, nil, "operator")

	if err != nil && services.IsAuditWriteError(err) {
		e.metrics.RecordAuditFailure()
	}
	return err
}

// GetSession returns a consistent snapshot of a session
func (e *Engine) GetSession(sessionID uuid.UUID) (models.Session, error) {
	return e.store.Snapshot(sessionID)
}

// ActiveSessions returns snapshots of every session still accepting work
func (e *Engine) ActiveSessions() []models.Session {
	return e.store.ActiveSessions()
}

// AuditTrail returns a session's audit records in sequence order
func (e *Engine) AuditTrail(sessionID uuid.UUID) []models.AuditRecord {
	return e.audit.RecordsForSession(sessionID)
}

// EvictTerminated removes killed sessions from the registry; their audit
// trail survives them.
func (e *Engine) EvictTerminated() int {
	return e.store.EvictTerminated()
}

// StartReaper evicts terminated sessions periodically until ctx is
// cancelled. Run it on its own goroutine.
func (e *Engine) StartReaper(ctx context.Context, interval time.Duration) {
	e.store.StartReaper(ctx, interval)
}

// Close waits for in-flight notifications and releases engine-owned sinks
func (e *Engine) Close() error {
	e.killSwitch.Wait()
	var firstErr error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// finalize dispatches the effects that must not run under the session lock
func (e *Engine) finalize(killEvent *models.KillEvent, alertEvent *models.AlertEvent, cause string) {
	if killEvent != nil {
		e.metrics.RecordSessionKilled(cause)
		e.killSwitch.Trigger(*killEvent)
	}
	if alertEvent != nil {
		e.metrics.RecordAlert()
		e.killSwitch.Alert(*alertEvent)
	}
}
