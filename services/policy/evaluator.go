package policy

import (
	"fmt"
	"time"

	"github.com/agenttrace/agenttrace/models"
)

// Decision represents the outcome of evaluating session state against policy.
// It is a plain value so hot-path callers can branch without error handling:
// an ordinary deny is routine, not exceptional.
type Decision struct {
	Allowed bool
	Reason  string
	// Kill is set when the session must transition to its terminal state
	Kill bool
	// Alert is set when a soft threshold was crossed; the session stays active
	Alert bool
	// ProjectedCost is the session total assuming the evaluated action runs
	ProjectedCost float64
}

// Evaluator is the pure decision brain of the engine. It never mutates
// anything: callers pass a session snapshot, the evaluator answers.
type Evaluator struct {
	policy models.Policy
}

// NewEvaluator creates an evaluator bound to an immutable policy
func NewEvaluator(p models.Policy) *Evaluator {
	return &Evaluator{policy: p}
}

// Policy returns the policy the evaluator enforces
func (e *Evaluator) Policy() models.Policy {
	return e.policy
}

// PreAction evaluates whether an action may proceed, before it executes.
// Session-state and session-limit checks take precedence over budget checks:
// a dead or capped session never allows due to budget headroom.
func (e *Evaluator) PreAction(s models.Session, estimatedCost float64, now time.Time) Decision {
	projected := s.TotalCost + estimatedCost

	if !s.Active() {
		return Decision{
			Allowed:       false,
			Reason:        fmt.Sprintf("session is %s: %s", s.State, s.KillReason),
			ProjectedCost: s.TotalCost,
		}
	}

	if limit := e.policy.SessionLimits.MaxActions; limit > 0 && s.ActionCount+1 > limit {
		return Decision{
			Allowed:       false,
			Kill:          true,
			Reason:        fmt.Sprintf("action count %d reached limit %d", s.ActionCount, limit),
			ProjectedCost: s.TotalCost,
		}
	}

	if limit := e.policy.SessionLimits.MaxDuration; limit > 0 && now.Sub(s.CreatedAt) > limit {
		return Decision{
			Allowed:       false,
			Kill:          true,
			Reason:        fmt.Sprintf("session duration %s exceeds limit %s", now.Sub(s.CreatedAt).Round(time.Second), limit),
			ProjectedCost: s.TotalCost,
		}
	}

	if limit := e.policy.Budget.MaxCostPerAction; limit > 0 && estimatedCost > limit {
		return Decision{
			Allowed:       false,
			Reason:        fmt.Sprintf("action cost %.4f exceeds per-action limit %.4f", estimatedCost, limit),
			ProjectedCost: s.TotalCost,
		}
	}

	if projected > e.policy.Budget.MaxCostPerSession {
		reason := fmt.Sprintf("session cost would reach %.4f, exceeding budget %.2f",
			projected, e.policy.Budget.MaxCostPerSession)
		switch e.policy.Budget.OnExceed {
		case models.PolicyActionKill:
			return Decision{Allowed: false, Kill: true, Reason: reason, ProjectedCost: projected}
		case models.PolicyActionAlert:
			return Decision{Allowed: true, Alert: true, Reason: reason, ProjectedCost: projected}
		default: // log
			return Decision{Allowed: true, Reason: reason, ProjectedCost: projected}
		}
	}

	d := Decision{Allowed: true, Reason: "action within policy limits", ProjectedCost: projected}
	if at := e.policy.Budget.AlertAt; at > 0 && projected >= at*e.policy.Budget.MaxCostPerSession {
		d.Alert = true
		d.Reason = fmt.Sprintf("budget utilization at %.0f%% (%.4f / %.2f)",
			100*projected/e.policy.Budget.MaxCostPerSession, projected, e.policy.Budget.MaxCostPerSession)
	}
	return d
}

// PostAction re-checks the budget against the session state produced by the
// completed action. Actual cost can overshoot the pre-action estimate; the
// action already executed, so all that remains is deciding whether the
// session survives it.
func (e *Evaluator) PostAction(s models.Session) Decision {
	if s.TotalCost <= e.policy.Budget.MaxCostPerSession {
		return Decision{Allowed: true, ProjectedCost: s.TotalCost}
	}

	reason := fmt.Sprintf("budget exceeded: session cost %.4f over limit %.2f",
		s.TotalCost, e.policy.Budget.MaxCostPerSession)
	switch e.policy.Budget.OnExceed {
	case models.PolicyActionKill:
		return Decision{Allowed: true, Kill: true, Reason: reason, ProjectedCost: s.TotalCost}
	case models.PolicyActionAlert:
		return Decision{Allowed: true, Alert: true, Reason: reason, ProjectedCost: s.TotalCost}
	default:
		return Decision{Allowed: true, Reason: reason, ProjectedCost: s.TotalCost}
	}
}

// Violation evaluates a cumulative violation count against the configured
// threshold for its type. Counts are monotone and checked on every increment,
// so the threshold fires on exact equality at the crossing step: once on the
// call that reaches it, never before, never again for the same type.
func (e *Evaluator) Violation(violationType string, count int) Decision {
	threshold, ok := e.policy.ThresholdFor(violationType)
	if !ok {
		return Decision{
			Allowed: true,
			Reason:  fmt.Sprintf("no threshold configured for %q", violationType),
		}
	}

	if count != threshold {
		return Decision{
			Allowed: true,
			Reason:  fmt.Sprintf("violation %q count %d below threshold %d", violationType, count, threshold),
		}
	}

	reason := fmt.Sprintf("violation %q count %d reached threshold %d", violationType, count, threshold)
	switch e.policy.Violations.OnThreshold {
	case models.PolicyActionKill:
		return Decision{Allowed: false, Kill: true, Reason: reason}
	case models.PolicyActionAlert:
		return Decision{Allowed: true, Alert: true, Reason: reason}
	default:
		return Decision{Allowed: true, Reason: reason}
	}
}
