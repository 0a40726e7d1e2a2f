package killswitch

import (
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/models"
	"github.com/agenttrace/agenttrace/services/notify"
)

// Service finalizes session terminations. The terminal state transition
// itself happens inside the session store, under the same lock as the
// mutation that detected the breach; that is what makes it exactly-once.
// What remains here is the bookkeeping that must not hold that lock:
// logging the termination and dispatching best-effort notifications.
type Service struct {
	enabled    bool
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
}

// NewService creates a kill switch over the given dispatcher
func NewService(policy models.KillSwitchPolicy, dispatcher *notify.Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		enabled:    policy.Enabled,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Trigger finalizes a kill whose state transition has already committed.
// Each terminated session reaches here exactly once: callers only invoke it
// when they won the transition under the session lock. Notification failures
// never surface to the caller that triggered the kill.
func (s *Service) Trigger(event models.KillEvent) {
	s.logger.Warn("session killed",
		zap.String("session_id", event.SessionID.String()),
		zap.String("agent_id", event.AgentID),
		zap.String("reason", event.Reason),
		zap.Float64("total_cost", event.TotalCost),
		zap.Int("action_count", event.ActionCount))

	if !s.enabled {
		s.logger.Debug("kill switch notifications disabled, skipping dispatch",
			zap.String("session_id", event.SessionID.String()))
		return
	}
	s.dispatcher.DispatchKill(event)
}

// Alert dispatches a non-terminal alert event through the same sinks
func (s *Service) Alert(event models.AlertEvent) {
	if !s.enabled {
		return
	}
	s.dispatcher.DispatchAlert(event)
}

// Wait blocks until all in-flight notifications have settled
func (s *Service) Wait() {
	s.dispatcher.Wait()
}
