package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/models"
)

// Notifier delivers kill and alert events to one sink. Delivery is
// best-effort: the engine never waits on a notifier before committing a
// state transition, and a failed delivery is logged, not escalated.
type Notifier interface {
	Name() string
	NotifyKill(ctx context.Context, event models.KillEvent) error
	NotifyAlert(ctx context.Context, event models.AlertEvent) error
}

// LogNotifier emits kill and alert events to the structured log. It is the
// default target when no external sink is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that writes to the given logger
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Name returns the sink name
func (n *LogNotifier) Name() string {
	return "log"
}

// NotifyKill logs the session termination
func (n *LogNotifier) NotifyKill(_ context.Context, event models.KillEvent) error {
	n.logger.Warn("session killed",
		zap.String("session_id", event.SessionID.String()),
		zap.String("agent_id", event.AgentID),
		zap.String("reason", event.Reason),
		zap.Float64("total_cost", event.TotalCost),
		zap.Int("action_count", event.ActionCount),
		zap.Any("violation_counts", event.ViolationCounts))
	return nil
}

// NotifyAlert logs the soft-threshold crossing
func (n *LogNotifier) NotifyAlert(_ context.Context, event models.AlertEvent) error {
	n.logger.Warn("session alert",
		zap.String("session_id", event.SessionID.String()),
		zap.String("agent_id", event.AgentID),
		zap.String("reason", event.Reason),
		zap.Float64("total_cost", event.TotalCost),
		zap.Float64("utilization", event.Utilization))
	return nil
}
