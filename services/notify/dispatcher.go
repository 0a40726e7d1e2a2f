package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/models"
)

const deliveryTimeout = 15 * time.Second

// Dispatcher fans events out to every configured notifier asynchronously.
// Dispatch returns immediately; deliveries run on their own goroutine so a
// slow or hung sink can never stall a session's decision path. Failures are
// logged and counted, never returned to the caller that triggered the event.
type Dispatcher struct {
	notifiers   []Notifier
	logger      *zap.Logger
	gracePeriod time.Duration
	onFailure   func(notifier string)
	wg          sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given notifiers. gracePeriod
// delays kill deliveries, giving in-flight work time to settle; it never
// delays the state transition itself, which has already happened by the time
// Dispatch is called.
func NewDispatcher(notifiers []Notifier, logger *zap.Logger, gracePeriod time.Duration) *Dispatcher {
	return &Dispatcher{
		notifiers:   notifiers,
		logger:      logger,
		gracePeriod: gracePeriod,
	}
}

// OnFailure registers a hook invoked once per failed delivery. Set it before
// the first dispatch.
func (d *Dispatcher) OnFailure(fn func(notifier string)) {
	d.onFailure = fn
}

// DispatchKill delivers a kill event to every notifier, best-effort
func (d *Dispatcher) DispatchKill(event models.KillEvent) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.gracePeriod > 0 {
			time.Sleep(d.gracePeriod)
		}
		d.deliver(func(ctx context.Context, n Notifier) error {
			return n.NotifyKill(ctx, event)
		}, "kill", event.SessionID.String())
	}()
}

// DispatchAlert delivers an alert event to every notifier, best-effort
func (d *Dispatcher) DispatchAlert(event models.AlertEvent) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(func(ctx context.Context, n Notifier) error {
			return n.NotifyAlert(ctx, event)
		}, "alert", event.SessionID.String())
	}()
}

// Wait blocks until every in-flight delivery has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(send func(context.Context, Notifier) error, kind, sessionID string) {
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		err := send(ctx, n)
		cancel()

		if err != nil {
			d.logger.Error("notification delivery failed",
				zap.String("notifier", n.Name()),
				zap.String("event", kind),
				zap.String("session_id", sessionID),
				zap.Error(err))
			if d.onFailure != nil {
				d.onFailure(n.Name())
			}
			continue
		}

		d.logger.Debug("notification delivered",
			zap.String("notifier", n.Name()),
			zap.String("event", kind),
			zap.String("session_id", sessionID))
	}
}
