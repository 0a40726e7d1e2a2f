package engine

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/config"
	"github.com/agenttrace/agenttrace/internal/observability"
	"github.com/agenttrace/agenttrace/services/audit"
	"github.com/agenttrace/agenttrace/services/notify"
)

type options struct {
	logger    *zap.Logger
	sinks     []audit.Sink
	notifiers []notify.Notifier
	metrics   *observability.Metrics
	webhook   notify.WebhookConfig
	closers   []io.Closer
}

// Option customizes engine construction
type Option func(*options)

func applyOptions(opts []Option) *options {
	o := &options{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	return o
}

// WithLogger sets the engine's structured logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAuditSink adds an audit sink in addition to the in-memory trail.
// Sinks are written in the order added.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, sink)
	}
}

// WithNotifier adds a notifier ahead of the ones built from the policy's
// notify targets.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) {
		o.notifiers = append(o.notifiers, n)
	}
}

// WithMetrics sets the metrics collectors. Defaults to a private registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithWebhookConfig sets delivery options for webhook notify targets
func WithWebhookConfig(cfg notify.WebhookConfig) Option {
	return func(o *options) {
		o.webhook = cfg
	}
}

// withCloser registers a resource the engine closes on shutdown
func withCloser(c io.Closer) Option {
	return func(o *options) {
		o.closers = append(o.closers, c)
	}
}

// FromConfig builds the engine's construction options from runtime
// configuration: the file sink, the PostgreSQL sink, and webhook delivery
// settings. The returned options are passed to New alongside the policy.
func FromConfig(cfg *config.Config, logger *zap.Logger) ([]Option, error) {
	opts := []Option{
		WithLogger(logger),
		WithWebhookConfig(notify.WebhookConfig{
			SigningSecret: cfg.Notify.WebhookSecret,
			Timeout:       cfg.Notify.WebhookTimeout,
		}),
	}

	if cfg.Audit.FilePath != "" {
		fileSink, err := audit.NewFileSink(cfg.Audit.FilePath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithAuditSink(fileSink), withCloser(fileSink))
	}

	if cfg.Audit.Database != nil {
		db, err := audit.OpenPostgres(cfg.Audit.Database, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithAuditSink(audit.NewPostgresSink(db, logger)), withCloser(db))
	}

	return opts, nil
}
