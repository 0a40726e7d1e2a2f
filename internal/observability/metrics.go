package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains Prometheus metrics for the enforcement engine.
type Metrics struct {
	sessionsCreated prometheus.Counter
	sessionsKilled  *prometheus.CounterVec
	activeSessions  prometheus.Gauge

	actionsTotal    *prometheus.CounterVec
	violationsTotal *prometheus.CounterVec
	alertsTotal     prometheus.Counter

	auditAppendFailures prometheus.Counter
	notifyFailures      *prometheus.CounterVec
}

// NewMetrics creates engine metrics registered on the given registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agenttrace_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),

		sessionsKilled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenttrace_sessions_killed_total",
				Help: "Total number of sessions terminated by the kill switch",
			},
			[]string{"cause"},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agenttrace_active_sessions",
				Help: "Current number of active sessions in the registry",
			},
		),

		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenttrace_actions_total",
				Help: "Total number of pre-action decisions by result",
			},
			[]string{"result"},
		),

		violationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenttrace_violations_total",
				Help: "Total number of violations recorded by type",
			},
			[]string{"violation_type"},
		),

		alertsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agenttrace_alerts_total",
				Help: "Total number of alert events emitted",
			},
		),

		auditAppendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agenttrace_audit_append_failures_total",
				Help: "Total number of audit sink write failures",
			},
		),

		notifyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenttrace_notify_failures_total",
				Help: "Total number of failed notification deliveries",
			},
			[]string{"notifier"},
		),
	}

	registry.MustRegister(
		m.sessionsCreated,
		m.sessionsKilled,
		m.activeSessions,
		m.actionsTotal,
		m.violationsTotal,
		m.alertsTotal,
		m.auditAppendFailures,
		m.notifyFailures,
	)

	return m
}

// RecordSessionCreated records a new session
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
	m.activeSessions.Inc()
}

// RecordSessionKilled records a termination by cause
func (m *Metrics) RecordSessionKilled(cause string) {
	m.sessionsKilled.WithLabelValues(cause).Inc()
	m.activeSessions.Dec()
}

// RecordAction records a pre-action decision result ("allowed" or "denied")
func (m *Metrics) RecordAction(result string) {
	m.actionsTotal.WithLabelValues(result).Inc()
}

// RecordViolation records a violation by type
func (m *Metrics) RecordViolation(violationType string) {
	m.violationsTotal.WithLabelValues(violationType).Inc()
}

// RecordAlert records an alert event
func (m *Metrics) RecordAlert() {
	m.alertsTotal.Inc()
}

// RecordAuditFailure records a failed audit sink write
func (m *Metrics) RecordAuditFailure() {
	m.auditAppendFailures.Inc()
}

// RecordNotifyFailure records a failed notification delivery
func (m *Metrics) RecordNotifyFailure(notifier string) {
	m.notifyFailures.WithLabelValues(notifier).Inc()
}
