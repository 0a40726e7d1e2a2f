package models

import (
	"time"
)

// PolicyAction represents what to do when a limit or threshold is breached
type PolicyAction string

const (
	PolicyActionKill  PolicyAction = "kill"
	PolicyActionAlert PolicyAction = "alert"
	PolicyActionLog   PolicyAction = "log"
)

// NotifyTargetKind represents the kind of notification sink
type NotifyTargetKind string

const (
	NotifyTargetWebhook NotifyTargetKind = "webhook"
	NotifyTargetLog     NotifyTargetKind = "log"
)

// NotifyTarget describes a single notification sink for kill/alert events
type NotifyTarget struct {
	Kind NotifyTargetKind `json:"kind" validate:"oneof=webhook log"`
	URL  string           `json:"url,omitempty" validate:"omitempty,url"`
}

// BudgetPolicy represents the cost limits for a session.
// Zero values for MaxCostPerAction and AlertAt mean the check is disabled.
type BudgetPolicy struct {
	MaxCostPerSession float64      `json:"max_cost_per_session" validate:"gt=0"`
	MaxCostPerAction  float64      `json:"max_cost_per_action" validate:"gte=0"`
	AlertAt           float64      `json:"alert_at" validate:"gte=0,lte=1"` // fraction of session budget
	OnExceed          PolicyAction `json:"on_exceed" validate:"oneof=kill alert log"`
}

// SessionLimits represents hard caps on session lifetime and activity.
// Zero values mean the limit is not enforced.
type SessionLimits struct {
	MaxDuration time.Duration `json:"max_duration" validate:"gte=0"`
	MaxActions  int           `json:"max_actions" validate:"gte=0"`
}

// ViolationPolicy maps violation types to the count at which enforcement fires.
// Types absent from Thresholds are counted but never enforced.
type ViolationPolicy struct {
	Thresholds  map[string]int `json:"thresholds" validate:"omitempty,dive,gte=1"`
	OnThreshold PolicyAction   `json:"on_threshold" validate:"oneof=kill alert log"`
}

// KillSwitchPolicy configures termination behavior and notification fan-out
type KillSwitchPolicy struct {
	Enabled       bool           `json:"enabled"`
	NotifyTargets []NotifyTarget `json:"notify_targets" validate:"omitempty,dive"`
	GracePeriod   time.Duration  `json:"grace_period" validate:"gte=0"`
}

// Policy represents the complete, immutable enforcement configuration for an
// engine instance. It is supplied already parsed, validated once at
// construction, and never mutated afterwards.
type Policy struct {
	Version       string           `json:"version"`
	Budget        BudgetPolicy     `json:"budget"`
	SessionLimits SessionLimits    `json:"session_limits"`
	Violations    ViolationPolicy  `json:"violations"`
	KillSwitch    KillSwitchPolicy `json:"kill_switch"`
}

// DefaultPolicy returns a policy with conservative defaults
func DefaultPolicy() Policy {
	return Policy{
		Version: "1.0",
		Budget: BudgetPolicy{
			MaxCostPerSession: 5.00,
			MaxCostPerAction:  0.50,
			AlertAt:           0.80,
			OnExceed:          PolicyActionKill,
		},
		SessionLimits: SessionLimits{
			MaxDuration: 30 * time.Minute,
			MaxActions:  100,
		},
		Violations: ViolationPolicy{
			Thresholds:  map[string]int{},
			OnThreshold: PolicyActionKill,
		},
		KillSwitch: KillSwitchPolicy{
			Enabled:     true,
			GracePeriod: 0,
		},
	}
}

// ThresholdFor returns the configured threshold for a violation type.
// The second return value is false when the type is not monitored.
func (p Policy) ThresholdFor(violationType string) (int, bool) {
	n, ok := p.Violations.Thresholds[violationType]
	return n, ok
}
