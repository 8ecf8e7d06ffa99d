package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"go.uber.org/zap"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Operator compares a metric value against a rule threshold.
type Operator string

const (
	OpGreaterThan Operator = ">"
	OpLessThan    Operator = "<"
)

// AlertRule maps (metric, operator, threshold) to a severity and
// channel. Channels are event subjects the notifier publishes to.
type AlertRule struct {
	Name      string   `json:"name"`
	Metric    string   `json:"metric"` // error_rate, p95_latency_ms, throughput
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
	Severity  Severity `json:"severity"`
	Channel   string   `json:"channel"`
}

// DefaultAlertRules builds the fixed rule table from config limits.
func DefaultAlertRules(cfg config.MonitorConfig) []AlertRule {
	return []AlertRule{
		{
			Name:      "high-error-rate",
			Metric:    "error_rate",
			Operator:  OpGreaterThan,
			Threshold: cfg.ErrorRateLimit,
			Severity:  SeverityCritical,
			Channel:   "oncall",
		},
		{
			Name:      "high-p95-latency",
			Metric:    "p95_latency_ms",
			Operator:  OpGreaterThan,
			Threshold: float64(cfg.LatencyLimit.Duration().Milliseconds()),
			Severity:  SeverityWarning,
			Channel:   "platform",
		},
	}
}

// Alert is one dispatched breach notification.
type Alert struct {
	Rule       AlertRule `json:"rule"`
	StrategyID string    `json:"strategy_id"`
	Value      float64   `json:"value"`
	BreachedAt time.Time `json:"breached_at"`
	FiredAt    time.Time `json:"fired_at"`
}

// Notifier delivers alerts and anomalies to downstream channels.
type Notifier interface {
	NotifyAlert(ctx context.Context, a Alert) error
	NotifyAnomaly(ctx context.Context, a Anomaly) error
}

// breachState tracks one (rule, strategy) episode. Breach and clear are
// processed in arrival order per strategy, which is what makes the
// exactly-once-per-episode guarantee hold.
type breachState struct {
	since      time.Time
	dispatched bool
}

// AlertEngine evaluates the rule table over rolling aggregates. A rule
// fires only after its condition holds for the sustained window, once
// per breach episode; a clear read re-arms it.
type AlertEngine struct {
	mu        sync.Mutex
	rules     []AlertRule
	sustained time.Duration
	states    map[string]*breachState // key: rule name + strategy id
	notifier  Notifier
	logger    *logging.Logger
}

// NewAlertEngine creates an engine. A nil notifier logs dispatches only.
func NewAlertEngine(rules []AlertRule, sustained time.Duration, notifier Notifier, logger *logging.Logger) *AlertEngine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &AlertEngine{
		rules:     rules,
		sustained: sustained,
		states:    make(map[string]*breachState),
		notifier:  notifier,
		logger:    logger.Named("alerts"),
	}
}

// Evaluate checks every rule against the strategy's aggregates at the
// given instant.
func (e *AlertEngine) Evaluate(ctx context.Context, strategyID string, agg Aggregates, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rule := range e.rules {
		value, ok := metricValue(rule.Metric, agg)
		if !ok {
			continue
		}
		key := rule.Name + "/" + strategyID
		state := e.states[key]

		if !holds(rule.Operator, value, rule.Threshold) {
			// Condition cleared: re-arm.
			delete(e.states, key)
			continue
		}

		if state == nil {
			e.states[key] = &breachState{since: now}
			continue
		}
		if state.dispatched {
			continue
		}
		if now.Sub(state.since) < e.sustained {
			// Breach not yet sustained. Single-sample spikes never
			// dispatch.
			continue
		}

		state.dispatched = true
		alert := Alert{
			Rule:       rule,
			StrategyID: strategyID,
			Value:      value,
			BreachedAt: state.since,
			FiredAt:    now,
		}
		e.dispatch(ctx, alert)
	}
}

func (e *AlertEngine) dispatch(ctx context.Context, a Alert) {
	e.logger.Warn(ctx, "alert dispatched",
		zap.String("rule", a.Rule.Name),
		zap.String("strategy_id", a.StrategyID),
		zap.String("severity", string(a.Rule.Severity)),
		zap.Float64("value", a.Value))
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyAlert(ctx, a); err != nil {
		e.logger.Error(ctx, "alert notification failed", zap.Error(err))
	}
}

// PublishAnomaly forwards an anomaly finding to the notifier.
func (e *AlertEngine) PublishAnomaly(ctx context.Context, a Anomaly) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyAnomaly(ctx, a); err != nil {
		e.logger.Error(ctx, "anomaly notification failed", zap.Error(err))
	}
}

func metricValue(metric string, agg Aggregates) (float64, bool) {
	switch metric {
	case "error_rate":
		return agg.ErrorRate, agg.Samples > 0
	case "p95_latency_ms":
		return float64(agg.P95.Milliseconds()), agg.Samples > 0
	case "throughput":
		return agg.Throughput, agg.Samples > 0
	default:
		return 0, false
	}
}

func holds(op Operator, value, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return value > threshold
	case OpLessThan:
		return value < threshold
	default:
		return false
	}
}

// String renders the rule condition for logs and the API.
func (r AlertRule) String() string {
	return fmt.Sprintf("%s %s %g -> %s (%s)", r.Metric, r.Operator, r.Threshold, r.Severity, r.Channel)
}
