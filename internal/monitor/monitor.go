// Package monitor collects per-strategy health metrics and drives
// anomaly detection and alerting.
//
// Samples land in fixed-capacity ring buffers with O(1) append; rolling
// aggregates (latency percentiles, error rate, throughput) are computed
// on read. Three independent anomaly detectors run side by side and
// their findings are unioned. Alert rules fire once per breach episode
// after their condition holds for a sustained window.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/rolloutd/internal/monitor"

// defaultBufferCapacity bounds per-strategy sample history when the
// config leaves it unset.
const defaultBufferCapacity = 1000

// Aggregates are the rolling statistics over one strategy's buffer.
type Aggregates struct {
	StrategyID string        `json:"strategy_id"`
	Samples    int           `json:"samples"`
	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	P99        time.Duration `json:"p99"`
	ErrorRate  float64       `json:"error_rate"`
	// Throughput is samples per second over the buffer's time span.
	Throughput float64   `json:"throughput"`
	AvgUsage   float64   `json:"avg_usage"`
	OldestAt   time.Time `json:"oldest_at,omitempty"`
	NewestAt   time.Time `json:"newest_at,omitempty"`
}

// Monitor owns the per-strategy ring buffers.
type Monitor struct {
	mu       sync.RWMutex
	rings    map[string]*ring
	capacity int

	detectors []Detector
	alerts    *AlertEngine
	logger    *logging.Logger

	samplesTotal metric.Int64Counter
	errorsTotal  metric.Int64Counter
}

// New creates a monitor with the default detector set (statistical,
// rule-based, and the optional external predictor).
func New(cfg config.MonitorConfig, predictor Predictor, notifier Notifier, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("monitor")

	capacity := cfg.BufferCapacity
	if capacity < 1 {
		capacity = defaultBufferCapacity
	}

	m := &Monitor{
		rings:    make(map[string]*ring),
		capacity: capacity,
		logger:   logger,
	}
	m.detectors = []Detector{
		&StatisticalDetector{Sigma: 3},
		&RuleDetector{MaxErrorRate: cfg.ErrorRateLimit, MaxLatency: cfg.LatencyLimit.Duration()},
	}
	if predictor != nil {
		m.detectors = append(m.detectors, &PredictorDetector{Predictor: predictor})
	}
	m.alerts = NewAlertEngine(DefaultAlertRules(cfg), cfg.SustainedWindow.Duration(), notifier, logger)

	meter := otel.Meter(instrumentationName)
	var err error
	m.samplesTotal, err = meter.Int64Counter(
		"rolloutd.monitor.samples_total",
		metric.WithDescription("Metric samples ingested, labeled by strategy id."),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create samples counter", zap.Error(err))
	}
	m.errorsTotal, err = meter.Int64Counter(
		"rolloutd.monitor.errors_total",
		metric.WithDescription("Failed samples ingested, labeled by strategy id."),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create errors counter", zap.Error(err))
	}

	return m
}

// Record ingests one sample. O(1): append plus possible eviction.
func (m *Monitor) Record(ctx context.Context, s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	m.mu.Lock()
	r, ok := m.rings[s.StrategyID]
	if !ok {
		r = newRing(m.capacity)
		m.rings[s.StrategyID] = r
	}
	r.append(s)
	m.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("strategy_id", s.StrategyID))
	if m.samplesTotal != nil {
		m.samplesTotal.Add(ctx, 1, attrs)
	}
	if !s.Success && m.errorsTotal != nil {
		m.errorsTotal.Add(ctx, 1, attrs)
	}
}

// Aggregates computes rolling statistics for one strategy on read.
func (m *Monitor) Aggregates(strategyID string) Aggregates {
	samples := m.Snapshot(strategyID)
	agg := Aggregates{StrategyID: strategyID, Samples: len(samples)}
	if len(samples) == 0 {
		return agg
	}

	latencies := make([]time.Duration, len(samples))
	failures := 0
	usage := 0.0
	for i, s := range samples {
		latencies[i] = s.Latency
		if !s.Success {
			failures++
		}
		usage += s.ResourceUsage
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	agg.P50 = percentile(latencies, 50)
	agg.P95 = percentile(latencies, 95)
	agg.P99 = percentile(latencies, 99)
	agg.ErrorRate = float64(failures) / float64(len(samples))
	agg.AvgUsage = usage / float64(len(samples))
	agg.OldestAt = samples[0].Timestamp
	agg.NewestAt = samples[len(samples)-1].Timestamp

	if span := agg.NewestAt.Sub(agg.OldestAt); span > 0 {
		agg.Throughput = float64(len(samples)) / span.Seconds()
	}
	return agg
}

// ErrorRateSince returns the error rate over samples at or after cutoff,
// and the number of samples considered.
func (m *Monitor) ErrorRateSince(strategyID string, cutoff time.Time) (float64, int) {
	samples := m.Snapshot(strategyID)
	failures, total := 0, 0
	for _, s := range samples {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		total++
		if !s.Success {
			failures++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failures) / float64(total), total
}

// LastSampleAt returns the newest sample timestamp for a strategy, or
// zero if it has none.
func (m *Monitor) LastSampleAt(strategyID string) time.Time {
	samples := m.Snapshot(strategyID)
	if len(samples) == 0 {
		return time.Time{}
	}
	return samples[len(samples)-1].Timestamp
}

// Snapshot returns the strategy's samples in arrival order.
func (m *Monitor) Snapshot(strategyID string) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[strategyID]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Strategies returns the ids with at least one recorded sample.
func (m *Monitor) Strategies() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rings))
	for id := range m.rings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DetectAnomalies runs every detector over the strategy's buffer and
// unions their findings. Any finding is also published as an event.
func (m *Monitor) DetectAnomalies(ctx context.Context, strategyID string) []Anomaly {
	samples := m.Snapshot(strategyID)
	if len(samples) == 0 {
		return nil
	}

	var all []Anomaly
	for _, d := range m.detectors {
		findings := d.Detect(strategyID, samples)
		all = append(all, findings...)
	}
	for _, a := range all {
		m.logger.Warn(ctx, "anomaly detected",
			zap.String("strategy_id", a.StrategyID),
			zap.String("detector", a.Detector),
			zap.String("metric", a.Metric),
			zap.Float64("value", a.Value))
		m.alerts.PublishAnomaly(ctx, a)
	}
	return all
}

// EvaluateAlerts runs the alert rule table over every tracked strategy.
// Called on a scheduler tick.
func (m *Monitor) EvaluateAlerts(ctx context.Context, now time.Time) {
	for _, id := range m.Strategies() {
		m.alerts.Evaluate(ctx, id, m.Aggregates(id), now)
	}
}

// DropSamplesBefore evicts samples older than cutoff across all buffers.
// Returns total dropped. Called by GC's retention sweep.
func (m *Monitor) DropSamplesBefore(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id, r := range m.rings {
		dropped += r.dropOlderThan(cutoff)
		if r.len() == 0 {
			delete(m.rings, id)
		}
	}
	return dropped
}

// percentile returns the pth percentile from sorted latencies.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted) * p) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
