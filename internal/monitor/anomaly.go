package monitor

import (
	"fmt"
	"math"
	"time"
)

// Anomaly is one detector finding.
type Anomaly struct {
	StrategyID string    `json:"strategy_id"`
	Detector   string    `json:"detector"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Detail     string    `json:"detail,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// Detector inspects a strategy's sample window for anomalies. Detectors
// are independent; the monitor unions their findings.
type Detector interface {
	Detect(strategyID string, samples []Sample) []Anomaly
}

// StatisticalDetector flags latencies beyond mean + Sigma·stddev over
// the buffer.
type StatisticalDetector struct {
	Sigma float64
}

func (d *StatisticalDetector) Detect(strategyID string, samples []Sample) []Anomaly {
	if len(samples) < 10 {
		// Too little data for a meaningful distribution.
		return nil
	}

	mean := 0.0
	for _, s := range samples {
		mean += float64(s.Latency)
	}
	mean /= float64(len(samples))

	variance := 0.0
	for _, s := range samples {
		diff := float64(s.Latency) - mean
		variance += diff * diff
	}
	variance /= float64(len(samples))
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return nil
	}

	ceiling := mean + d.Sigma*stddev
	latest := samples[len(samples)-1]
	if float64(latest.Latency) > ceiling {
		return []Anomaly{{
			StrategyID: strategyID,
			Detector:   "statistical",
			Metric:     "latency",
			Value:      float64(latest.Latency),
			Threshold:  ceiling,
			Detail:     fmt.Sprintf("latency %s beyond mean+%.0fσ", latest.Latency, d.Sigma),
			DetectedAt: time.Now(),
		}}
	}
	return nil
}

// RuleDetector applies fixed thresholds to the window's error rate and
// latest latency.
type RuleDetector struct {
	MaxErrorRate float64
	MaxLatency   time.Duration
}

func (d *RuleDetector) Detect(strategyID string, samples []Sample) []Anomaly {
	var out []Anomaly

	failures := 0
	for _, s := range samples {
		if !s.Success {
			failures++
		}
	}
	errorRate := float64(failures) / float64(len(samples))
	if d.MaxErrorRate > 0 && errorRate > d.MaxErrorRate {
		out = append(out, Anomaly{
			StrategyID: strategyID,
			Detector:   "rule",
			Metric:     "error_rate",
			Value:      errorRate,
			Threshold:  d.MaxErrorRate,
			Detail:     fmt.Sprintf("error rate %.2f%% over limit", errorRate*100),
			DetectedAt: time.Now(),
		})
	}

	latest := samples[len(samples)-1]
	if d.MaxLatency > 0 && latest.Latency > d.MaxLatency {
		out = append(out, Anomaly{
			StrategyID: strategyID,
			Detector:   "rule",
			Metric:     "latency",
			Value:      float64(latest.Latency),
			Threshold:  float64(d.MaxLatency),
			Detail:     fmt.Sprintf("latency %s over limit %s", latest.Latency, d.MaxLatency),
			DetectedAt: time.Now(),
		})
	}
	return out
}

// Predictor is the pluggable external anomaly source. Implementations
// may wrap anything from a heuristic to a trained model; the monitor
// only cares about the findings.
type Predictor interface {
	Predict(strategyID string, samples []Sample) []Anomaly
}

// PredictorDetector adapts a Predictor to the Detector interface.
type PredictorDetector struct {
	Predictor Predictor
}

func (d *PredictorDetector) Detect(strategyID string, samples []Sample) []Anomaly {
	return d.Predictor.Predict(strategyID, samples)
}
