package validator

import (
	"context"
	"hash/fnv"
	"sort"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
)

// Harness executes a strategy against a synthetic workload and reports
// the measured baseline. Implementations must respect ctx cancellation.
type Harness interface {
	Run(ctx context.Context, s *strategy.Strategy) (*strategy.Baseline, error)
}

// SyntheticHarness is the default benchmark. The payload is opaque, so
// the harness derives a deterministic per-round cost from hashing it and
// measures wall-clock latency across rounds. That keeps validation
// self-contained while still exercising the timeout and ceiling paths.
type SyntheticHarness struct {
	rounds int
}

// NewSyntheticHarness creates a harness running the given number of
// rounds (minimum 1).
func NewSyntheticHarness(rounds int) *SyntheticHarness {
	if rounds < 1 {
		rounds = 1
	}
	return &SyntheticHarness{rounds: rounds}
}

// Run executes the benchmark rounds, checking cancellation between
// rounds so a hung payload cannot block past the deadline.
func (h *SyntheticHarness) Run(ctx context.Context, s *strategy.Strategy) (*strategy.Baseline, error) {
	latencies := make([]time.Duration, 0, h.rounds)
	hash := fnv.New64a()

	for i := 0; i < h.rounds; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		start := time.Now()
		hash.Reset()
		_, _ = hash.Write(s.Payload)
		// Spin proportionally to payload size to make the measurement
		// depend on the strategy, not only on scheduler noise.
		sink := hash.Sum64()
		for j := 0; j < len(s.Payload); j++ {
			sink ^= uint64(s.Payload[j]) << (j % 8)
		}
		_ = sink
		latencies = append(latencies, time.Since(start))
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (len(latencies) * 95) / 100
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	p95 := latencies[idx]

	elapsed := time.Duration(0)
	for _, l := range latencies {
		elapsed += l
	}
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(h.rounds) / elapsed.Seconds()
	}

	return &strategy.Baseline{
		LatencyP95:    p95,
		MemoryBytes:   int64(len(s.Payload)),
		Throughput:    throughput,
		RecordedAt:    time.Now().UTC(),
		HarnessRounds: h.rounds,
	}, nil
}
