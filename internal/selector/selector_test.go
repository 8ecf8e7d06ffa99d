package selector

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func breakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    config.Duration(time.Minute),
		CoolDown:         config.Duration(30 * time.Second),
	}
}

func newSelector(t *testing.T, algorithm string) *Selector {
	t.Helper()
	s, err := New(config.SelectorConfig{Algorithm: algorithm, Breaker: breakerConfig()}, nil)
	require.NoError(t, err)
	return s
}

func candidates(ids ...string) []Candidate {
	out := make([]Candidate, len(ids))
	for i, id := range ids {
		out[i] = Candidate{StrategyID: id, Version: "1.0.0", Performance: 0.5, Affinity: 0.5}
	}
	return out
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(breakerConfig())
	now := time.Now()
	b.now = func() time.Time { return now }

	assert.Equal(t, CircuitClosed, b.State("payments"))
	b.RecordFailure("payments")
	b.RecordFailure("payments")
	assert.Equal(t, CircuitClosed, b.State("payments"))
	b.RecordFailure("payments")
	assert.Equal(t, CircuitOpen, b.State("payments"))
	assert.False(t, b.Allow("payments"))
}

func TestBreakerWindowExpiryResetsCount(t *testing.T) {
	b := NewBreaker(breakerConfig())
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure("payments")
	b.RecordFailure("payments")

	// Window rolls over: the old failures no longer count.
	now = now.Add(2 * time.Minute)
	b.RecordFailure("payments")
	b.RecordFailure("payments")
	assert.Equal(t, CircuitClosed, b.State("payments"))
	b.RecordFailure("payments")
	assert.Equal(t, CircuitOpen, b.State("payments"))
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	b := NewBreaker(breakerConfig())
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		b.RecordFailure("payments")
	}
	require.Equal(t, CircuitOpen, b.State("payments"))

	// Before cool-down: still rejected.
	now = now.Add(10 * time.Second)
	assert.False(t, b.Allow("payments"))
	assert.Equal(t, CircuitOpen, b.State("payments"))

	// After cool-down: exactly the next call flips to half-open.
	now = now.Add(25 * time.Second)
	assert.True(t, b.Allow("payments"))
	assert.Equal(t, CircuitHalfOpen, b.State("payments"))

	// Next failure reopens immediately.
	b.RecordFailure("payments")
	assert.Equal(t, CircuitOpen, b.State("payments"))

	// Cool down again; this time the probe succeeds and closes.
	now = now.Add(time.Minute)
	assert.True(t, b.Allow("payments"))
	b.RecordSuccess("payments")
	assert.Equal(t, CircuitClosed, b.State("payments"))
}

func TestSelectExcludesOpenCircuits(t *testing.T) {
	s := newSelector(t, "adaptive")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.breaker.RecordFailure("bad")
	}
	require.Equal(t, CircuitOpen, s.CircuitState("bad"))

	for i := 0; i < 10; i++ {
		sel, err := s.Select(ctx, candidates("bad", "good"))
		require.NoError(t, err)
		assert.Equal(t, "good", sel.Candidate.StrategyID)
		sel.Done(true)
	}
}

func TestSelectAllCircuitsOpen(t *testing.T) {
	s := newSelector(t, "adaptive")
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		for i := 0; i < 3; i++ {
			s.breaker.RecordFailure(id)
		}
	}

	_, err := s.Select(ctx, candidates("a", "b"))
	assert.ErrorIs(t, err, ErrCircuitOpen)

	_, err = s.Select(ctx, nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestLeastConnectionsNoLeak(t *testing.T) {
	s := newSelector(t, "least_connections")
	ctx := context.Background()

	const n = 50
	selections := make([]*Selection, 0, n)
	for i := 0; i < n; i++ {
		sel, err := s.Select(ctx, candidates("a", "b", "c"))
		require.NoError(t, err)
		selections = append(selections, sel)
	}

	total := s.OpenConnections("a") + s.OpenConnections("b") + s.OpenConnections("c")
	assert.Equal(t, int64(n), total)
	// Least-connections keeps the spread tight.
	for _, id := range []string{"a", "b", "c"} {
		assert.InDelta(t, float64(n)/3, float64(s.OpenConnections(id)), 1)
	}

	// N completions return every counter to zero, even with double Done.
	for _, sel := range selections {
		sel.Done(true)
		sel.Done(true)
	}
	for _, id := range []string{"a", "b", "c"} {
		assert.Zero(t, s.OpenConnections(id), id)
	}
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	s := newSelector(t, "weighted_round_robin")
	ctx := context.Background()

	cands := []Candidate{
		{StrategyID: "heavy", Version: "1.0.0", Performance: 0.9},
		{StrategyID: "light", Version: "1.0.0", Performance: 0.1},
	}

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		sel, err := s.Select(ctx, cands)
		require.NoError(t, err)
		counts[sel.Candidate.StrategyID]++
		sel.Done(true)
	}

	// 9 slots vs 1 slot: heavy serves 90 of 100.
	assert.Equal(t, 90, counts["heavy"])
	assert.Equal(t, 10, counts["light"])
}

func TestAdaptivePrefersScore(t *testing.T) {
	s := newSelector(t, "adaptive")
	ctx := context.Background()

	cands := []Candidate{
		{StrategyID: "slow", Version: "1.0.0", Performance: 0.1, Affinity: 0.1},
		{StrategyID: "fast", Version: "1.0.0", Performance: 0.9, Affinity: 0.9},
	}

	sel, err := s.Select(ctx, cands)
	require.NoError(t, err)
	assert.Equal(t, "fast", sel.Candidate.StrategyID)
	sel.Done(true)
}

func TestWeightedSumScorer(t *testing.T) {
	v := view{Candidate: Candidate{Performance: 1, Affinity: 0.5}, Load: 0.5}
	assert.InDelta(t, 0.4*1+0.4*0.5+0.2*0.5, WeightedSumScorer{}.Score(v), 1e-9)
}

func TestSelectionFailureFeedsBreaker(t *testing.T) {
	s := newSelector(t, "adaptive")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sel, err := s.Select(ctx, candidates("only"))
		require.NoError(t, err)
		sel.Done(false)
	}
	assert.Equal(t, CircuitOpen, s.CircuitState("only"))

	_, err := s.Select(ctx, candidates("only"))
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
