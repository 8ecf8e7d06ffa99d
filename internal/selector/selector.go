// Package selector picks which strategy serves a request.
//
// Three pluggable algorithms (weighted round robin, least connections,
// adaptive scoring) sit behind a per-strategy circuit breaker: a
// strategy with an open circuit is excluded before scoring. Selection is
// the hottest path in the system, so critical sections stay minimal and
// the breaker is the single mutation point for circuit state.
package selector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/rolloutd/internal/selector"

// Errors for selection.
var (
	// ErrNoCandidates means the caller offered an empty candidate set.
	ErrNoCandidates = errors.New("no candidates to select from")
	// ErrCircuitOpen means every candidate's circuit is open. The error
	// propagates to the caller; the selector never silently routes to a
	// known-bad strategy.
	ErrCircuitOpen = errors.New("all candidates excluded by open circuits")
)

// Selection is one granted pick. Done must be called exactly once when
// the call completes; it releases the connection slot and feeds the
// circuit breaker.
type Selection struct {
	Candidate Candidate
	selector  *Selector
	done      sync.Once
}

// Done releases the selection. Safe to call more than once; only the
// first call has effect, so the connection counter can never leak.
func (s *Selection) Done(success bool) {
	s.done.Do(func() {
		s.selector.complete(s.Candidate.StrategyID, success)
	})
}

// Selector gates balancer picks through the circuit breaker and owns the
// open-connection counters.
type Selector struct {
	balancer Balancer
	breaker  *Breaker
	logger   *logging.Logger

	mu    sync.RWMutex
	conns map[string]*atomic.Int64

	selectionsTotal metric.Int64Counter
	rejectionsTotal metric.Int64Counter
	openConns       metric.Int64UpDownCounter
}

// New creates a selector with the configured algorithm.
func New(cfg config.SelectorConfig, logger *logging.Logger) (*Selector, error) {
	balancer, err := NewBalancer(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Selector{
		balancer: balancer,
		breaker:  NewBreaker(cfg.Breaker),
		logger:   logger.Named("selector"),
		conns:    make(map[string]*atomic.Int64),
	}

	meter := otel.Meter(instrumentationName)
	s.selectionsTotal, err = meter.Int64Counter(
		"rolloutd.selector.selections_total",
		metric.WithDescription("Selections served, labeled by strategy id and algorithm."),
		metric.WithUnit("{selection}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create selections counter", zap.Error(err))
	}
	s.rejectionsTotal, err = meter.Int64Counter(
		"rolloutd.selector.rejections_total",
		metric.WithDescription("Selection requests rejected because every candidate circuit was open."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create rejections counter", zap.Error(err))
	}
	s.openConns, err = meter.Int64UpDownCounter(
		"rolloutd.selector.open_connections",
		metric.WithDescription("Connections currently held open per strategy."),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create connections counter", zap.Error(err))
	}

	return s, nil
}

// Select picks a strategy for the request. Candidates whose circuit is
// open are excluded before the algorithm runs; if that excludes all of
// them, ErrCircuitOpen propagates to the caller.
func (s *Selector) Select(ctx context.Context, candidates []Candidate) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	eligible := make([]view, 0, len(candidates))
	for _, c := range candidates {
		if !s.breaker.Allow(c.StrategyID) {
			continue
		}
		eligible = append(eligible, view{Candidate: c, OpenConns: s.connCounter(c.StrategyID).Load()})
	}
	if len(eligible) == 0 {
		if s.rejectionsTotal != nil {
			s.rejectionsTotal.Add(ctx, 1)
		}
		return nil, ErrCircuitOpen
	}

	// Normalize load against the busiest eligible candidate for the
	// adaptive score.
	var maxConns int64 = 1
	for _, v := range eligible {
		if v.OpenConns > maxConns {
			maxConns = v.OpenConns
		}
	}
	for i := range eligible {
		eligible[i].Load = float64(eligible[i].OpenConns) / float64(maxConns)
	}

	picked := eligible[s.balancer.Pick(eligible)]
	s.connCounter(picked.StrategyID).Add(1)

	if s.selectionsTotal != nil {
		s.selectionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("strategy_id", picked.StrategyID),
			attribute.String("algorithm", s.balancer.Name()),
		))
	}
	if s.openConns != nil {
		s.openConns.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy_id", picked.StrategyID)))
	}

	s.logger.Trace(ctx, "candidate selected",
		zap.String("strategy_id", picked.StrategyID),
		zap.String("algorithm", s.balancer.Name()))

	return &Selection{Candidate: picked.Candidate, selector: s}, nil
}

// complete is Selection.Done's single path: one decrement, one breaker
// outcome.
func (s *Selector) complete(strategyID string, success bool) {
	s.connCounter(strategyID).Add(-1)
	if s.openConns != nil {
		s.openConns.Add(context.Background(), -1, metric.WithAttributes(attribute.String("strategy_id", strategyID)))
	}
	if success {
		s.breaker.RecordSuccess(strategyID)
	} else {
		s.breaker.RecordFailure(strategyID)
	}
}

// OpenConnections returns the current counter for a strategy.
func (s *Selector) OpenConnections(strategyID string) int64 {
	return s.connCounter(strategyID).Load()
}

// CircuitState exposes the breaker position for a strategy.
func (s *Selector) CircuitState(strategyID string) CircuitState {
	return s.breaker.State(strategyID)
}

// CircuitStates snapshots every tracked circuit.
func (s *Selector) CircuitStates() map[string]CircuitState {
	return s.breaker.States()
}

// Algorithm names the configured balancer.
func (s *Selector) Algorithm() string {
	return s.balancer.Name()
}

func (s *Selector) connCounter(strategyID string) *atomic.Int64 {
	s.mu.RLock()
	c, ok := s.conns[strategyID]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.conns[strategyID]; ok {
		return c
	}
	c = &atomic.Int64{}
	s.conns[strategyID] = c
	return c
}
