package selector

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
)

// CircuitState is the breaker position for one strategy.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// circuit is the per-strategy breaker record. Every field is guarded by
// mu; Allow/RecordSuccess/RecordFailure are the only mutation paths, so
// concurrent increments cannot lose updates.
type circuit struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int       // failures within the rolling window
	windowStart time.Time // start of the current failure window
	lastFailure time.Time
	openedAt    time.Time
}

// Breaker is the per-strategy circuit breaker set.
//
// Transitions: closed -> open after threshold failures within the
// rolling window; open -> half-open on the first Allow after the
// cool-down; half-open -> closed on the next success, half-open -> open
// on the next failure.
type Breaker struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
	cfg      config.BreakerConfig
	now      func() time.Time
}

// NewBreaker creates a breaker set.
func NewBreaker(cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		circuits: make(map[string]*circuit),
		cfg:      cfg,
		now:      time.Now,
	}
}

func (b *Breaker) circuitFor(strategyID string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[strategyID]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.circuits[strategyID]; ok {
		return c
	}
	c = &circuit{state: CircuitClosed}
	b.circuits[strategyID] = c
	return c
}

// Allow reports whether a call to the strategy may proceed. The first
// Allow on an open circuit past its cool-down moves it to half-open and
// admits the call; the next recorded outcome then decides between
// closed and open.
func (b *Breaker) Allow(strategyID string) bool {
	c := b.circuitFor(strategyID)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	default: // open
		if b.now().Sub(c.openedAt) >= b.cfg.CoolDown.Duration() {
			c.state = CircuitHalfOpen
			return true
		}
		return false
	}
}

// RecordSuccess notes a completed call. A half-open success closes the
// circuit and clears the failure window.
func (b *Breaker) RecordSuccess(strategyID string) {
	c := b.circuitFor(strategyID)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitHalfOpen:
		c.state = CircuitClosed
		c.failures = 0
	case CircuitClosed:
		// Success inside the window does not reset the count; only
		// window expiry does. Consecutive-failure semantics live in the
		// windowed count.
		if b.now().Sub(c.windowStart) > b.cfg.FailureWindow.Duration() {
			c.failures = 0
		}
	}
}

// RecordFailure notes a failed call. Enough failures inside the rolling
// window trip the circuit; a half-open failure reopens it immediately.
func (b *Breaker) RecordFailure(strategyID string) {
	c := b.circuitFor(strategyID)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	switch c.state {
	case CircuitHalfOpen:
		c.state = CircuitOpen
		c.openedAt = now
		c.lastFailure = now
		return
	case CircuitOpen:
		c.lastFailure = now
		return
	}

	if c.failures == 0 || now.Sub(c.windowStart) > b.cfg.FailureWindow.Duration() {
		c.windowStart = now
		c.failures = 0
	}
	c.failures++
	c.lastFailure = now

	if c.failures >= b.cfg.FailureThreshold {
		c.state = CircuitOpen
		c.openedAt = now
	}
}

// State returns the current circuit position for a strategy.
func (b *Breaker) State(strategyID string) CircuitState {
	c := b.circuitFor(strategyID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States returns a snapshot of every tracked circuit.
func (b *Breaker) States() map[string]CircuitState {
	b.mu.RLock()
	ids := make([]string, 0, len(b.circuits))
	for id := range b.circuits {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	out := make(map[string]CircuitState, len(ids))
	for _, id := range ids {
		out[id] = b.State(id)
	}
	return out
}
