// Package retire walks strategies out of service: trigger evaluation,
// the four-phase retirement schedule, and batch session migration.
//
// Phases run at fixed delays from deprecation: notify (day 0), redirect
// new traffic (day 7), disable (day 30), archive (day 90). Every phase
// is idempotent and resumable; advancement re-checks the strategy's
// durable status before acting, so a crash mid-phase never skips or
// repeats a user-visible effect.
package retire

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/registry"
	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/rolloutd/internal/retire"

// Errors for retirement operations.
var (
	// ErrNotRetirable means the strategy is not in a status retirement
	// can start from. Only production strategies deprecate.
	ErrNotRetirable = errors.New("strategy cannot be retired from its current status")
	// ErrAlreadyRetiring means a retirement record already exists for the
	// strategy.
	ErrAlreadyRetiring = errors.New("retirement already in progress")
)

// Trigger names the condition that started a retirement.
type Trigger string

const (
	TriggerSustainedErrors Trigger = "sustained_errors"
	TriggerUnderutilized   Trigger = "underutilized"
	TriggerStale           Trigger = "stale"
	TriggerManual          Trigger = "manual"
)

// Phase is a completed step of the retirement schedule.
type Phase string

const (
	PhaseDeprecated Phase = "deprecated"
	PhaseRedirected Phase = "redirected"
	PhaseDisabled   Phase = "disabled"
	PhaseArchived   Phase = "archived"
)

// Retirement tracks one strategy moving through the schedule.
type Retirement struct {
	Strategy    strategy.Ref  `json:"strategy"`
	Trigger     Trigger       `json:"trigger"`
	Replacement *strategy.Ref `json:"replacement,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Phase       Phase         `json:"phase"`
	// RedirectedAt is set when the redirect phase completed. Zero until
	// then.
	RedirectedAt time.Time `json:"redirected_at,omitempty"`
}

// HealthSource supplies error rates for the sustained-errors trigger.
type HealthSource interface {
	ErrorRateSince(strategyID string, cutoff time.Time) (rate float64, samples int)
}

// Releaser drops a strategy's deployment records when retirement takes
// over its lifecycle. The orchestrator satisfies this.
type Releaser interface {
	Release(strategyID string)
}

// Events receives retirement and migration lifecycle notifications. A
// nil sink drops everything.
type Events interface {
	PublishRetirement(ctx context.Context, event string, r Retirement)
	PublishMigration(ctx context.Context, event string, mg Migration)
}

// Manager owns retirement records and running migrations.
type Manager struct {
	registry *registry.Registry
	health   HealthSource
	sessions SessionStore
	releaser Releaser
	events   Events
	cfg      config.RetireConfig
	logger   *logging.Logger
	now      func() time.Time

	mu          sync.Mutex
	retirements map[string]*Retirement // by strategy id
	breaches    map[string]int         // consecutive breached windows
	lastEval    time.Time
	migrations  map[string]*migrationRun

	retirementsTotal metric.Int64Counter
	migratedTotal    metric.Int64Counter
}

// New creates a manager. sessions backs migrations; releaser and events
// may be nil.
func New(cfg config.RetireConfig, reg *registry.Registry, health HealthSource, sessions SessionStore, releaser Releaser, events Events, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if sessions == nil {
		sessions = NewMemorySessions()
	}
	m := &Manager{
		registry:    reg,
		health:      health,
		sessions:    sessions,
		releaser:    releaser,
		events:      events,
		cfg:         cfg,
		logger:      logger.Named("retire"),
		now:         time.Now,
		retirements: make(map[string]*Retirement),
		breaches:    make(map[string]int),
		migrations:  make(map[string]*migrationRun),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	m.retirementsTotal, err = meter.Int64Counter(
		"rolloutd.retire.retirements_total",
		metric.WithDescription("Retirements started, labeled by trigger."),
		metric.WithUnit("{retirement}"),
	)
	if err != nil {
		m.logger.Warn(context.Background(), "failed to create retirements counter", zap.Error(err))
	}
	m.migratedTotal, err = meter.Int64Counter(
		"rolloutd.retire.migrated_sessions_total",
		metric.WithDescription("Sessions moved to replacement strategies."),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn(context.Background(), "failed to create migrations counter", zap.Error(err))
	}

	return m
}

// Restore rebuilds retirement records from the registry's durable
// state. Called once at startup so a restart resumes the schedule
// instead of forgetting it.
func (m *Manager) Restore(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for _, s := range m.registry.All() {
		var phase Phase
		switch s.Status {
		case strategy.StatusDeprecated:
			phase = PhaseDeprecated
		case strategy.StatusRetired:
			phase = PhaseDisabled
		default:
			continue
		}
		if _, ok := m.retirements[s.ID]; ok {
			continue
		}
		startedAt := s.DeprecatedAt
		if startedAt.IsZero() {
			startedAt = m.now()
		}
		var replacement *strategy.Ref
		if s.ReplacementRef != nil {
			r := *s.ReplacementRef
			replacement = &r
		}
		m.retirements[s.ID] = &Retirement{
			Strategy:    s.Ref(),
			Trigger:     TriggerManual,
			Replacement: replacement,
			StartedAt:   startedAt,
			Phase:       phase,
		}
		restored++
		m.logger.Info(ctx, "retirement restored",
			zap.String("strategy", s.Ref().String()),
			zap.String("phase", string(phase)))
	}
	return restored
}

// EvaluateTriggers is the scheduled trigger pass. Any one trigger is
// sufficient: sustained error rate over the limit for the configured
// number of consecutive windows, underutilization with a replacement
// available, or staleness.
func (m *Manager) EvaluateTriggers(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	cutoff := m.lastEval
	m.lastEval = now
	m.mu.Unlock()
	if cutoff.IsZero() {
		return
	}

	for _, s := range m.registry.All() {
		if s.Status != strategy.StatusProduction {
			continue
		}
		if m.retiring(s.ID) {
			continue
		}

		if trigger, replacement := m.checkTriggers(s, cutoff, now); trigger != "" {
			if err := m.Retire(ctx, s.Ref(), trigger, replacement); err != nil {
				m.logger.Error(ctx, "trigger-driven retirement failed",
					zap.String("strategy", s.Ref().String()), zap.Error(err))
			}
		}
	}
}

func (m *Manager) checkTriggers(s *strategy.Strategy, cutoff, now time.Time) (Trigger, *strategy.Ref) {
	rate, samples := m.health.ErrorRateSince(s.ID, cutoff)
	m.mu.Lock()
	if samples > 0 && rate > m.cfg.ErrorRateLimit {
		m.breaches[s.ID]++
	} else {
		delete(m.breaches, s.ID)
	}
	breaches := m.breaches[s.ID]
	m.mu.Unlock()

	replacement := m.replacementFor(s)
	if breaches >= m.cfg.ErrorWindows {
		return TriggerSustainedErrors, replacement
	}

	lastUsed := s.LastUsedAt
	if lastUsed.IsZero() {
		lastUsed = s.CreatedAt
	}
	if replacement != nil && now.Sub(lastUsed) > m.cfg.UnderutilizedAfter.Duration() {
		return TriggerUnderutilized, replacement
	}

	if now.Sub(s.CreatedAt) > m.cfg.StaleAfter.Duration() {
		return TriggerStale, replacement
	}
	return "", nil
}

// replacementFor returns the newest deployable later version of the
// same strategy id, or nil.
func (m *Manager) replacementFor(s *strategy.Strategy) *strategy.Ref {
	versions := m.registry.Versions(s.ID)
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if strategy.CompareVersions(v, s.Version) <= 0 {
			break
		}
		cand, err := m.registry.Get(context.Background(), s.ID, v)
		if err != nil {
			continue
		}
		switch cand.Status {
		case strategy.StatusValidated, strategy.StatusCanary, strategy.StatusBeta, strategy.StatusProduction:
			ref := cand.Ref()
			return &ref
		}
	}
	return nil
}

func (m *Manager) retiring(strategyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.retirements[strategyID]
	return ok
}

// Retire starts the schedule: mark deprecated, stamp the anchor time,
// release deployments, notify. Day 0 of the four phases.
func (m *Manager) Retire(ctx context.Context, ref strategy.Ref, trigger Trigger, replacement *strategy.Ref) error {
	m.mu.Lock()
	if _, ok := m.retirements[ref.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRetiring, ref.ID)
	}
	m.mu.Unlock()

	now := m.now()
	_, err := m.registry.Update(ctx, ref, func(s *strategy.Strategy) error {
		if s.Status != strategy.StatusProduction {
			return fmt.Errorf("%w: %s is %s", ErrNotRetirable, ref, s.Status)
		}
		if err := s.Transition(strategy.StatusDeprecated); err != nil {
			return err
		}
		s.DeprecatedAt = now
		if replacement != nil {
			r := *replacement
			s.ReplacementRef = &r
		}
		return nil
	})
	if err != nil {
		return err
	}

	if m.releaser != nil {
		m.releaser.Release(ref.ID)
	}

	r := &Retirement{
		Strategy:    ref,
		Trigger:     trigger,
		Replacement: replacement,
		StartedAt:   now,
		Phase:       PhaseDeprecated,
	}
	m.mu.Lock()
	m.retirements[ref.ID] = r
	delete(m.breaches, ref.ID)
	m.mu.Unlock()

	if m.retirementsTotal != nil {
		m.retirementsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(trigger))))
	}
	m.logger.Info(ctx, "strategy deprecated",
		zap.String("strategy", ref.String()),
		zap.String("trigger", string(trigger)))
	m.publishRetirement(ctx, "deprecated", r)
	return nil
}

// AdvancePhases is the scheduled phase pass. Each record advances as
// far as its elapsed time allows, one idempotent step at a time.
func (m *Manager) AdvancePhases(ctx context.Context) {
	now := m.now()
	for _, r := range m.Retirements() {
		elapsed := now.Sub(r.StartedAt)
		if r.Phase == PhaseDeprecated && elapsed >= m.cfg.RedirectAfter.Duration() {
			m.redirect(ctx, r.Strategy)
		}
		if r.Phase == PhaseRedirected && elapsed >= m.cfg.DisableAfter.Duration() {
			m.disable(ctx, r.Strategy)
		}
		if r.Phase == PhaseDisabled && elapsed >= m.cfg.ArchiveAfter.Duration() {
			m.archive(ctx, r.Strategy)
		}
	}
}

// redirect points new traffic at the replacement and starts migrating
// existing sessions when a replacement is designated.
func (m *Manager) redirect(ctx context.Context, ref strategy.Ref) {
	m.mu.Lock()
	r, ok := m.retirements[ref.ID]
	if !ok || r.Phase != PhaseDeprecated {
		m.mu.Unlock()
		return
	}
	r.Phase = PhaseRedirected
	r.RedirectedAt = m.now()
	replacement := r.Replacement
	snapshot := *r
	m.mu.Unlock()

	m.logger.Info(ctx, "new traffic redirected",
		zap.String("strategy", ref.String()))
	m.publishRetirement(ctx, "redirected", &snapshot)

	if replacement != nil {
		if _, err := m.StartMigration(ctx, ref, *replacement); err != nil && !errors.Is(err, ErrMigrationExists) {
			m.logger.Error(ctx, "migration start failed",
				zap.String("from", ref.String()),
				zap.String("to", replacement.String()),
				zap.Error(err))
		}
	}
}

// disable moves the strategy to retired. Re-entry is harmless: the
// status check inside the update rejects a repeat.
func (m *Manager) disable(ctx context.Context, ref strategy.Ref) {
	m.phaseTransition(ctx, ref, strategy.StatusDeprecated, strategy.StatusRetired, PhaseDisabled, "disabled")
}

// archive is the terminal phase. The record is dropped afterwards; GC
// owns reclaiming the archived version's storage.
func (m *Manager) archive(ctx context.Context, ref strategy.Ref) {
	m.phaseTransition(ctx, ref, strategy.StatusRetired, strategy.StatusArchived, PhaseArchived, "archived")
	m.mu.Lock()
	if r, ok := m.retirements[ref.ID]; ok && r.Phase == PhaseArchived {
		delete(m.retirements, ref.ID)
	}
	m.mu.Unlock()
}

func (m *Manager) phaseTransition(ctx context.Context, ref strategy.Ref, from, to strategy.Status, phase Phase, event string) {
	_, err := m.registry.Update(ctx, ref, func(s *strategy.Strategy) error {
		if s.Status != from {
			// Already past this phase; resuming must not repeat it.
			return nil
		}
		return s.Transition(to)
	})
	if err != nil {
		m.logger.Error(ctx, "phase transition failed",
			zap.String("strategy", ref.String()),
			zap.String("phase", string(phase)),
			zap.Error(err))
		return
	}

	m.mu.Lock()
	r, ok := m.retirements[ref.ID]
	if !ok || r.Phase == phase {
		m.mu.Unlock()
		return
	}
	r.Phase = phase
	snapshot := *r
	m.mu.Unlock()

	m.logger.Info(ctx, "retirement phase complete",
		zap.String("strategy", ref.String()),
		zap.String("phase", string(phase)))
	m.publishRetirement(ctx, event, &snapshot)
}

// Retirements snapshots the active records, ordered by strategy id.
func (m *Manager) Retirements() []*Retirement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Retirement, 0, len(m.retirements))
	for _, r := range m.retirements {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy.ID < out[j].Strategy.ID })
	return out
}

// RetirementFor returns the record for one strategy id, or nil.
func (m *Manager) RetirementFor(strategyID string) *Retirement {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.retirements[strategyID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (m *Manager) publishRetirement(ctx context.Context, event string, r *Retirement) {
	if m.events == nil {
		return
	}
	m.events.PublishRetirement(ctx, event, *r)
}
