package retire

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/registry"
	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHealth struct {
	rate    float64
	samples int
}

func (h *stubHealth) ErrorRateSince(string, time.Time) (float64, int) {
	return h.rate, h.samples
}

type stubReleaser struct {
	mu       sync.Mutex
	released []string
}

func (r *stubReleaser) Release(strategyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, strategyID)
}

type recordingEvents struct {
	mu         sync.Mutex
	retirement []string
	migration  []string
}

func (r *recordingEvents) PublishRetirement(_ context.Context, event string, ret Retirement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retirement = append(r.retirement, event+":"+ret.Strategy.ID)
}

func (r *recordingEvents) PublishMigration(_ context.Context, event string, _ Migration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.migration = append(r.migration, event)
}

func (r *recordingEvents) retirementEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.retirement...)
}

func (r *recordingEvents) migrationEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.migration...)
}

func testRetireConfig() config.RetireConfig {
	return config.RetireConfig{
		ErrorRateLimit:      0.05,
		ErrorWindows:        2,
		UnderutilizedAfter:  config.Duration(7 * 24 * time.Hour),
		StaleAfter:          config.Duration(90 * 24 * time.Hour),
		RedirectAfter:       config.Duration(7 * 24 * time.Hour),
		DisableAfter:        config.Duration(30 * 24 * time.Hour),
		ArchiveAfter:        config.Duration(90 * 24 * time.Hour),
		MigrationBatchSize:  100,
		MaxBatchFailures:    3,
		BatchRetryBackoff:   config.Duration(time.Millisecond),
		PhaseCheckInterval:  config.Duration(time.Hour),
		TriggerEvalInterval: config.Duration(15 * time.Minute),
	}
}

type env struct {
	reg      *registry.Registry
	mgr      *Manager
	health   *stubHealth
	releaser *stubReleaser
	events   *recordingEvents
	sessions *MemorySessions
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg, err := registry.New(registry.Options{})
	require.NoError(t, err)

	e := &env{
		reg:      reg,
		health:   &stubHealth{},
		releaser: &stubReleaser{},
		events:   &recordingEvents{},
		sessions: NewMemorySessions(),
		now:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	e.mgr = New(testRetireConfig(), reg, e.health, e.sessions, e.releaser, e.events, nil)
	e.mgr.now = func() time.Time { return e.now }
	return e
}

// seed registers a version and walks it to the given status.
func (e *env) seed(t *testing.T, id, version string, status strategy.Status) strategy.Ref {
	t.Helper()
	ctx := context.Background()
	_, err := e.reg.Register(ctx, &strategy.Strategy{
		ID:      id,
		Version: version,
		Metadata: strategy.Metadata{
			Domain:     "payments",
			Complexity: strategy.ComplexityLow,
		},
		Payload: []byte("p"),
	})
	require.NoError(t, err)

	ref := strategy.Ref{ID: id, Version: version}
	path := []strategy.Status{
		strategy.StatusValidated, strategy.StatusCanary, strategy.StatusBeta,
		strategy.StatusProduction, strategy.StatusDeprecated, strategy.StatusRetired,
	}
	for _, next := range path {
		if status == strategy.StatusDraft {
			break
		}
		_, err = e.reg.Update(ctx, ref, func(s *strategy.Strategy) error {
			return s.Transition(next)
		})
		require.NoError(t, err)
		if next == status {
			break
		}
	}
	return ref
}

func (e *env) status(t *testing.T, ref strategy.Ref) strategy.Status {
	t.Helper()
	s, err := e.reg.Get(context.Background(), ref.ID, ref.Version)
	require.NoError(t, err)
	return s.Status
}

func TestRetireMarksDeprecated(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	ctx := context.Background()

	require.NoError(t, e.mgr.Retire(ctx, ref, TriggerManual, nil))
	assert.Equal(t, strategy.StatusDeprecated, e.status(t, ref))
	assert.Equal(t, []string{"payments-v1"}, e.releaser.released)
	assert.Equal(t, []string{"deprecated:payments-v1"}, e.events.retirementEvents())

	s, err := e.reg.Get(ctx, ref.ID, ref.Version)
	require.NoError(t, err)
	assert.Equal(t, e.now, s.DeprecatedAt)

	r := e.mgr.RetirementFor(ref.ID)
	require.NotNil(t, r)
	assert.Equal(t, PhaseDeprecated, r.Phase)

	assert.ErrorIs(t, e.mgr.Retire(ctx, ref, TriggerManual, nil), ErrAlreadyRetiring)
}

func TestRetirePersistsReplacement(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	next := e.seed(t, "payments-v1", "2.0.0", strategy.StatusValidated)
	ctx := context.Background()

	require.NoError(t, e.mgr.Retire(ctx, ref, TriggerManual, &next))

	s, err := e.reg.Get(ctx, ref.ID, ref.Version)
	require.NoError(t, err)
	require.NotNil(t, s.ReplacementRef)
	assert.Equal(t, next, *s.ReplacementRef)
}

func TestRetireRequiresProduction(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0", strategy.StatusBeta)

	err := e.mgr.Retire(context.Background(), ref, TriggerManual, nil)
	assert.ErrorIs(t, err, ErrNotRetirable)
	assert.Equal(t, strategy.StatusBeta, e.status(t, ref))
	assert.Nil(t, e.mgr.RetirementFor(ref.ID))
}

func TestPhaseSchedule(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	ctx := context.Background()
	require.NoError(t, e.mgr.Retire(ctx, ref, TriggerManual, nil))

	// Day 1: nothing due.
	e.now = e.now.Add(24 * time.Hour)
	e.mgr.AdvancePhases(ctx)
	assert.Equal(t, PhaseDeprecated, e.mgr.RetirementFor(ref.ID).Phase)

	// Day 7: redirect.
	e.now = e.now.Add(6 * 24 * time.Hour)
	e.mgr.AdvancePhases(ctx)
	assert.Equal(t, PhaseRedirected, e.mgr.RetirementFor(ref.ID).Phase)
	assert.Equal(t, strategy.StatusDeprecated, e.status(t, ref))

	// Re-running the pass repeats nothing.
	e.mgr.AdvancePhases(ctx)
	assert.Equal(t,
		[]string{"deprecated:payments-v1", "redirected:payments-v1"},
		e.events.retirementEvents())

	// Day 30: disable.
	e.now = e.now.Add(23 * 24 * time.Hour)
	e.mgr.AdvancePhases(ctx)
	assert.Equal(t, PhaseDisabled, e.mgr.RetirementFor(ref.ID).Phase)
	assert.Equal(t, strategy.StatusRetired, e.status(t, ref))

	// Day 90: archive, record dropped.
	e.now = e.now.Add(60 * 24 * time.Hour)
	e.mgr.AdvancePhases(ctx)
	assert.Equal(t, strategy.StatusArchived, e.status(t, ref))
	assert.Nil(t, e.mgr.RetirementFor(ref.ID))
	assert.Equal(t,
		[]string{"deprecated:payments-v1", "redirected:payments-v1", "disabled:payments-v1", "archived:payments-v1"},
		e.events.retirementEvents())
}

func TestRestoreResumesSchedule(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0", strategy.StatusDeprecated)
	ctx := context.Background()

	deprecatedAt := e.now.Add(-8 * 24 * time.Hour)
	_, err := e.reg.Update(ctx, ref, func(s *strategy.Strategy) error {
		s.DeprecatedAt = deprecatedAt
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, e.mgr.Restore(ctx))
	r := e.mgr.RetirementFor(ref.ID)
	require.NotNil(t, r)
	assert.Equal(t, PhaseDeprecated, r.Phase)
	assert.Equal(t, deprecatedAt, r.StartedAt)

	// Restore is idempotent.
	assert.Equal(t, 0, e.mgr.Restore(ctx))

	// Eight days in: the redirect phase is due immediately.
	e.mgr.AdvancePhases(ctx)
	assert.Equal(t, PhaseRedirected, e.mgr.RetirementFor(ref.ID).Phase)
}

func TestRestoreResumesPlannedMigration(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0", strategy.StatusDeprecated)
	next := e.seed(t, "payments-v1", "2.0.0", strategy.StatusValidated)
	ctx := context.Background()

	// The replacement designated at retirement time survives on the
	// durable record; a restart must not forget it.
	_, err := e.reg.Update(ctx, ref, func(s *strategy.Strategy) error {
		s.DeprecatedAt = e.now.Add(-8 * 24 * time.Hour)
		s.ReplacementRef = &next
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, 1, e.mgr.Restore(ctx))
	r := e.mgr.RetirementFor(ref.ID)
	require.NotNil(t, r)
	require.NotNil(t, r.Replacement)
	assert.Equal(t, next, *r.Replacement)

	e.sessions.Pin(ref, 25)
	e.mgr.AdvancePhases(ctx)
	assert.Equal(t, PhaseRedirected, e.mgr.RetirementFor(ref.ID).Phase)

	require.Eventually(t, func() bool {
		migrations := e.mgr.Migrations()
		return len(migrations) == 1 && migrations[0].Status == MigrationCompleted
	}, time.Second, 5*time.Millisecond)

	moved, err := e.sessions.Count(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 25, moved)
}

func TestRestoreRetiredStrategy(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0", strategy.StatusRetired)

	require.Equal(t, 1, e.mgr.Restore(context.Background()))
	r := e.mgr.RetirementFor(ref.ID)
	require.NotNil(t, r)
	assert.Equal(t, PhaseDisabled, r.Phase)
}

func TestSustainedErrorTrigger(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	ctx := context.Background()

	e.health.rate, e.health.samples = 0.20, 300

	// First pass only anchors the window; two breached windows trip.
	e.mgr.EvaluateTriggers(ctx)
	assert.Equal(t, strategy.StatusProduction, e.status(t, ref))
	e.mgr.EvaluateTriggers(ctx)
	assert.Equal(t, strategy.StatusProduction, e.status(t, ref))
	e.mgr.EvaluateTriggers(ctx)
	assert.Equal(t, strategy.StatusDeprecated, e.status(t, ref))

	r := e.mgr.RetirementFor(ref.ID)
	require.NotNil(t, r)
	assert.Equal(t, TriggerSustainedErrors, r.Trigger)
}

func TestErrorTriggerResetsOnCleanWindow(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	ctx := context.Background()

	e.mgr.EvaluateTriggers(ctx)
	e.health.rate, e.health.samples = 0.20, 300
	e.mgr.EvaluateTriggers(ctx)
	// Clean window resets the streak.
	e.health.rate = 0.01
	e.mgr.EvaluateTriggers(ctx)
	e.health.rate = 0.20
	e.mgr.EvaluateTriggers(ctx)
	assert.Equal(t, strategy.StatusProduction, e.status(t, ref))
}

func TestUnderutilizedTriggerNeedsReplacement(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	ctx := context.Background()

	// Unused for ten days against a seven-day threshold.
	_, err := e.reg.Update(ctx, ref, func(s *strategy.Strategy) error {
		s.CreatedAt = e.now.Add(-20 * 24 * time.Hour)
		s.LastUsedAt = e.now.Add(-10 * 24 * time.Hour)
		return nil
	})
	require.NoError(t, err)

	// No replacement: stays.
	e.mgr.EvaluateTriggers(ctx)
	e.mgr.EvaluateTriggers(ctx)
	assert.Equal(t, strategy.StatusProduction, e.status(t, ref))

	// A validated newer version makes it eligible.
	e.seed(t, "payments-v1", "2.0.0", strategy.StatusValidated)
	e.mgr.EvaluateTriggers(ctx)
	assert.Equal(t, strategy.StatusDeprecated, e.status(t, ref))

	r := e.mgr.RetirementFor(ref.ID)
	require.NotNil(t, r)
	assert.Equal(t, TriggerUnderutilized, r.Trigger)
	require.NotNil(t, r.Replacement)
	assert.Equal(t, "2.0.0", r.Replacement.Version)
}

func TestStaleTrigger(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	ctx := context.Background()

	// Keep it recently used so only staleness can trip.
	_, err := e.reg.Update(ctx, ref, func(s *strategy.Strategy) error {
		s.CreatedAt = e.now.Add(-91 * 24 * time.Hour)
		s.LastUsedAt = e.now
		return nil
	})
	require.NoError(t, err)

	e.mgr.EvaluateTriggers(ctx)
	e.mgr.EvaluateTriggers(ctx)

	r := e.mgr.RetirementFor(ref.ID)
	require.NotNil(t, r)
	assert.Equal(t, TriggerStale, r.Trigger)
}

func TestMigrationCompletes(t *testing.T) {
	e := newEnv(t)
	from := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	to := e.seed(t, "payments-v1", "2.0.0", strategy.StatusValidated)
	e.sessions.Pin(from, 250)

	mg, err := e.mgr.StartMigration(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 250, mg.Total)

	require.Eventually(t, func() bool {
		cur, err := e.mgr.Migration(mg.ID)
		return err == nil && cur.Status == MigrationCompleted
	}, time.Second, 2*time.Millisecond)

	cur, err := e.mgr.Migration(mg.ID)
	require.NoError(t, err)
	assert.Equal(t, 250, cur.Migrated)
	assert.Equal(t, 1.0, cur.Progress)

	n, err := e.sessions.Count(context.Background(), to)
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Contains(t, e.events.migrationEvents(), "completed")
}

type flakyStore struct {
	*MemorySessions
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) Move(ctx context.Context, from, to strategy.Ref, limit int) (int, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return 0, errors.New("session broker unavailable")
	}
	f.mu.Unlock()
	return f.MemorySessions.Move(ctx, from, to, limit)
}

func TestMigrationRetriesFailedBatch(t *testing.T) {
	e := newEnv(t)
	from := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	to := e.seed(t, "payments-v1", "2.0.0", strategy.StatusValidated)

	store := &flakyStore{MemorySessions: e.sessions, fails: 2}
	e.mgr.sessions = store
	e.sessions.Pin(from, 150)

	mg, err := e.mgr.StartMigration(context.Background(), from, to)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := e.mgr.Migration(mg.ID)
		return err == nil && cur.Status == MigrationCompleted
	}, time.Second, 2*time.Millisecond)
}

func TestMigrationPartialFailure(t *testing.T) {
	e := newEnv(t)
	from := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	to := e.seed(t, "payments-v1", "2.0.0", strategy.StatusValidated)

	// Three consecutive failures is the abort limit; the store never
	// recovers.
	store := &flakyStore{MemorySessions: e.sessions, fails: 1 << 20}
	e.mgr.sessions = store
	e.sessions.Pin(from, 150)

	mg, err := e.mgr.StartMigration(context.Background(), from, to)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := e.mgr.Migration(mg.ID)
		return err == nil && cur.Status == MigrationPartialFailure
	}, time.Second, 2*time.Millisecond)

	cur, err := e.mgr.Migration(mg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cur.Migrated)
	assert.Contains(t, cur.Error, "session broker unavailable")
}

func TestMigrationCancel(t *testing.T) {
	e := newEnv(t)
	from := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	to := e.seed(t, "payments-v1", "2.0.0", strategy.StatusValidated)

	// Endless retries keep the run alive until cancelled.
	cfg := testRetireConfig()
	cfg.MaxBatchFailures = 1 << 20
	cfg.BatchRetryBackoff = config.Duration(time.Millisecond)
	e.mgr.cfg = cfg
	e.mgr.sessions = &flakyStore{MemorySessions: e.sessions, fails: 1 << 20}
	e.sessions.Pin(from, 100)

	mg, err := e.mgr.StartMigration(context.Background(), from, to)
	require.NoError(t, err)
	require.NoError(t, e.mgr.CancelMigration(mg.ID))

	require.Eventually(t, func() bool {
		cur, err := e.mgr.Migration(mg.ID)
		return err == nil && cur.Status == MigrationCancelled
	}, time.Second, 2*time.Millisecond)

	assert.ErrorIs(t, e.mgr.CancelMigration("no-such-id"), ErrMigrationNotFound)
}

func TestMigrationCompatibilityGate(t *testing.T) {
	e := newEnv(t)
	from := e.seed(t, "payments-v1", "2.0.0", strategy.StatusProduction)
	older := e.seed(t, "payments-v1", "1.0.0", strategy.StatusValidated)
	retired := e.seed(t, "other", "1.0.0", strategy.StatusRetired)
	ctx := context.Background()

	_, err := e.mgr.StartMigration(ctx, from, older)
	assert.ErrorIs(t, err, ErrIncompatibleMigration)

	_, err = e.mgr.StartMigration(ctx, from, retired)
	assert.ErrorIs(t, err, ErrIncompatibleMigration)

	_, err = e.mgr.StartMigration(ctx, from, strategy.Ref{ID: "missing", Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrIncompatibleMigration)
}

func TestRedirectStartsMigration(t *testing.T) {
	e := newEnv(t)
	from := e.seed(t, "payments-v1", "1.0.0", strategy.StatusProduction)
	to := e.seed(t, "payments-v1", "2.0.0", strategy.StatusValidated)
	ctx := context.Background()
	e.sessions.Pin(from, 50)

	require.NoError(t, e.mgr.Retire(ctx, from, TriggerManual, &to))
	e.now = e.now.Add(8 * 24 * time.Hour)
	e.mgr.AdvancePhases(ctx)

	require.Eventually(t, func() bool {
		for _, mg := range e.mgr.Migrations() {
			if mg.From == from && mg.Status == MigrationCompleted {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
}
