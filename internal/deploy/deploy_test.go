package deploy

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

type stubSmoke struct {
	err   error
	calls int
}

func (s *stubSmoke) Smoke(context.Context, *strategy.Strategy) error {
	s.calls++
	return s.err
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) PublishDeployment(_ context.Context, event string, d Deployment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+":"+string(d.Stage))
}

func testDeployConfig() config.DeployConfig {
	return config.DeployConfig{
		Canary:        config.StagePolicy{TrafficWeight: 0.05, Duration: config.Duration(time.Hour), RollbackThreshold: 0.10},
		Beta:          config.StagePolicy{TrafficWeight: 0.20, Duration: config.Duration(24 * time.Hour), RollbackThreshold: 0.05},
		Production:    config.StagePolicy{TrafficWeight: 1.00, Duration: 0, RollbackThreshold: 0.02},
		CheckInterval: config.Duration(30 * time.Second),
		SmokeTimeout:  config.Duration(time.Minute),
	}
}

type env struct {
	reg    *registry.Registry
	orch   *Orchestrator
	health *stubHealth
	smoke  *stubSmoke
	events *recordingEvents
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg, err := registry.New(registry.Options{})
	require.NoError(t, err)

	e := &env{
		reg:    reg,
		health: &stubHealth{},
		smoke:  &stubSmoke{},
		events: &recordingEvents{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	e.orch = New(testDeployConfig(), reg, e.health, e.smoke, e.events, nil)
	e.orch.now = func() time.Time { return e.now }
	return e
}

// seed registers a strategy and walks it to validated.
func (e *env) seed(t *testing.T, id, version string) strategy.Ref {
	t.Helper()
	ctx := context.Background()
	_, err := e.reg.Register(ctx, &strategy.Strategy{
		ID:      id,
		Version: version,
		Metadata: strategy.Metadata{
			Domain:     "payments",
			Complexity: strategy.ComplexityLow,
		},
		Payload: []byte(`{"rule":"default"}`),
	})
	require.NoError(t, err)

	ref := strategy.Ref{ID: id, Version: version}
	_, err = e.reg.Update(ctx, ref, func(s *strategy.Strategy) error {
		return s.Transition(strategy.StatusValidated)
	})
	require.NoError(t, err)
	return ref
}

func (e *env) status(t *testing.T, ref strategy.Ref) strategy.Status {
	t.Helper()
	s, err := e.reg.Get(context.Background(), ref.ID, ref.Version)
	require.NoError(t, err)
	return s.Status
}

func TestDeployCanary(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0")

	d, err := e.orch.Deploy(context.Background(), ref, strategy.StatusCanary)
	require.NoError(t, err)
	assert.Equal(t, strategy.StatusCanary, d.Stage)
	assert.Equal(t, 0.05, d.TrafficWeight)
	assert.Equal(t, 0.10, d.RollbackThreshold)
	assert.Equal(t, e.now.Add(time.Hour), d.CheckAfter)
	assert.Equal(t, strategy.StatusCanary, e.status(t, ref))
	assert.Equal(t, []string{"created:canary"}, e.events.events)
}

func TestDeployRequiresValidated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, &strategy.Strategy{
		ID:      "draft-only",
		Version: "1.0.0",
		Metadata: strategy.Metadata{
			Domain:     "search",
			Complexity: strategy.ComplexityLow,
		},
		Payload: []byte("p"),
	})
	require.NoError(t, err)

	_, err = e.orch.Deploy(ctx, strategy.Ref{ID: "draft-only", Version: "1.0.0"}, strategy.StatusCanary)
	assert.ErrorIs(t, err, ErrInvalidStage)
	assert.NotErrorIs(t, err, strategy.ErrBadTransition)
}

func TestDeploySkippingStages(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0")

	_, err := e.orch.Deploy(context.Background(), ref, strategy.StatusBeta)
	assert.ErrorIs(t, err, ErrInvalidStage)

	_, err = e.orch.Deploy(context.Background(), ref, strategy.StatusDraft)
	assert.ErrorIs(t, err, ErrInvalidStage)
}

func TestPromotionReplacesLowerStage(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0")
	ctx := context.Background()

	_, err := e.orch.Deploy(ctx, ref, strategy.StatusCanary)
	require.NoError(t, err)
	d, err := e.orch.Deploy(ctx, ref, strategy.StatusBeta)
	require.NoError(t, err)
	assert.Equal(t, 0.20, d.TrafficWeight)
	assert.Equal(t, strategy.StatusBeta, e.status(t, ref))

	active := e.orch.ActiveFor(ref.ID)
	require.Len(t, active, 1)
	assert.Equal(t, strategy.StatusBeta, active[0].Stage)
}

func TestScheduledPromotionUnderThreshold(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0")
	ctx := context.Background()

	_, err := e.orch.Deploy(ctx, ref, strategy.StatusCanary)
	require.NoError(t, err)

	// 2% errors against a 10% ceiling, mid-bake: nothing happens yet.
	e.health.rate, e.health.samples = 0.02, 400
	e.orch.CheckDeployments(ctx)
	assert.Equal(t, strategy.StatusCanary, e.status(t, ref))

	// Bake complete: promoted to beta.
	e.now = e.now.Add(time.Hour)
	e.orch.CheckDeployments(ctx)
	assert.Equal(t, strategy.StatusBeta, e.status(t, ref))

	active := e.orch.ActiveFor(ref.ID)
	require.Len(t, active, 1)
	assert.Equal(t, strategy.StatusBeta, active[0].Stage)
	assert.Equal(t, e.now.Add(24*time.Hour), active[0].CheckAfter)
}

func TestScheduledRollbackOverThreshold(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0")
	ctx := context.Background()

	_, err := e.orch.Deploy(ctx, ref, strategy.StatusCanary)
	require.NoError(t, err)

	// 15% errors against the 10% ceiling: rolled back without waiting
	// for the bake to finish.
	e.health.rate, e.health.samples = 0.15, 400
	e.orch.CheckDeployments(ctx)

	assert.Equal(t, strategy.StatusValidated, e.status(t, ref))
	assert.Empty(t, e.orch.ActiveFor(ref.ID))
	assert.Contains(t, e.events.events, "rolled_back:canary")
}

func TestRollbackNoSamplesIsNotABreach(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0")
	ctx := context.Background()

	_, err := e.orch.Deploy(ctx, ref, strategy.StatusCanary)
	require.NoError(t, err)

	e.health.rate, e.health.samples = 0, 0
	e.orch.CheckDeployments(ctx)
	assert.Equal(t, strategy.StatusCanary, e.status(t, ref))
}

func TestManualRollback(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0")
	ctx := context.Background()

	_, err := e.orch.Deploy(ctx, ref, strategy.StatusCanary)
	require.NoError(t, err)
	require.NoError(t, e.orch.Rollback(ctx, ref.ID, "manual"))

	assert.Equal(t, strategy.StatusValidated, e.status(t, ref))
	assert.Empty(t, e.orch.ActiveFor(ref.ID))

	assert.ErrorIs(t, e.orch.Rollback(ctx, ref.ID, "manual"), ErrNotDeployed)
}

func TestConflictingTransition(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0")
	ctx := context.Background()

	require.NoError(t, e.orch.beginTransition(ref.ID))
	_, err := e.orch.Deploy(ctx, ref, strategy.StatusCanary)
	assert.ErrorIs(t, err, ErrConflictingTransition)
	assert.ErrorIs(t, e.orch.Rollback(ctx, ref.ID, "manual"), ErrConflictingTransition)
	e.orch.endTransition(ref.ID)

	_, err = e.orch.Deploy(ctx, ref, strategy.StatusCanary)
	assert.NoError(t, err)
}

func TestConcurrentDeployExactlyOneWins(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "1.0.0")
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.orch.Deploy(ctx, ref, strategy.StatusCanary)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		// Losers fail on the transition lock or, if the winner already
		// finished, on the existing deployment.
		assert.True(t,
			errors.Is(err, ErrConflictingTransition) || errors.Is(err, ErrInvalidStage),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, successes)
	assert.Len(t, e.orch.ActiveFor(ref.ID), 1)
}

func TestTrafficBudget(t *testing.T) {
	e := newEnv(t)

	e.orch.mu.Lock()
	e.orch.storeLocked(&Deployment{
		ID:            "d1",
		Strategy:      strategy.Ref{ID: "payments-v1", Version: "1.0.0"},
		Stage:         strategy.StatusProduction,
		Mode:          ModeStaged,
		TrafficWeight: 1.0,
	})
	err := e.orch.checkBudgetLocked("payments-v1", strategy.StatusCanary, 0.05)
	e.orch.mu.Unlock()
	assert.ErrorIs(t, err, ErrTrafficBudget)

	// Promotion out of the lower stage does not double-count it.
	e.orch.mu.Lock()
	e.orch.active = map[string]map[strategy.Status]*Deployment{}
	e.orch.storeLocked(&Deployment{
		ID:            "d2",
		Strategy:      strategy.Ref{ID: "payments-v1", Version: "1.0.0"},
		Stage:         strategy.StatusBeta,
		Mode:          ModeStaged,
		TrafficWeight: 0.20,
	})
	err = e.orch.checkBudgetLocked("payments-v1", strategy.StatusProduction, 1.0)
	e.orch.mu.Unlock()
	assert.NoError(t, err)
}

func TestBlueGreenCutover(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "2.0.0")
	ctx := context.Background()

	d, err := e.orch.BlueGreenDeploy(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ModeBlueGreen, d.Mode)
	assert.Equal(t, strategy.StatusProduction, d.Stage)
	assert.Equal(t, 1.0, d.TrafficWeight)
	assert.Equal(t, strategy.StatusProduction, e.status(t, ref))
	assert.Equal(t, 1, e.smoke.calls)
	assert.Contains(t, e.events.events, "cutover:production")
}

func TestBlueGreenSmokeFailureLeavesBlueServing(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "2.0.0")
	e.smoke.err = errors.New("synthetic request 3 returned garbage")

	_, err := e.orch.BlueGreenDeploy(context.Background(), ref)
	assert.ErrorIs(t, err, ErrSmokeFailed)
	assert.Equal(t, strategy.StatusValidated, e.status(t, ref))
	assert.Empty(t, e.orch.ActiveFor(ref.ID))
	assert.Empty(t, e.events.events)
}

func TestBlueGreenRequiresValidated(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "2.0.0")
	ctx := context.Background()

	_, err := e.orch.BlueGreenDeploy(ctx, ref)
	require.NoError(t, err)

	// Already in production: a second cutover is refused before smoke.
	calls := e.smoke.calls
	_, err = e.orch.BlueGreenDeploy(ctx, ref)
	assert.ErrorIs(t, err, ErrInvalidStage)
	assert.Equal(t, calls, e.smoke.calls)
}

func TestPathsNeverMix(t *testing.T) {
	e := newEnv(t)
	staged := e.seed(t, "staged-strat", "1.0.0")
	green := e.seed(t, "green-strat", "1.0.0")
	ctx := context.Background()

	_, err := e.orch.Deploy(ctx, staged, strategy.StatusCanary)
	require.NoError(t, err)
	_, err = e.orch.BlueGreenDeploy(ctx, staged)
	assert.ErrorIs(t, err, ErrMixedPaths)

	_, err = e.orch.BlueGreenDeploy(ctx, green)
	require.NoError(t, err)
	_, err = e.orch.Deploy(ctx, green, strategy.StatusCanary)
	assert.ErrorIs(t, err, ErrMixedPaths)
}

func TestBlueGreenRollback(t *testing.T) {
	e := newEnv(t)
	ref := e.seed(t, "payments-v1", "2.0.0")
	ctx := context.Background()

	_, err := e.orch.BlueGreenDeploy(ctx, ref)
	require.NoError(t, err)

	// Production threshold is 2%: a breach pulls the cutover too.
	e.health.rate, e.health.samples = 0.05, 500
	e.orch.CheckDeployments(ctx)
	assert.Equal(t, strategy.StatusValidated, e.status(t, ref))
	assert.Empty(t, e.orch.ActiveFor(ref.ID))
}

func TestSyntheticSmoke(t *testing.T) {
	st := &SyntheticSmoke{Requests: 5}
	ctx := context.Background()

	err := st.Smoke(ctx, &strategy.Strategy{ID: "a", Version: "1.0.0", Payload: []byte("ok")})
	assert.NoError(t, err)

	err = st.Smoke(ctx, &strategy.Strategy{ID: "a", Version: "1.0.0"})
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = st.Smoke(cancelled, &strategy.Strategy{ID: "a", Version: "1.0.0", Payload: []byte("ok")})
	assert.ErrorIs(t, err, context.Canceled)
}
