package deploy

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrSmokeFailed means the synthetic smoke run rejected the green
// candidate. Traffic stays on the prior version untouched.
var ErrSmokeFailed = errors.New("smoke tests failed")

// SmokeTester runs the fixed synthetic request set against a strategy
// before a blue/green cutover.
type SmokeTester interface {
	Smoke(ctx context.Context, s *strategy.Strategy) error
}

// SyntheticSmoke is the default smoke tester: a fixed number of
// synthetic requests hashed over the payload. It catches empty or
// truncated payloads and respects the caller's deadline.
type SyntheticSmoke struct {
	// Requests is the synthetic set size. Zero means 20.
	Requests int
}

func (st *SyntheticSmoke) Smoke(ctx context.Context, s *strategy.Strategy) error {
	if len(s.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", s.Ref())
	}
	n := st.Requests
	if n <= 0 {
		n = 20
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		h := fnv.New64a()
		h.Write(s.Payload)
		fmt.Fprintf(h, "smoke-%d", i)
		if h.Sum64() == 0 {
			return fmt.Errorf("%s: degenerate payload hash", s.Ref())
		}
	}
	return nil
}

// BlueGreenDeploy cuts a validated strategy over to full traffic in one
// step. The green candidate runs the smoke set under the configured
// timeout first; only a clean pass switches traffic, and a failure
// leaves the prior version serving with no partial exposure. Strategies
// already on the staged path are refused.
func (o *Orchestrator) BlueGreenDeploy(ctx context.Context, ref strategy.Ref) (*Deployment, error) {
	if err := o.beginTransition(ref.ID); err != nil {
		return nil, err
	}
	defer o.endTransition(ref.ID)

	o.mu.Lock()
	if o.hasModeLocked(ref.ID, ModeStaged) {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has an active staged deployment", ErrMixedPaths, ref.ID)
	}
	if len(o.active[ref.ID]) > 0 {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already has an active deployment", ErrInvalidStage, ref.ID)
	}
	o.holds[ref.ID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.holds, ref.ID)
		o.mu.Unlock()
	}()

	s, err := o.registry.Get(ctx, ref.ID, ref.Version)
	if err != nil {
		return nil, err
	}
	if s.Status != strategy.StatusValidated {
		return nil, fmt.Errorf("%w: %s is %s, want validated", ErrInvalidStage, ref, s.Status)
	}

	smokeCtx, cancel := context.WithTimeout(ctx, o.cfg.SmokeTimeout.Duration())
	err = o.smoke.Smoke(smokeCtx, s)
	cancel()
	if err != nil {
		o.logger.Warn(ctx, "blue/green cutover refused",
			zap.String("strategy", ref.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSmokeFailed, err)
	}

	// The cutover walks the forward edges in one registry update, so the
	// strategy is never observable in a half-switched state.
	if _, err := o.registry.Update(ctx, ref, func(s *strategy.Strategy) error {
		for _, stage := range []strategy.Status{strategy.StatusCanary, strategy.StatusBeta, strategy.StatusProduction} {
			if err := s.Transition(stage); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	d := o.newDeployment(ref, strategy.StatusProduction, ModeBlueGreen, o.cfg.Production)
	d.TrafficWeight = 1.0
	o.mu.Lock()
	o.storeLocked(d)
	o.mu.Unlock()

	if o.deploysTotal != nil {
		o.deploysTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(strategy.StatusProduction)),
			attribute.String("mode", string(ModeBlueGreen)),
		))
	}
	o.logger.Info(ctx, "blue/green cutover complete",
		zap.String("deployment_id", d.ID),
		zap.String("strategy", ref.String()))
	o.publish(ctx, "cutover", d)

	return cloneDeployment(d), nil
}
