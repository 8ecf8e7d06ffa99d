// Package deploy moves validated strategies through staged traffic
// exposure (canary, beta, production) and back out again.
//
// Each stage carries a fixed traffic weight, a bake duration, and a
// rollback threshold. A scheduled check promotes a deployment whose
// observed error rate stayed under the threshold for the full bake, and
// rolls back one that breached it. Rollback always lands the strategy
// on validated and destroys its deployment records.
//
// The blue/green path in bluegreen.go is all-or-nothing and never mixes
// with the staged path.
package deploy

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
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/rolloutd/internal/deploy"

// Errors for deployment operations.
var (
	// ErrInvalidStage means the strategy is not in the right status for
	// the requested stage: not validated for a first deploy, or not in
	// the immediately lower stage for a promotion.
	ErrInvalidStage = errors.New("strategy not eligible for requested stage")
	// ErrConflictingTransition means another transition for the same
	// strategy is already in flight. Exactly one of two concurrent
	// transitions wins.
	ErrConflictingTransition = errors.New("conflicting transition in progress")
	// ErrTrafficBudget means the stage's weight would push the strategy's
	// simultaneously active stages past 1.0 combined traffic.
	ErrTrafficBudget = errors.New("traffic weight budget exceeded")
	// ErrNotDeployed means the strategy has no active deployment.
	ErrNotDeployed = errors.New("strategy has no active deployment")
	// ErrMixedPaths means a staged operation hit a strategy under
	// blue/green, or vice versa. The two paths have incompatible
	// rollback semantics and never mix.
	ErrMixedPaths = errors.New("staged and blue/green paths cannot mix")
)

// Mode distinguishes the two deployment paths.
type Mode string

const (
	ModeStaged    Mode = "staged"
	ModeBlueGreen Mode = "blue_green"
)

// Deployment is one active exposure of a strategy version.
type Deployment struct {
	ID                string          `json:"id"`
	Strategy          strategy.Ref    `json:"strategy"`
	Stage             strategy.Status `json:"stage"`
	Mode              Mode            `json:"mode"`
	TrafficWeight     float64         `json:"traffic_weight"`
	RollbackThreshold float64         `json:"rollback_threshold"`
	StartedAt         time.Time       `json:"started_at"`
	// CheckAfter is when the bake completes and the promotion check
	// runs. Zero for stages that bake indefinitely (production).
	CheckAfter time.Time `json:"check_after,omitempty"`
}

// HealthSource supplies the observed error rate for promotion and
// rollback decisions. The monitor satisfies this.
type HealthSource interface {
	ErrorRateSince(strategyID string, cutoff time.Time) (rate float64, samples int)
}

// Events receives deployment lifecycle notifications. A nil sink is
// allowed and drops everything.
type Events interface {
	PublishDeployment(ctx context.Context, event string, d Deployment)
}

// Orchestrator owns the deployment records and the per-strategy
// transition locks.
type Orchestrator struct {
	registry *registry.Registry
	health   HealthSource
	events   Events
	smoke    SmokeTester
	cfg      config.DeployConfig
	logger   *logging.Logger
	now      func() time.Time

	mu sync.Mutex
	// active deployments keyed by strategy id then stage. Exactly one
	// deployment may exist per (id, stage).
	active map[string]map[strategy.Status]*Deployment
	// inFlight holds the per-strategy transition locks.
	inFlight map[string]bool
	// holds marks strategies with a blue/green cutover in progress.
	holds map[string]bool

	deploysTotal    metric.Int64Counter
	promotionsTotal metric.Int64Counter
	rollbacksTotal  metric.Int64Counter
}

// New creates an orchestrator. health decides promotions and rollbacks;
// smoke gates blue/green cutovers.
func New(cfg config.DeployConfig, reg *registry.Registry, health HealthSource, smoke SmokeTester, events Events, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if smoke == nil {
		smoke = &SyntheticSmoke{}
	}
	o := &Orchestrator{
		registry: reg,
		health:   health,
		events:   events,
		smoke:    smoke,
		cfg:      cfg,
		logger:   logger.Named("deploy"),
		now:      time.Now,
		active:   make(map[string]map[strategy.Status]*Deployment),
		inFlight: make(map[string]bool),
		holds:    make(map[string]bool),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	o.deploysTotal, err = meter.Int64Counter(
		"rolloutd.deploy.deploys_total",
		metric.WithDescription("Deployments created, labeled by stage and mode."),
		metric.WithUnit("{deployment}"),
	)
	if err != nil {
		o.logger.Warn(context.Background(), "failed to create deploys counter", zap.Error(err))
	}
	o.promotionsTotal, err = meter.Int64Counter(
		"rolloutd.deploy.promotions_total",
		metric.WithDescription("Automatic and manual stage promotions."),
		metric.WithUnit("{promotion}"),
	)
	if err != nil {
		o.logger.Warn(context.Background(), "failed to create promotions counter", zap.Error(err))
	}
	o.rollbacksTotal, err = meter.Int64Counter(
		"rolloutd.deploy.rollbacks_total",
		metric.WithDescription("Rollbacks to validated, labeled by trigger."),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		o.logger.Warn(context.Background(), "failed to create rollbacks counter", zap.Error(err))
	}

	return o
}

// policyFor returns the stage policy, or false for a status that is not
// a deployable stage.
func (o *Orchestrator) policyFor(stage strategy.Status) (config.StagePolicy, bool) {
	switch stage {
	case strategy.StatusCanary:
		return o.cfg.Canary, true
	case strategy.StatusBeta:
		return o.cfg.Beta, true
	case strategy.StatusProduction:
		return o.cfg.Production, true
	}
	return config.StagePolicy{}, false
}

func nextStage(stage strategy.Status) (strategy.Status, bool) {
	switch stage {
	case strategy.StatusCanary:
		return strategy.StatusBeta, true
	case strategy.StatusBeta:
		return strategy.StatusProduction, true
	}
	return "", false
}

// beginTransition takes the per-strategy lock. Exactly one concurrent
// transition per strategy proceeds; the rest fail fast.
func (o *Orchestrator) beginTransition(strategyID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[strategyID] {
		return fmt.Errorf("%w: %s", ErrConflictingTransition, strategyID)
	}
	o.inFlight[strategyID] = true
	return nil
}

func (o *Orchestrator) endTransition(strategyID string) {
	o.mu.Lock()
	delete(o.inFlight, strategyID)
	o.mu.Unlock()
}

// Deploy exposes a strategy version at the given stage. A canary deploy
// requires validated status; beta and production require an active
// deployment at exactly the previous stage. The stage's fixed policy
// sets the traffic weight and rollback threshold.
func (o *Orchestrator) Deploy(ctx context.Context, ref strategy.Ref, stage strategy.Status) (*Deployment, error) {
	policy, ok := o.policyFor(stage)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a deployable stage", ErrInvalidStage, stage)
	}
	if err := o.beginTransition(ref.ID); err != nil {
		return nil, err
	}
	defer o.endTransition(ref.ID)

	if err := o.validateDeploy(ref, stage, policy); err != nil {
		return nil, err
	}

	if _, err := o.registry.Update(ctx, ref, func(s *strategy.Strategy) error {
		// A first deploy starts from validated; anything else is a stage
		// error, not a transition error.
		if stage == strategy.StatusCanary && s.Status != strategy.StatusValidated {
			return fmt.Errorf("%w: %s is %s, canary requires validated", ErrInvalidStage, ref, s.Status)
		}
		return s.Transition(stage)
	}); err != nil {
		return nil, err
	}

	d := o.newDeployment(ref, stage, ModeStaged, policy)
	o.mu.Lock()
	if stage != strategy.StatusCanary {
		// Promotion destroys the previous stage's deployment; the two
		// never run side by side.
		prev := strategy.StatusCanary
		if stage == strategy.StatusProduction {
			prev = strategy.StatusBeta
		}
		delete(o.active[ref.ID], prev)
	}
	o.storeLocked(d)
	o.mu.Unlock()

	if o.deploysTotal != nil {
		o.deploysTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(stage)),
			attribute.String("mode", string(ModeStaged)),
		))
	}
	o.logger.Info(ctx, "deployment created",
		zap.String("deployment_id", d.ID),
		zap.String("strategy", ref.String()),
		zap.String("stage", string(stage)),
		zap.Float64("traffic_weight", d.TrafficWeight))
	o.publish(ctx, "created", d)

	return cloneDeployment(d), nil
}

// validateDeploy checks stage eligibility, path exclusivity, and the
// traffic budget under the record lock. Callers hold the per-strategy
// transition lock.
func (o *Orchestrator) validateDeploy(ref strategy.Ref, stage strategy.Status, policy config.StagePolicy) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.holds[ref.ID] || o.hasModeLocked(ref.ID, ModeBlueGreen) {
		return fmt.Errorf("%w: %s is under blue/green", ErrMixedPaths, ref.ID)
	}
	stages := o.active[ref.ID]
	if stage == strategy.StatusCanary {
		if len(stages) > 0 {
			return fmt.Errorf("%w: %s already has an active deployment", ErrInvalidStage, ref.ID)
		}
	} else {
		prev := strategy.StatusCanary
		if stage == strategy.StatusProduction {
			prev = strategy.StatusBeta
		}
		cur, ok := stages[prev]
		if !ok || cur.Strategy != ref {
			return fmt.Errorf("%w: %s not active at %s", ErrInvalidStage, ref, prev)
		}
	}
	return o.checkBudgetLocked(ref.ID, stage, policy.TrafficWeight)
}

func (o *Orchestrator) newDeployment(ref strategy.Ref, stage strategy.Status, mode Mode, policy config.StagePolicy) *Deployment {
	now := o.now()
	d := &Deployment{
		ID:                uuid.NewString(),
		Strategy:          ref,
		Stage:             stage,
		Mode:              mode,
		TrafficWeight:     policy.TrafficWeight,
		RollbackThreshold: policy.RollbackThreshold,
		StartedAt:         now,
	}
	if policy.Duration > 0 {
		d.CheckAfter = now.Add(policy.Duration.Duration())
	}
	return d
}

func (o *Orchestrator) storeLocked(d *Deployment) {
	stages, ok := o.active[d.Strategy.ID]
	if !ok {
		stages = make(map[strategy.Status]*Deployment)
		o.active[d.Strategy.ID] = stages
	}
	stages[d.Stage] = d
}

// checkBudgetLocked enforces the weight invariant: one strategy's
// simultaneously active stages never sum past 1.0 traffic.
func (o *Orchestrator) checkBudgetLocked(strategyID string, stage strategy.Status, weight float64) error {
	sum := weight
	for s, d := range o.active[strategyID] {
		if s == stage {
			continue
		}
		// The stage being promoted out is destroyed in the same swap and
		// does not count against the budget.
		if next, ok := nextStage(s); ok && next == stage {
			continue
		}
		sum += d.TrafficWeight
	}
	if sum > 1.0 {
		return fmt.Errorf("%w: %s at %s would carry %.2f", ErrTrafficBudget, strategyID, stage, sum)
	}
	return nil
}

func (o *Orchestrator) hasModeLocked(strategyID string, mode Mode) bool {
	for _, d := range o.active[strategyID] {
		if d.Mode == mode {
			return true
		}
	}
	return false
}

// Rollback pulls a strategy out of traffic: status back to validated,
// every active deployment record destroyed. trigger labels the cause in
// logs, metrics, and events.
func (o *Orchestrator) Rollback(ctx context.Context, strategyID, trigger string) error {
	if err := o.beginTransition(strategyID); err != nil {
		return err
	}
	defer o.endTransition(strategyID)
	return o.rollbackLocked(ctx, strategyID, trigger)
}

// rollbackLocked runs the rollback with the transition lock already
// held. The scheduled check path calls this directly.
func (o *Orchestrator) rollbackLocked(ctx context.Context, strategyID, trigger string) error {
	o.mu.Lock()
	stages := o.active[strategyID]
	if len(stages) == 0 {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotDeployed, strategyID)
	}
	removed := make([]*Deployment, 0, len(stages))
	var ref strategy.Ref
	for _, d := range stages {
		removed = append(removed, d)
		ref = d.Strategy
	}
	delete(o.active, strategyID)
	o.mu.Unlock()

	if _, err := o.registry.Update(ctx, ref, func(s *strategy.Strategy) error {
		return s.Transition(strategy.StatusValidated)
	}); err != nil {
		// Restore the records so the deployment state still reflects the
		// registry's view.
		o.mu.Lock()
		for _, d := range removed {
			o.storeLocked(d)
		}
		o.mu.Unlock()
		return err
	}

	for _, d := range removed {
		if o.rollbacksTotal != nil {
			o.rollbacksTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("stage", string(d.Stage)),
				attribute.String("trigger", trigger),
			))
		}
		o.logger.Warn(ctx, "deployment rolled back",
			zap.String("deployment_id", d.ID),
			zap.String("strategy", d.Strategy.String()),
			zap.String("stage", string(d.Stage)),
			zap.String("trigger", trigger))
		o.publish(ctx, "rolled_back", d)
	}
	return nil
}

// CheckDeployments is the scheduled promotion/rollback pass, run every
// check interval. A deployment over its rollback threshold is pulled
// immediately; one that finished its bake under the threshold is
// promoted. A strategy with a transition already in flight is skipped
// and retried next tick.
func (o *Orchestrator) CheckDeployments(ctx context.Context) {
	now := o.now()
	for _, d := range o.Deployments() {
		rate, samples := o.health.ErrorRateSince(d.Strategy.ID, d.StartedAt)
		if samples > 0 && rate > d.RollbackThreshold {
			if err := o.Rollback(ctx, d.Strategy.ID, "error_rate"); err != nil && !errors.Is(err, ErrConflictingTransition) {
				o.logger.Error(ctx, "automatic rollback failed",
					zap.String("strategy", d.Strategy.String()), zap.Error(err))
			}
			continue
		}
		if d.CheckAfter.IsZero() || now.Before(d.CheckAfter) {
			continue
		}
		next, ok := nextStage(d.Stage)
		if !ok {
			continue
		}
		promoted, err := o.Deploy(ctx, d.Strategy, next)
		if err != nil {
			if !errors.Is(err, ErrConflictingTransition) {
				o.logger.Error(ctx, "automatic promotion failed",
					zap.String("strategy", d.Strategy.String()), zap.Error(err))
			}
			continue
		}
		if o.promotionsTotal != nil {
			o.promotionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(next))))
		}
		o.logger.Info(ctx, "deployment promoted",
			zap.String("strategy", d.Strategy.String()),
			zap.String("from", string(d.Stage)),
			zap.String("to", string(next)),
			zap.Float64("error_rate", rate))
		o.publish(ctx, "promoted", promoted)
	}
}

// Deployments snapshots every active deployment, ordered by strategy id
// then stage.
func (o *Orchestrator) Deployments() []*Deployment {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Deployment, 0, len(o.active))
	for _, stages := range o.active {
		for _, d := range stages {
			out = append(out, cloneDeployment(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy.ID != out[j].Strategy.ID {
			return out[i].Strategy.ID < out[j].Strategy.ID
		}
		return out[i].Stage < out[j].Stage
	})
	return out
}

// ActiveFor returns the active deployments for one strategy id.
func (o *Orchestrator) ActiveFor(strategyID string) []*Deployment {
	o.mu.Lock()
	defer o.mu.Unlock()
	stages := o.active[strategyID]
	out := make([]*Deployment, 0, len(stages))
	for _, d := range stages {
		out = append(out, cloneDeployment(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// Release drops a strategy's active deployment records without touching
// its registry status. Retirement takes ownership of the lifecycle from
// here, so the scheduled checks must stop watching the deployment.
func (o *Orchestrator) Release(strategyID string) {
	o.mu.Lock()
	delete(o.active, strategyID)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(ctx context.Context, event string, d *Deployment) {
	if o.events == nil {
		return
	}
	o.events.PublishDeployment(ctx, event, *d)
}

func cloneDeployment(d *Deployment) *Deployment {
	cp := *d
	return &cp
}
