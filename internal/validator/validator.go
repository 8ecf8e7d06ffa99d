// Package validator runs the pre-deployment checks on draft strategies.
//
// Three independent checks (structural, performance, compatibility) all
// run to completion even when an earlier one fails, so the caller sees
// every problem at once. A strategy passing all three is moved to
// validated status with its benchmark baseline recorded.
package validator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/registry"
	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Check names the three validation dimensions.
type Check string

const (
	CheckStructural    Check = "structural"
	CheckPerformance   Check = "performance"
	CheckCompatibility Check = "compatibility"
)

// ErrTimeout marks a benchmark that exceeded the validation deadline.
// A timeout is a performance failure, never an indefinite block.
var ErrTimeout = errors.New("validation timed out")

// ErrNotDraft means validation was requested for a strategy that has
// already left draft. Re-validating a deployed strategy would walk the
// rollback edge, which belongs to the orchestrator alone.
var ErrNotDraft = errors.New("strategy is not in draft status")

// CheckError is one failed check.
type CheckError struct {
	Check Check
	Err   error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s: %v", e.Check, e.Err)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

// Report aggregates the outcome of all checks for one strategy.
type Report struct {
	Ref      strategy.Ref       `json:"ref"`
	Passed   bool               `json:"passed"`
	Errors   []*CheckError      `json:"errors,omitempty"`
	Baseline *strategy.Baseline `json:"baseline,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// Err returns nil when the report passed, otherwise an error joining
// every check failure.
func (r *Report) Err() error {
	if r.Passed {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return fmt.Errorf("validation failed for %s: %w", r.Ref, errors.Join(errs...))
}

// Validator runs checks against the registry's draft strategies.
type Validator struct {
	registry *registry.Registry
	harness  Harness
	cfg      config.ValidatorConfig
	checks   *validator.Validate
	logger   *logging.Logger
}

// New creates a validator. A nil harness gets the synthetic default.
func New(reg *registry.Registry, harness Harness, cfg config.ValidatorConfig, logger *logging.Logger) *Validator {
	if harness == nil {
		harness = NewSyntheticHarness(cfg.BenchmarkRounds)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Validator{
		registry: reg,
		harness:  harness,
		cfg:      cfg,
		checks:   validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Named("validator"),
	}
}

// Validate runs all checks on the (id, version) strategy. On success the
// strategy transitions draft -> validated with the baseline recorded.
// The performance check blocks for the benchmark duration; invoke
// asynchronously from latency-sensitive paths.
func (v *Validator) Validate(ctx context.Context, ref strategy.Ref) (*Report, error) {
	start := time.Now()
	s, err := v.registry.Get(ctx, ref.ID, ref.Version)
	if err != nil {
		return nil, err
	}
	if s.Status != strategy.StatusDraft {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDraft, ref, s.Status)
	}

	report := &Report{Ref: ref}

	// Every check runs even after a failure so the report is complete.
	if err := v.structural(s); err != nil {
		report.Errors = append(report.Errors, &CheckError{Check: CheckStructural, Err: err})
	}
	baseline, err := v.performance(ctx, s)
	if err != nil {
		report.Errors = append(report.Errors, &CheckError{Check: CheckPerformance, Err: err})
	} else {
		report.Baseline = baseline
	}
	if err := v.compatibility(ctx, s); err != nil {
		report.Errors = append(report.Errors, &CheckError{Check: CheckCompatibility, Err: err})
	}

	report.Passed = len(report.Errors) == 0
	report.Duration = time.Since(start)

	if report.Passed {
		_, err := v.registry.Update(ctx, ref, func(stored *strategy.Strategy) error {
			// Re-checked under the registry lock; the strategy may have
			// been deployed while the benchmark ran.
			if stored.Status != strategy.StatusDraft {
				return fmt.Errorf("%w: %s is %s", ErrNotDraft, ref, stored.Status)
			}
			if err := stored.Transition(strategy.StatusValidated); err != nil {
				return err
			}
			stored.Baseline = report.Baseline
			return nil
		})
		if err != nil {
			return nil, err
		}
		v.logger.Info(ctx, "strategy validated",
			zap.String("ref", ref.String()),
			zap.Duration("duration", report.Duration))
	} else {
		v.logger.Warn(ctx, "strategy failed validation",
			zap.String("ref", ref.String()),
			zap.Int("failures", len(report.Errors)))
	}
	return report, nil
}

// structural checks required fields and metadata shape.
func (v *Validator) structural(s *strategy.Strategy) error {
	if err := v.checks.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			missing := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				missing = append(missing, fe.Namespace())
			}
			return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
		}
		return err
	}
	if !s.Metadata.Complexity.Valid() {
		return fmt.Errorf("unknown complexity tier %q", s.Metadata.Complexity)
	}
	return nil
}

// performance benchmarks the payload under a hard timeout and compares
// the result against the strategy's complexity-tier ceilings.
func (v *Validator) performance(ctx context.Context, s *strategy.Strategy) (*strategy.Baseline, error) {
	ceiling := v.ceiling(s.Metadata.Complexity)

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout.Duration())
	defer cancel()

	baseline, err := v.harness.Run(ctx, s)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, v.cfg.Timeout.Duration())
		}
		return nil, err
	}

	if baseline.LatencyP95 > ceiling.MaxLatency.Duration() {
		return nil, fmt.Errorf("p95 latency %s exceeds %s tier ceiling %s",
			baseline.LatencyP95, s.Metadata.Complexity, ceiling.MaxLatency.Duration())
	}
	if baseline.MemoryBytes > ceiling.MaxMemory {
		return nil, fmt.Errorf("memory %d bytes exceeds %s tier ceiling %d",
			baseline.MemoryBytes, s.Metadata.Complexity, ceiling.MaxMemory)
	}
	return baseline, nil
}

// compatibility resolves each declared dependency and checks declared
// conflicts in both directions.
func (v *Validator) compatibility(ctx context.Context, s *strategy.Strategy) error {
	var conflicts []string
	for _, dep := range s.Metadata.Dependencies {
		resolved, err := v.registry.Get(ctx, dep.ID, dep.Spec)
		if err != nil {
			conflicts = append(conflicts, fmt.Sprintf("%s@%s (unresolvable: %v)", dep.ID, dep.Spec, err))
			continue
		}
		if contains(resolved.Metadata.ConflictsWith, s.ID) || contains(s.Metadata.ConflictsWith, resolved.ID) {
			conflicts = append(conflicts, resolved.Ref().String())
		}
	}
	if len(conflicts) > 0 {
		return fmt.Errorf("conflicting dependencies: %s", strings.Join(conflicts, ", "))
	}
	return nil
}

func (v *Validator) ceiling(tier strategy.ComplexityTier) config.TierCeiling {
	switch tier {
	case strategy.ComplexityLow:
		return v.cfg.Low
	case strategy.ComplexityHigh:
		return v.cfg.High
	default:
		return v.cfg.Medium
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
