// Package services aggregates the daemon's constructed components
// behind one dependency-injected registry. There is no ambient global
// state; cmd/rolloutd builds everything and hands the registry to the
// HTTP layer.
package services

import (
	"github.com/fyrsmithlabs/rolloutd/internal/deploy"
	"github.com/fyrsmithlabs/rolloutd/internal/gc"
	"github.com/fyrsmithlabs/rolloutd/internal/jobs"
	"github.com/fyrsmithlabs/rolloutd/internal/monitor"
	"github.com/fyrsmithlabs/rolloutd/internal/registry"
	"github.com/fyrsmithlabs/rolloutd/internal/retire"
	"github.com/fyrsmithlabs/rolloutd/internal/selector"
	"github.com/fyrsmithlabs/rolloutd/internal/validator"
)

// Registry provides access to all rolloutd services.
type Registry interface {
	Strategies() *registry.Registry
	Validator() *validator.Validator
	Deployments() *deploy.Orchestrator
	Monitor() *monitor.Monitor
	Selector() *selector.Selector
	Retirement() *retire.Manager
	Collector() *gc.Collector
	Scheduler() *jobs.Scheduler
}

// Options configures the registry with service instances.
type Options struct {
	Strategies  *registry.Registry
	Validator   *validator.Validator
	Deployments *deploy.Orchestrator
	Monitor     *monitor.Monitor
	Selector    *selector.Selector
	Retirement  *retire.Manager
	Collector   *gc.Collector
	Scheduler   *jobs.Scheduler
}

type services struct {
	strategies  *registry.Registry
	validator   *validator.Validator
	deployments *deploy.Orchestrator
	monitor     *monitor.Monitor
	selector    *selector.Selector
	retirement  *retire.Manager
	collector   *gc.Collector
	scheduler   *jobs.Scheduler
}

// NewRegistry creates a service registry.
func NewRegistry(opts Options) Registry {
	return &services{
		strategies:  opts.Strategies,
		validator:   opts.Validator,
		deployments: opts.Deployments,
		monitor:     opts.Monitor,
		selector:    opts.Selector,
		retirement:  opts.Retirement,
		collector:   opts.Collector,
		scheduler:   opts.Scheduler,
	}
}

func (s *services) Strategies() *registry.Registry    { return s.strategies }
func (s *services) Validator() *validator.Validator   { return s.validator }
func (s *services) Deployments() *deploy.Orchestrator { return s.deployments }
func (s *services) Monitor() *monitor.Monitor         { return s.monitor }
func (s *services) Selector() *selector.Selector      { return s.selector }
func (s *services) Retirement() *retire.Manager       { return s.retirement }
func (s *services) Collector() *gc.Collector          { return s.collector }
func (s *services) Scheduler() *jobs.Scheduler        { return s.scheduler }
