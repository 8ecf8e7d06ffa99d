// Rolloutd is the strategy rollout control plane daemon.
//
// It manages the full lifecycle of versioned strategies: registration,
// validation, staged deployment with automatic promotion and rollback,
// health monitoring, request-time selection, retirement, and garbage
// collection. Lifecycle events are published on NATS and metrics are
// exposed for Prometheus scraping.
//
// Usage:
//
//	# Start with defaults (config at ~/.config/rolloutd/config.yaml)
//	rolloutd
//
//	# Explicit config file
//	rolloutd -config /etc/rolloutd/config.yaml
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 SELECTOR_ALGORITHM=least_connections rolloutd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/deploy"
	"github.com/fyrsmithlabs/rolloutd/internal/events"
	"github.com/fyrsmithlabs/rolloutd/internal/gc"
	"github.com/fyrsmithlabs/rolloutd/internal/httpapi"
	"github.com/fyrsmithlabs/rolloutd/internal/jobs"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/monitor"
	"github.com/fyrsmithlabs/rolloutd/internal/registry"
	"github.com/fyrsmithlabs/rolloutd/internal/retire"
	"github.com/fyrsmithlabs/rolloutd/internal/selector"
	"github.com/fyrsmithlabs/rolloutd/internal/services"
	"github.com/fyrsmithlabs/rolloutd/internal/telemetry"
	"github.com/fyrsmithlabs/rolloutd/internal/validator"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  rolloutd           Start the rolloutd daemon\n")
			fmt.Fprintf(os.Stderr, "  rolloutd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("rolloutd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Connects the NATS event bus
//  4. Opens the strategy registry
//  5. Wires the lifecycle services
//  6. Registers and starts the background jobs
//  7. Starts the HTTP server
//  8. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting rolloutd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("selector_algorithm", cfg.Selector.Algorithm))

	tel, err := telemetry.New(cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	var bus *events.Bus
	if cfg.Events.Enabled {
		bus, err = events.Connect(cfg.Events, logger)
		if err != nil {
			return fmt.Errorf("failed to connect event bus: %w", err)
		}
		defer bus.Close()
	}

	opts, err := initServices(ctx, cfg, bus, logger)
	if err != nil {
		return err
	}
	defer opts.Strategies.Close()

	sched, err := initJobs(cfg, opts, logger)
	if err != nil {
		return fmt.Errorf("failed to start background jobs: %w", err)
	}
	defer sched.Stop()

	opts.Scheduler = sched
	svcs := services.NewRegistry(opts)

	var metricsHandler http.Handler
	if tel.Enabled() {
		metricsHandler = tel.Handler()
	}
	srv, err := httpapi.NewServer(svcs, metricsHandler, logger, cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

// initLogger builds the structured logger from config.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	return logging.NewLogger(&logging.Config{
		Level:  level,
		Format: cfg.Logging.Format,
		Fields: map[string]string{"service": "rolloutd"},
	})
}

// initServices constructs every lifecycle service. The caller adds the
// job scheduler and builds the dependency registry the HTTP layer
// consumes.
func initServices(ctx context.Context, cfg *config.Config, bus *events.Bus, logger *logging.Logger) (services.Options, error) {
	var opts services.Options

	regPath := cfg.Registry.Path
	if regPath == "" {
		p, err := defaultRegistryPath()
		if err != nil {
			return opts, err
		}
		regPath = p
	}
	if err := os.MkdirAll(filepath.Dir(regPath), 0o755); err != nil {
		return opts, fmt.Errorf("creating registry directory: %w", err)
	}

	reg, err := registry.New(registry.Options{
		FilePath:     regPath,
		CacheEntries: cfg.Registry.CacheEntries,
		CacheTTL:     cfg.Registry.CacheTTL.Duration(),
		WatchFile:    cfg.Registry.WatchFile,
		Logger:       logger,
	})
	if err != nil {
		return opts, fmt.Errorf("opening strategy registry: %w", err)
	}

	// A disabled bus leaves the event sinks nil; every publisher treats
	// nil as a no-op.
	var notifier monitor.Notifier
	var deployEvents deploy.Events
	var retireEvents retire.Events
	if bus != nil {
		notifier = bus
		deployEvents = bus
		retireEvents = bus
	}

	mon := monitor.New(cfg.Monitor, nil, notifier, logger)
	val := validator.New(reg, nil, cfg.Validator, logger)
	sel, err := selector.New(cfg.Selector, logger)
	if err != nil {
		reg.Close()
		return opts, fmt.Errorf("creating selector: %w", err)
	}
	orch := deploy.New(cfg.Deploy, reg, mon, nil, deployEvents, logger)
	ret := retire.New(cfg.Retire, reg, mon, nil, orch, retireEvents, logger)
	col := gc.New(cfg.GC, reg, mon, logger)

	if restored := ret.Restore(ctx); restored > 0 {
		logger.Info(ctx, "resumed retirement schedules", zap.Int("count", restored))
	}

	opts = services.Options{
		Strategies:  reg,
		Validator:   val,
		Deployments: orch,
		Monitor:     mon,
		Selector:    sel,
		Retirement:  ret,
		Collector:   col,
	}
	return opts, nil
}

// initJobs registers the recurring lifecycle passes and starts the
// scheduler. The scheduler is also exposed over /api/v1/jobs, so the
// caller adds it to the service registry afterwards.
func initJobs(cfg *config.Config, svcs services.Options, logger *logging.Logger) (*jobs.Scheduler, error) {
	sched := jobs.New(logger)

	defs := []jobs.Job{
		{
			Name:     "deployment-checks",
			Interval: cfg.Deploy.CheckInterval.Duration(),
			Timeout:  cfg.Deploy.CheckInterval.Duration(),
			Run: func(ctx context.Context) error {
				svcs.Deployments.CheckDeployments(ctx)
				return nil
			},
		},
		{
			Name:     "alert-evaluation",
			Interval: cfg.Monitor.SustainedWindow.Duration() / 2,
			Run: func(ctx context.Context) error {
				svcs.Monitor.EvaluateAlerts(ctx, time.Now())
				return nil
			},
		},
		{
			Name:     "anomaly-detection",
			Interval: cfg.Monitor.SustainedWindow.Duration(),
			Run: func(ctx context.Context) error {
				for _, id := range svcs.Monitor.Strategies() {
					svcs.Monitor.DetectAnomalies(ctx, id)
				}
				return nil
			},
		},
		{
			Name:     "retirement-triggers",
			Interval: cfg.Retire.TriggerEvalInterval.Duration(),
			Run: func(ctx context.Context) error {
				svcs.Retirement.EvaluateTriggers(ctx)
				return nil
			},
		},
		{
			Name:     "retirement-phases",
			Interval: cfg.Retire.PhaseCheckInterval.Duration(),
			Run: func(ctx context.Context) error {
				svcs.Retirement.AdvancePhases(ctx)
				return nil
			},
		},
		{
			Name:     "garbage-collection",
			Interval: cfg.GC.Interval.Duration(),
			Run: func(ctx context.Context) error {
				_, err := svcs.Collector.Run(ctx)
				return err
			},
		},
	}
	for _, j := range defs {
		if err := sched.Register(j); err != nil {
			return nil, err
		}
	}

	if err := sched.Start(); err != nil {
		return nil, err
	}
	return sched, nil
}

// defaultRegistryPath places the store next to the default config file.
func defaultRegistryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "rolloutd", "registry.json"), nil
}
