// Package config provides configuration loading for rolloutd.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_HTTP_PORT, SELECTOR_ALGORITHM, ...)
//  2. YAML config file (~/.config/rolloutd/config.yaml)
//  3. Built-in defaults
package config

import (
	"fmt"
	"time"
)

// Config holds the complete rolloutd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Events    EventsConfig    `koanf:"events"`
	Registry  RegistryConfig  `koanf:"registry"`
	Validator ValidatorConfig `koanf:"validator"`
	Deploy    DeployConfig    `koanf:"deploy"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Selector  SelectorConfig  `koanf:"selector"`
	Retire    RetireConfig    `koanf:"retire"`
	GC        GCConfig        `koanf:"gc"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// EventsConfig holds NATS event bus configuration. When Embedded is set
// the daemon runs an in-process nats-server and ignores URL.
type EventsConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
}

// RegistryConfig holds the strategy store and its read cache settings.
type RegistryConfig struct {
	// Path is the JSON persistence file. Empty means
	// ~/.config/rolloutd/registry.json.
	Path         string   `koanf:"path"`
	CacheEntries int      `koanf:"cache_entries"`
	CacheTTL     Duration `koanf:"cache_ttl"`
	// WatchFile invalidates the cache when the registry file changes on
	// disk (e.g. restored from backup out from under the daemon).
	WatchFile bool `koanf:"watch_file"`
}

// TierCeiling is the performance ceiling for one complexity tier.
type TierCeiling struct {
	MaxLatency Duration `koanf:"max_latency"`
	MaxMemory  int64    `koanf:"max_memory_bytes"`
}

// ValidatorConfig holds validation harness settings.
type ValidatorConfig struct {
	BenchmarkRounds int         `koanf:"benchmark_rounds"`
	Timeout         Duration    `koanf:"timeout"`
	Low             TierCeiling `koanf:"low"`
	Medium          TierCeiling `koanf:"medium"`
	High            TierCeiling `koanf:"high"`
}

// StagePolicy fixes traffic weight, bake duration, and rollback ceiling
// for one deployment stage.
type StagePolicy struct {
	TrafficWeight     float64  `koanf:"traffic_weight"`
	Duration          Duration `koanf:"duration"`
	RollbackThreshold float64  `koanf:"rollback_threshold"`
}

// DeployConfig holds orchestrator settings.
type DeployConfig struct {
	Canary        StagePolicy `koanf:"canary"`
	Beta          StagePolicy `koanf:"beta"`
	Production    StagePolicy `koanf:"production"`
	CheckInterval Duration    `koanf:"check_interval"`
	SmokeTimeout  Duration    `koanf:"smoke_timeout"`
}

// MonitorConfig holds health monitor settings.
type MonitorConfig struct {
	BufferCapacity  int      `koanf:"buffer_capacity"`
	SustainedWindow Duration `koanf:"sustained_window"`
	ErrorRateLimit  float64  `koanf:"error_rate_limit"`
	LatencyLimit    Duration `koanf:"latency_limit"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int      `koanf:"failure_threshold"`
	FailureWindow    Duration `koanf:"failure_window"`
	CoolDown         Duration `koanf:"cool_down"`
}

// SelectorConfig holds load balancer settings.
type SelectorConfig struct {
	// Algorithm is one of weighted_round_robin, least_connections,
	// adaptive. Fixed at startup; runtime switching is not supported.
	Algorithm string        `koanf:"algorithm"`
	Breaker   BreakerConfig `koanf:"breaker"`
}

// RetireConfig holds retirement trigger thresholds and migration tuning.
type RetireConfig struct {
	ErrorRateLimit      float64  `koanf:"error_rate_limit"`
	ErrorWindows        int      `koanf:"error_windows"`
	UnderutilizedAfter  Duration `koanf:"underutilized_after"`
	StaleAfter          Duration `koanf:"stale_after"`
	RedirectAfter       Duration `koanf:"redirect_after"`
	DisableAfter        Duration `koanf:"disable_after"`
	ArchiveAfter        Duration `koanf:"archive_after"`
	MigrationBatchSize  int      `koanf:"migration_batch_size"`
	MaxBatchFailures    int      `koanf:"max_batch_failures"`
	BatchRetryBackoff   Duration `koanf:"batch_retry_backoff"`
	PhaseCheckInterval  Duration `koanf:"phase_check_interval"`
	TriggerEvalInterval Duration `koanf:"trigger_eval_interval"`
}

// GCConfig holds garbage collection settings.
type GCConfig struct {
	Interval           Duration `koanf:"interval"`
	UnusedAfter        Duration `koanf:"unused_after"`
	KeepVersions       int      `koanf:"keep_versions"`
	CacheHighWatermark float64  `koanf:"cache_high_watermark"`
	MetricsRetention   Duration `koanf:"metrics_retention"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8700,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "rolloutd",
		},
		Events: EventsConfig{
			Enabled:  true,
			URL:      "nats://127.0.0.1:4222",
			Embedded: false,
		},
		Registry: RegistryConfig{
			CacheEntries: 256,
			CacheTTL:     Duration(5 * time.Minute),
			WatchFile:    true,
		},
		Validator: ValidatorConfig{
			BenchmarkRounds: 50,
			Timeout:         Duration(30 * time.Second),
			Low:             TierCeiling{MaxLatency: Duration(50 * time.Millisecond), MaxMemory: 16 << 20},
			Medium:          TierCeiling{MaxLatency: Duration(200 * time.Millisecond), MaxMemory: 64 << 20},
			High:            TierCeiling{MaxLatency: Duration(1 * time.Second), MaxMemory: 256 << 20},
		},
		Deploy: DeployConfig{
			Canary:        StagePolicy{TrafficWeight: 0.05, Duration: Duration(1 * time.Hour), RollbackThreshold: 0.10},
			Beta:          StagePolicy{TrafficWeight: 0.20, Duration: Duration(24 * time.Hour), RollbackThreshold: 0.05},
			Production:    StagePolicy{TrafficWeight: 1.00, Duration: 0, RollbackThreshold: 0.02},
			CheckInterval: Duration(30 * time.Second),
			SmokeTimeout:  Duration(1 * time.Minute),
		},
		Monitor: MonitorConfig{
			BufferCapacity:  1000,
			SustainedWindow: Duration(2 * time.Minute),
			ErrorRateLimit:  0.05,
			LatencyLimit:    Duration(2 * time.Second),
		},
		Selector: SelectorConfig{
			Algorithm: "adaptive",
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				FailureWindow:    Duration(1 * time.Minute),
				CoolDown:         Duration(30 * time.Second),
			},
		},
		Retire: RetireConfig{
			ErrorRateLimit:      0.05,
			ErrorWindows:        3,
			UnderutilizedAfter:  Duration(7 * 24 * time.Hour),
			StaleAfter:          Duration(90 * 24 * time.Hour),
			RedirectAfter:       Duration(7 * 24 * time.Hour),
			DisableAfter:        Duration(30 * 24 * time.Hour),
			ArchiveAfter:        Duration(90 * 24 * time.Hour),
			MigrationBatchSize:  100,
			MaxBatchFailures:    3,
			BatchRetryBackoff:   Duration(5 * time.Second),
			PhaseCheckInterval:  Duration(1 * time.Hour),
			TriggerEvalInterval: Duration(15 * time.Minute),
		},
		GC: GCConfig{
			Interval:           Duration(24 * time.Hour),
			UnusedAfter:        Duration(30 * 24 * time.Hour),
			KeepVersions:       3,
			CacheHighWatermark: 0.8,
			MetricsRetention:   Duration(14 * 24 * time.Hour),
		},
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Selector.Algorithm {
	case "weighted_round_robin", "least_connections", "adaptive":
	default:
		return fmt.Errorf("selector.algorithm must be weighted_round_robin, least_connections, or adaptive, got %q", c.Selector.Algorithm)
	}
	for _, sp := range []struct {
		name   string
		policy StagePolicy
	}{
		{"canary", c.Deploy.Canary},
		{"beta", c.Deploy.Beta},
		{"production", c.Deploy.Production},
	} {
		if sp.policy.TrafficWeight < 0 || sp.policy.TrafficWeight > 1 {
			return fmt.Errorf("deploy.%s.traffic_weight must be 0.0-1.0, got %v", sp.name, sp.policy.TrafficWeight)
		}
		if sp.policy.RollbackThreshold < 0 || sp.policy.RollbackThreshold > 1 {
			return fmt.Errorf("deploy.%s.rollback_threshold must be 0.0-1.0, got %v", sp.name, sp.policy.RollbackThreshold)
		}
	}
	if c.Monitor.BufferCapacity <= 0 {
		return fmt.Errorf("monitor.buffer_capacity must be positive, got %d", c.Monitor.BufferCapacity)
	}
	if c.Selector.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("selector.breaker.failure_threshold must be positive, got %d", c.Selector.Breaker.FailureThreshold)
	}
	if c.Retire.MigrationBatchSize <= 0 {
		return fmt.Errorf("retire.migration_batch_size must be positive, got %d", c.Retire.MigrationBatchSize)
	}
	if c.GC.KeepVersions < 1 {
		return fmt.Errorf("gc.keep_versions must be at least 1, got %d", c.GC.KeepVersions)
	}
	if c.GC.CacheHighWatermark <= 0 || c.GC.CacheHighWatermark > 1 {
		return fmt.Errorf("gc.cache_high_watermark must be in (0, 1], got %v", c.GC.CacheHighWatermark)
	}
	return nil
}
