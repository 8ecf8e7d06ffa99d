package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8700, cfg.Server.Port)
	assert.Equal(t, "adaptive", cfg.Selector.Algorithm)
	assert.Equal(t, 1000, cfg.Monitor.BufferCapacity)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  http_port: 9900
selector:
  algorithm: least_connections
deploy:
  canary:
    traffic_weight: 0.1
    duration: 30m
    rollback_threshold: 0.2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9900, cfg.Server.Port)
	assert.Equal(t, "least_connections", cfg.Selector.Algorithm)
	assert.Equal(t, 0.1, cfg.Deploy.Canary.TrafficWeight)
	assert.Equal(t, 30*time.Minute, cfg.Deploy.Canary.Duration.Duration())
	// Untouched sections keep defaults.
	assert.Equal(t, 0.20, cfg.Deploy.Beta.TrafficWeight)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9900\n"), 0o600))
	t.Setenv("SERVER_HTTP_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad algorithm", func(c *Config) { c.Selector.Algorithm = "coin_flip" }},
		{"weight over 1", func(c *Config) { c.Deploy.Canary.TrafficWeight = 1.5 }},
		{"negative threshold", func(c *Config) { c.Deploy.Beta.RollbackThreshold = -0.1 }},
		{"zero buffer", func(c *Config) { c.Monitor.BufferCapacity = 0 }},
		{"zero breaker threshold", func(c *Config) { c.Selector.Breaker.FailureThreshold = 0 }},
		{"zero batch size", func(c *Config) { c.Retire.MigrationBatchSize = 0 }},
		{"zero keep versions", func(c *Config) { c.GC.KeepVersions = 0 }},
		{"watermark over 1", func(c *Config) { c.GC.CacheHighWatermark = 1.2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "server.http_port", envTransform("SERVER_HTTP_PORT"))
	assert.Equal(t, "gc.keep_versions", envTransform("GC_KEEP_VERSIONS"))
	assert.Equal(t, "", envTransform("PATH"))
	assert.Equal(t, "", envTransform("HOME"))
}
