package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "rolloutd", "config.yaml"), nil
}

// Load loads configuration from the YAML file at configPath (default path
// if empty), then overrides with environment variables. A missing file is
// not an error; defaults plus env apply.
//
// Environment variables use underscore separators and are uppercased:
//
//	SERVER_HTTP_PORT        -> server.http_port
//	SELECTOR_ALGORITHM      -> selector.algorithm
//	GC_KEEP_VERSIONS        -> gc.keep_versions
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables override file values. SERVER_HTTP_PORT maps
	// to server.http_port: the first underscore becomes the section
	// separator, the rest stay as-is.
	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// sections lists the top-level config keys env vars can address.
var sections = map[string]bool{
	"server": true, "logging": true, "telemetry": true, "events": true,
	"registry": true, "validator": true, "deploy": true, "monitor": true,
	"selector": true, "retire": true, "gc": true,
}

// envTransform maps SERVER_HTTP_PORT to server.http_port. Variables whose
// first segment is not a known section are ignored so unrelated
// environment noise cannot leak into the config.
func envTransform(key string) string {
	lower := strings.ToLower(key)
	section, rest, found := strings.Cut(lower, "_")
	if !found || !sections[section] {
		return ""
	}
	return section + "." + rest
}

// readConfigFile opens and validates the config file through a single
// file descriptor to avoid a TOCTOU race between stat and read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config file %s is not a regular file", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}
