// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/fleetcare/config.yaml",
	"/etc/fleetcare/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns built-in defaults, applied first and overridden by
// config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		AppleCare: AppleCareConfig{
			APIURL:          "",
			ClientAssertion: "",
			RateLimit:       DefaultRateLimit,
			TokenURL:        DefaultTokenURL,
		},
		Database: DatabaseConfig{
			Path:      "/data/fleetcare.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Progress: ProgressConfig{
			Path: "/data/progress",
		},
		Sync: SyncConfig{
			HeartbeatInterval: 15 * time.Second,
			StallTimeout:      time.Hour,
			SessionMaxAge:     2 * time.Hour,
			DeviceRetries:     3,
			RetryAfterDefault: 30 * time.Second,
			RetryAfterCap:     300 * time.Second,
			TokenSpacing:      3 * time.Second,
			ClientTimeout:     30 * time.Second,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8680,
			Timeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment variable names map to koanf paths via the explicit table
	// below; unmapped variables are ignored.
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps environment variable names to koanf config paths.
// Org-prefixed AppleCare overrides ({PREFIX}_APPLECARE_*) are deliberately
// NOT here; the Resolver reads those directly per org.
var envMappings = map[string]string{
	"APPLECARE_API_URL":          "applecare.api_url",
	"APPLECARE_CLIENT_ASSERTION": "applecare.client_assertion",
	"APPLECARE_RATE_LIMIT":       "applecare.rate_limit",
	"APPLECARE_TOKEN_URL":        "applecare.token_url",

	"DUCKDB_PATH":       "database.path",
	"DUCKDB_MAX_MEMORY": "database.max_memory",
	"DUCKDB_THREADS":    "database.threads",

	"PROGRESS_PATH": "progress.path",

	"SYNC_HEARTBEAT_INTERVAL": "sync.heartbeat_interval",
	"SYNC_STALL_TIMEOUT":      "sync.stall_timeout",
	"SYNC_SESSION_MAX_AGE":    "sync.session_max_age",
	"SYNC_DEVICE_RETRIES":     "sync.device_retries",
	"SYNC_TOKEN_SPACING":      "sync.token_spacing",
	"SYNC_CLIENT_TIMEOUT":     "sync.client_timeout",

	"HTTP_HOST":    "server.host",
	"HTTP_PORT":    "server.port",
	"HTTP_TIMEOUT": "server.timeout",

	"CORS_ORIGINS":      "security.cors_origins",
	"RATE_LIMIT_REQS":   "security.rate_limit_reqs",
	"RATE_LIMIT_WINDOW": "security.rate_limit_window",

	"LOG_LEVEL":  "logging.level",
	"LOG_FORMAT": "logging.format",
	"LOG_CALLER": "logging.caller",
}

// envTransformFunc maps an environment variable name to its koanf path.
// Returning "" drops the variable.
func envTransformFunc(key string) string {
	if path, ok := envMappings[strings.ToUpper(key)]; ok {
		return path
	}
	return ""
}

// sliceConfigPaths are parsed as comma-separated lists when they arrive as
// strings from the environment.
var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields converts comma-separated strings to slices for known
// slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}
