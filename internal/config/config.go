// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

// Package config holds application configuration loaded via Koanf v2 with
// layered sources (defaults, optional YAML file, environment variables) and
// the per-org AppleCare settings resolver.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultRateLimit is the vendor API requests/minute assumed when no org or
// global limit is configured.
const DefaultRateLimit = 40

// DefaultTokenURL is Apple's OAuth token endpoint for ABM/ASM API access.
const DefaultTokenURL = "https://account.apple.com/auth/oauth2/token"

// Config holds all application configuration.
// Immutable after Load() and safe for concurrent reads.
type Config struct {
	AppleCare AppleCareConfig `koanf:"applecare"`
	Database  DatabaseConfig  `koanf:"database"`
	Progress  ProgressConfig  `koanf:"progress"`
	Sync      SyncConfig      `koanf:"sync"`
	Server    ServerConfig    `koanf:"server"`
	Security  SecurityConfig  `koanf:"security"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// AppleCareConfig is the global (default-org) AppleCare API configuration.
// Orgs can override URL, assertion and rate limit via prefixed environment
// variables; see Resolver.
//
// Environment variables:
//   - APPLECARE_API_URL: ABM/ASM API base URL
//   - APPLECARE_CLIENT_ASSERTION: pre-signed OAuth client assertion JWT
//   - APPLECARE_RATE_LIMIT: vendor requests/minute (default: 40)
type AppleCareConfig struct {
	APIURL          string `koanf:"api_url" validate:"omitempty,url"`
	ClientAssertion string `koanf:"client_assertion"`
	RateLimit       int    `koanf:"rate_limit" validate:"gte=0"`
	TokenURL        string `koanf:"token_url" validate:"required,url"`
}

// DatabaseConfig holds DuckDB settings for the coverage store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	// Threads <= 0 means runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// ProgressConfig holds the BadgerDB path for durable sync progress.
type ProgressConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// SyncConfig holds the orchestrator's timing and retry knobs. The defaults
// match the vendor API's observed behavior; changing them is rarely needed.
type SyncConfig struct {
	// HeartbeatInterval is the maximum gap between progress heartbeats.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`

	// StallTimeout aborts a run when no device completes for this long.
	StallTimeout time.Duration `koanf:"stall_timeout" validate:"gt=0"`

	// SessionMaxAge is how old a checkpointed session may be and still resume.
	SessionMaxAge time.Duration `koanf:"session_max_age" validate:"gt=0"`

	// DeviceRetries is the per-device retry count on vendor 429 responses.
	DeviceRetries int `koanf:"device_retries" validate:"gte=0"`

	// RetryAfterDefault is assumed when a 429 carries no usable Retry-After.
	RetryAfterDefault time.Duration `koanf:"retry_after_default" validate:"gt=0"`

	// RetryAfterCap bounds how long a single 429 wait may be.
	RetryAfterCap time.Duration `koanf:"retry_after_cap" validate:"gt=0"`

	// TokenSpacing is the minimum gap between OAuth token exchanges.
	TokenSpacing time.Duration `koanf:"token_spacing" validate:"gte=0"`

	// ClientTimeout is the per-request HTTP timeout for vendor calls.
	ClientTimeout time.Duration `koanf:"client_timeout" validate:"gt=0"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// SecurityConfig holds the HTTP surface limits.
type SecurityConfig struct {
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gt=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// An assertion without a base URL (or vice versa) is a misconfiguration
	// worth failing fast on; both empty just means no default org.
	if (c.AppleCare.APIURL == "") != (c.AppleCare.ClientAssertion == "") {
		return fmt.Errorf("applecare api_url and client_assertion must be set together")
	}

	if c.Sync.RetryAfterCap < c.Sync.RetryAfterDefault {
		return fmt.Errorf("sync retry_after_cap (%s) must be >= retry_after_default (%s)",
			c.Sync.RetryAfterCap, c.Sync.RetryAfterDefault)
	}

	return nil
}

// HasDefaultOrg reports whether global AppleCare credentials are configured.
func (c *Config) HasDefaultOrg() bool {
	return c.AppleCare.APIURL != "" && c.AppleCare.ClientAssertion != ""
}
