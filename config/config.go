// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Loom components.
//
// Configuration is loaded from a single file specified by:
//   - LOOM_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Loom.
type Config struct {
	// Environment identifies the deployment type (development,
	// staging, production).
	Environment Environment `yaml:"environment"`

	// Homeserver configures the connection to the homeserver.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Storage configures local persistence.
	Storage StorageConfig `yaml:"storage"`

	// Sync configures the sync engine.
	Sync SyncConfig `yaml:"sync"`

	// Vault configures session key management.
	Vault VaultConfig `yaml:"vault"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Homeserver *HomeserverConfig `yaml:"homeserver,omitempty"`
	Storage    *StorageConfig    `yaml:"storage,omitempty"`
	Sync       *SyncConfig       `yaml:"sync,omitempty"`
	Vault      *VaultConfig      `yaml:"vault,omitempty"`
}

// HomeserverConfig configures the homeserver connection.
type HomeserverConfig struct {
	// URL is the base URL of the homeserver
	// (e.g. "https://loom.example").
	URL string `yaml:"url"`

	// RequestTimeout bounds individual non-sync HTTP requests.
	// Default: 30s. Sync long-polls are bounded by sync.poll_timeout
	// instead.
	RequestTimeout string `yaml:"request_timeout"`

	// UserID is the full user ID of this account
	// (e.g. "@alice:loom.example").
	UserID string `yaml:"user_id"`

	// DeviceID identifies this device to the homeserver.
	DeviceID string `yaml:"device_id"`

	// AccessTokenFile is the path to a file holding the access token.
	// The token never appears in the config file itself.
	AccessTokenFile string `yaml:"access_token_file"`
}

// RequestTimeoutDuration returns the parsed HTTP request timeout.
func (h HomeserverConfig) RequestTimeoutDuration() time.Duration {
	return parseDuration(h.RequestTimeout, 30*time.Second)
}

// StorageConfig configures local persistence.
type StorageConfig struct {
	// Path is the SQLite database file holding events, state, and
	// session material.
	Path string `yaml:"path"`

	// PoolSize is the SQLite connection pool size. Zero uses the
	// pool's default.
	PoolSize int `yaml:"pool_size"`
}

// SyncConfig configures the sync engine. Durations are strings in
// Go syntax ("30s", "5m").
type SyncConfig struct {
	// PollTimeout is the server-side long-poll duration.
	// Default: 30s
	PollTimeout string `yaml:"poll_timeout"`

	// RetryMin and RetryMax bound the backoff between failed sync
	// cycles. Defaults: 1s and 5m.
	RetryMin string `yaml:"retry_min"`
	RetryMax string `yaml:"retry_max"`

	// RoomConcurrency caps how many rooms apply in parallel within
	// one cycle. Default: 4
	RoomConcurrency int `yaml:"room_concurrency"`

	// FilterFile is the path to a sync filter file (JSON with
	// comments). Empty means no filter.
	FilterFile string `yaml:"filter_file"`
}

// PollTimeoutDuration returns the parsed poll timeout. Malformed
// values are caught by Validate; here they fall back to the default.
func (s SyncConfig) PollTimeoutDuration() time.Duration {
	return parseDuration(s.PollTimeout, 30*time.Second)
}

// RetryMinDuration returns the parsed minimum retry backoff.
func (s SyncConfig) RetryMinDuration() time.Duration {
	return parseDuration(s.RetryMin, time.Second)
}

// RetryMaxDuration returns the parsed maximum retry backoff.
func (s SyncConfig) RetryMaxDuration() time.Duration {
	return parseDuration(s.RetryMax, 5*time.Minute)
}

// VaultConfig configures session key management.
type VaultConfig struct {
	// RotateAfterAge rotates a room's outbound group session once it
	// is older than this. Default: 168h (7 days)
	RotateAfterAge string `yaml:"rotate_after_age"`

	// RotateAfterMessages rotates after this many messages encrypted
	// under one session. Default: 100
	RotateAfterMessages int `yaml:"rotate_after_messages"`

	// OneTimeKeyTarget is the number of one-time keys to keep
	// published on the homeserver. Default: 50
	OneTimeKeyTarget int `yaml:"one_time_key_target"`
}

// RotateAfterAgeDuration returns the parsed rotation age threshold.
func (v VaultConfig) RotateAfterAgeDuration() time.Duration {
	return parseDuration(v.RotateAfterAge, 7*24*time.Hour)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback -
// the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "loom")

	return &Config{
		Environment: Development,
		Homeserver: HomeserverConfig{
			RequestTimeout: "30s",
		},
		Storage: StorageConfig{
			Path: filepath.Join(defaultRoot, "loom.db"),
		},
		Sync: SyncConfig{
			PollTimeout:     "30s",
			RetryMin:        "1s",
			RetryMax:        "5m",
			RoomConcurrency: 4,
		},
		Vault: VaultConfig{
			RotateAfterAge:      "168h",
			RotateAfterMessages: 100,
			OneTimeKeyTarget:    50,
		},
	}
}

// Load loads configuration from the LOOM_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults - if LOOM_CONFIG is not
// set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("LOOM_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("LOOM_CONFIG environment variable not set; " +
			"set it to the path of your loom.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values. The only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific
// overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Homeserver != nil {
		if overrides.Homeserver.URL != "" {
			c.Homeserver.URL = overrides.Homeserver.URL
		}
		if overrides.Homeserver.RequestTimeout != "" {
			c.Homeserver.RequestTimeout = overrides.Homeserver.RequestTimeout
		}
		if overrides.Homeserver.UserID != "" {
			c.Homeserver.UserID = overrides.Homeserver.UserID
		}
		if overrides.Homeserver.DeviceID != "" {
			c.Homeserver.DeviceID = overrides.Homeserver.DeviceID
		}
		if overrides.Homeserver.AccessTokenFile != "" {
			c.Homeserver.AccessTokenFile = overrides.Homeserver.AccessTokenFile
		}
	}

	if overrides.Storage != nil {
		if overrides.Storage.Path != "" {
			c.Storage.Path = overrides.Storage.Path
		}
		if overrides.Storage.PoolSize != 0 {
			c.Storage.PoolSize = overrides.Storage.PoolSize
		}
	}

	if overrides.Sync != nil {
		if overrides.Sync.PollTimeout != "" {
			c.Sync.PollTimeout = overrides.Sync.PollTimeout
		}
		if overrides.Sync.RetryMin != "" {
			c.Sync.RetryMin = overrides.Sync.RetryMin
		}
		if overrides.Sync.RetryMax != "" {
			c.Sync.RetryMax = overrides.Sync.RetryMax
		}
		if overrides.Sync.RoomConcurrency != 0 {
			c.Sync.RoomConcurrency = overrides.Sync.RoomConcurrency
		}
		if overrides.Sync.FilterFile != "" {
			c.Sync.FilterFile = overrides.Sync.FilterFile
		}
	}

	if overrides.Vault != nil {
		if overrides.Vault.RotateAfterAge != "" {
			c.Vault.RotateAfterAge = overrides.Vault.RotateAfterAge
		}
		if overrides.Vault.RotateAfterMessages != 0 {
			c.Vault.RotateAfterMessages = overrides.Vault.RotateAfterMessages
		}
		if overrides.Vault.OneTimeKeyTarget != 0 {
			c.Vault.OneTimeKeyTarget = overrides.Vault.OneTimeKeyTarget
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Storage.Path = expandVars(c.Storage.Path, vars)
	c.Homeserver.AccessTokenFile = expandVars(c.Homeserver.AccessTokenFile, vars)
	c.Sync.FilterFile = expandVars(c.Sync.FilterFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	}
	if c.Homeserver.UserID == "" {
		errs = append(errs, fmt.Errorf("homeserver.user_id is required"))
	}
	if c.Homeserver.DeviceID == "" {
		errs = append(errs, fmt.Errorf("homeserver.device_id is required"))
	}
	if c.Homeserver.AccessTokenFile == "" {
		errs = append(errs, fmt.Errorf("homeserver.access_token_file is required"))
	}

	if c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required"))
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"homeserver.request_timeout", c.Homeserver.RequestTimeout},
		{"sync.poll_timeout", c.Sync.PollTimeout},
		{"sync.retry_min", c.Sync.RetryMin},
		{"sync.retry_max", c.Sync.RetryMax},
		{"vault.rotate_after_age", c.Vault.RotateAfterAge},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field.name, field.value))
		}
	}
	if c.Sync.RetryMinDuration() > c.Sync.RetryMaxDuration() {
		errs = append(errs, fmt.Errorf("sync.retry_min (%s) exceeds sync.retry_max (%s)",
			c.Sync.RetryMin, c.Sync.RetryMax))
	}
	if c.Sync.RoomConcurrency < 0 {
		errs = append(errs, fmt.Errorf("sync.room_concurrency must not be negative"))
	}

	if c.Vault.OneTimeKeyTarget < 0 {
		errs = append(errs, fmt.Errorf("vault.one_time_key_target must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories holding configured files if
// they don't exist.
func (c *Config) EnsurePaths() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
