// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config defines the orchestrator runtime's configuration
// schema and helpers for loading and validating it, per spec §6's
// DAOKIT_* environment variables plus an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound names the missing-config-file condition. Load and
// Exists do not return it: Exists reports a missing file as (false, nil)
// and Load falls back to defaults.
var ErrConfigNotFound = errors.New("daokit config not found")

var validStateBackends = map[string]bool{"fs": true, "sqlite": true, "postgres": true}
var validDispatchBackends = map[string]bool{"noop": true, "anthropic": true}
var validRuntimeEngines = map[string]bool{"local": true, "remote": true}

// Config represents the top-level orchestrator configuration, loaded
// from an optional YAML file and overlaid with DAOKIT_* environment
// variables (the environment always wins).
type Config struct {
	StateRoot       string           `yaml:"state_root"`
	StateBackend    string           `yaml:"state_backend"`
	DispatchBackend string           `yaml:"dispatch_backend"`
	RuntimeEngine   string           `yaml:"runtime_engine"`
	CodexTimeout    time.Duration    `yaml:"-"`
	Lease           LeaseConfig      `yaml:"lease,omitempty"`
	Heartbeat       HeartbeatConfig  `yaml:"heartbeat,omitempty"`
	Hooks           HooksConfig      `yaml:"hooks,omitempty"`
	Acceptance      AcceptanceConfig `yaml:"acceptance,omitempty"`
	Verbose         bool             `yaml:"verbose"`
	DatabaseURL     string           `yaml:"-"`
}

// LeaseConfig configures the process lease registry (spec §4.5).
type LeaseConfig struct {
	TTLSeconds int `yaml:"ttl_seconds,omitempty"`
}

// HeartbeatConfig configures heartbeat classification thresholds (spec §4.4).
type HeartbeatConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds,omitempty"`
	WarningAfterSeconds  int `yaml:"warning_after_seconds,omitempty"`
	StaleAfterSeconds    int `yaml:"stale_after_seconds,omitempty"`
}

// HooksConfig configures the hook runtime's default budget (spec §4.9).
type HooksConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds,omitempty"`
}

// AcceptanceConfig configures the acceptance engine's evidence root (spec §4.7).
type AcceptanceConfig struct {
	EvidenceRoot string `yaml:"evidence_root,omitempty"`
}

func defaults() Config {
	return Config{
		StateRoot:       "./state",
		StateBackend:    "fs",
		DispatchBackend: "noop",
		RuntimeEngine:   "local",
		CodexTimeout:    5 * time.Minute,
		Lease:           LeaseConfig{TTLSeconds: 300},
		Heartbeat:       HeartbeatConfig{CheckIntervalSeconds: 30, WarningAfterSeconds: 600, StaleAfterSeconds: 1800},
		Hooks:           HooksConfig{DefaultTimeoutSeconds: 30},
		Acceptance:      AcceptanceConfig{EvidenceRoot: "./state/evidence"},
	}
}

// Exists reports whether a config file exists at the given path.
// It returns (false, nil) if the file does not exist.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Load reads an optional YAML config at path, overlays DAOKIT_*
// environment variables, validates the result, and returns it. A
// missing file is not an error as long as the environment supplies
// enough to validate; callers that require a file should check
// Exists first.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		path = defaultConfigPathHint
	}

	exists, err := Exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking config existence: %w", err)
	}
	if exists {
		// nolint:gosec // G304: reading config file from a caller-specified path is expected behavior
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultConfigPathHint = "daokit.yml"

// DefaultConfigPath returns the default config path for the current working directory.
func DefaultConfigPath() string { return defaultConfigPathHint }

func applyEnv(cfg *Config) {
	if v := os.Getenv("DAOKIT_STATE_ROOT"); v != "" {
		cfg.StateRoot = v
	}
	if v := os.Getenv("DAOKIT_STATE_BACKEND"); v != "" {
		cfg.StateBackend = v
	}
	if v := os.Getenv("DAOKIT_DISPATCH_BACKEND"); v != "" {
		cfg.DispatchBackend = v
	}
	if v := os.Getenv("DAOKIT_RUNTIME_ENGINE"); v != "" {
		cfg.RuntimeEngine = v
	}
	if v := os.Getenv("DAOKIT_CODEX_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.CodexTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("DAOKIT_LEASE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Lease.TTLSeconds = secs
		}
	}
	if v := os.Getenv("DAOKIT_HOOK_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Hooks.DefaultTimeoutSeconds = secs
		}
	}
	if v := os.Getenv("DAOKIT_EVIDENCE_ROOT"); v != "" {
		cfg.Acceptance.EvidenceRoot = v
	}
	if v := os.Getenv("DAOKIT_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("DAOKIT_VERBOSE"); v != "" {
		cfg.Verbose = v == "1" || v == "true"
	}
}

func validate(cfg *Config) error {
	if cfg.StateRoot == "" {
		return errors.New("config: state_root must be non-empty")
	}
	if !validStateBackends[cfg.StateBackend] {
		return fmt.Errorf("config: unknown state_backend %q; must be one of fs, sqlite, postgres", cfg.StateBackend)
	}
	if cfg.StateBackend == "postgres" && cfg.DatabaseURL == "" {
		return errors.New("config: state_backend postgres requires DAOKIT_DATABASE_URL")
	}
	if !validDispatchBackends[cfg.DispatchBackend] {
		return fmt.Errorf("config: unknown dispatch_backend %q; must be one of noop, anthropic", cfg.DispatchBackend)
	}
	if !validRuntimeEngines[cfg.RuntimeEngine] {
		return fmt.Errorf("config: unknown runtime_engine %q; must be one of local, remote", cfg.RuntimeEngine)
	}
	if cfg.CodexTimeout <= 0 {
		return errors.New("config: codex timeout must be positive")
	}
	if cfg.Lease.TTLSeconds <= 0 {
		return errors.New("config: lease.ttl_seconds must be positive")
	}
	hb := cfg.Heartbeat
	if hb.CheckIntervalSeconds <= 0 || hb.WarningAfterSeconds <= 0 || hb.StaleAfterSeconds <= 0 {
		return errors.New("config: heartbeat thresholds must be positive")
	}
	if hb.CheckIntervalSeconds > hb.WarningAfterSeconds || hb.WarningAfterSeconds > hb.StaleAfterSeconds {
		return errors.New("config: heartbeat thresholds must satisfy check_interval <= warning_after <= stale_after")
	}
	if cfg.Hooks.DefaultTimeoutSeconds <= 0 {
		return errors.New("config: hooks.default_timeout_seconds must be positive")
	}
	if cfg.Acceptance.EvidenceRoot == "" {
		return errors.New("config: acceptance.evidence_root must be non-empty")
	}
	return nil
}
