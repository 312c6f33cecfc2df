// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DAOKIT_STATE_ROOT", "DAOKIT_STATE_BACKEND", "DAOKIT_DISPATCH_BACKEND",
		"DAOKIT_RUNTIME_ENGINE", "DAOKIT_CODEX_TIMEOUT_SECONDS", "DAOKIT_LEASE_TTL_SECONDS",
		"DAOKIT_HOOK_TIMEOUT_SECONDS", "DAOKIT_EVIDENCE_ROOT", "DAOKIT_DATABASE_URL", "DAOKIT_VERBOSE",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadAppliesDefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateBackend != "fs" || cfg.DispatchBackend != "noop" {
		t.Fatalf("expected default backends, got %+v", cfg)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "daokit.yml")
	if err := os.WriteFile(path, []byte("state_backend: fs\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	os.Setenv("DAOKIT_STATE_BACKEND", "sqlite")
	defer os.Unsetenv("DAOKIT_STATE_BACKEND")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateBackend != "sqlite" {
		t.Fatalf("expected env to override file, got %q", cfg.StateBackend)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	clearEnv(t)
	os.Setenv("DAOKIT_STATE_BACKEND", "bogus")
	defer os.Unsetenv("DAOKIT_STATE_BACKEND")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error for unknown state_backend")
	}
}

func TestValidateRequiresDatabaseURLForPostgres(t *testing.T) {
	clearEnv(t)
	os.Setenv("DAOKIT_STATE_BACKEND", "postgres")
	defer os.Unsetenv("DAOKIT_STATE_BACKEND")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error when postgres backend lacks a database url")
	}
}

func TestValidateRejectsOutOfOrderHeartbeatThresholds(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "daokit.yml")
	body := "heartbeat:\n  check_interval_seconds: 60\n  warning_after_seconds: 30\n  stale_after_seconds: 90\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for out-of-order heartbeat thresholds")
	}
}
