// SPDX-License-Identifier: AGPL-3.0-or-later

// Package commands implements one subcommand per spec §6 operator
// surface entry, sharing a common bootstrap (config + state store +
// lease file store) across them.
package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/daokit/daokit-go/pkg/config"
	"github.com/daokit/daokit-go/pkg/lease"
	"github.com/daokit/daokit-go/pkg/logging"
	"github.com/daokit/daokit-go/pkg/metrics"
	"github.com/daokit/daokit-go/pkg/statestore"
)

// runtime bundles the dependencies every command needs once config is
// loaded: the ledger store, the lease file store, a logger, and the
// process-wide Prometheus instrumentation `serve-metrics` exposes.
type runtime struct {
	Config  *config.Config
	Store   statestore.Store
	Leases  lease.FileStore
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

func bootstrap(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	root, _ := cmd.Flags().GetString("root")
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if configPath == "" && root != "" {
		configPath = filepath.Join(root, config.DefaultConfigPath())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if root != "" {
		cfg.StateRoot = root
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	fs, err := lease.NewFSStore(cfg.StateRoot)
	if err != nil {
		return nil, fmt.Errorf("opening lease store: %w", err)
	}

	return &runtime{
		Config:  cfg,
		Store:   store,
		Leases:  fs,
		Logger:  logging.NewLogger(verbose || cfg.Verbose),
		Metrics: sharedMetrics(),
	}, nil
}

var (
	metricsOnce     sync.Once
	metricsInstance *metrics.Metrics
)

// sharedMetrics registers one Prometheus instrumentation instance per
// process against the default registerer (so serve-metrics can scrape
// it via promhttp.Handler) and reuses it across every bootstrap call in
// that process -- repeating New against the default registerer panics
// on the second registration.
func sharedMetrics() *metrics.Metrics {
	metricsOnce.Do(func() {
		metricsInstance = metrics.New(nil)
	})
	return metricsInstance
}

func openStore(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	switch cfg.StateBackend {
	case "sqlite":
		return statestore.NewSQLiteStore(filepath.Join(cfg.StateRoot, "daokit.sqlite"))
	case "postgres":
		return statestore.NewPGStore(ctx, cfg.DatabaseURL)
	default:
		return statestore.NewFSStore(cfg.StateRoot)
	}
}

// AddRootFlags registers the persistent flags shared by every operator command.
func AddRootFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("root", "", "orchestrator state root directory")
	cmd.PersistentFlags().StringP("config", "c", "", "path to daokit.yml")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose structured logging")
}

// exitCodeError pairs an error with the process exit code spec §6
// documents for its command (e.g. 2 for a STALE heartbeat, 130 for a
// simulated interruption).
type exitCodeError struct {
	err  error
	code int
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// withExitCode wraps err so ExitCode can recover the documented code.
func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{err: err, code: code}
}

// ExitCode extracts the exit code carried by an error constructed with
// withExitCode, if any.
func ExitCode(err error) (int, bool) {
	var e *exitCodeError
	if errors.As(err, &e) {
		return e.code, true
	}
	return 0, false
}
