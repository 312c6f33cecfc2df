// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/daokit/daokit-go/pkg/logging"
)

// NewServeMetricsCommand returns the `daokit serve-metrics` command: a
// thin addition exposing the process's own Prometheus counters (event
// counts, lease takeovers, heartbeat stale transitions) over HTTP. The
// HTTP dashboard itself remains out of scope (spec §1); this only
// exposes the core's own instrumentation for an external scraper.
func NewServeMetricsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics for this process over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}
			_ = rt.Metrics // ensures this process's counters are registered before serving

			addr, _ := cmd.Flags().GetString("addr")
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			server := &http.Server{Addr: addr, Handler: mux}

			rt.Logger.Info("serving metrics", logging.NewField("addr", addr))
			fmt.Fprintf(cmd.OutOrStdout(), "serving metrics on %s/metrics\n", addr)

			go func() {
				<-ctx.Done()
				_ = server.Close()
			}()
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return withExitCode(fmt.Errorf("serve-metrics: %w", err), 1)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", ":9090", "listen address for the metrics endpoint")
	return cmd
}
