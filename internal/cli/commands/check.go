// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/daokit/daokit-go/pkg/heartbeat"
	"github.com/daokit/daokit-go/pkg/logging"
	"github.com/daokit/daokit-go/pkg/model"
)

// NewCheckCommand returns the `daokit check` command: exit 0 when
// liveness is healthy, exit 2 when it classifies as STALE (spec §6).
func NewCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate run liveness against the artifact root and heartbeat ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}

			artifactRoot, _ := cmd.Flags().GetString("artifact-root")
			checkInterval := rt.Config.Heartbeat.CheckIntervalSeconds
			warningAfter := rt.Config.Heartbeat.WarningAfterSeconds
			staleAfter := rt.Config.Heartbeat.StaleAfterSeconds
			if cmd.Flags().Changed("check-interval") {
				checkInterval, _ = cmd.Flags().GetInt("check-interval")
			}
			if cmd.Flags().Changed("warning-after") {
				warningAfter, _ = cmd.Flags().GetInt("warning-after")
			}
			if cmd.Flags().Changed("stale-after") {
				staleAfter, _ = cmd.Flags().GetInt("stale-after")
			}
			watch, _ := cmd.Flags().GetBool("watch")

			thresholds := heartbeat.Thresholds{
				CheckInterval: time.Duration(checkInterval) * time.Second,
				WarningAfter:  time.Duration(warningAfter) * time.Second,
				StaleAfter:    time.Duration(staleAfter) * time.Second,
			}
			daemon, err := heartbeat.NewDaemon(rt.Store, thresholds)
			if err != nil {
				return withExitCode(err, 1)
			}
			daemon.Metrics = rt.Metrics

			if !watch {
				status, err := runCheckOnce(ctx, rt, daemon, artifactRoot, cmd)
				if err != nil {
					return err
				}
				if status.Status == model.HeartbeatStale {
					reason := ""
					if status.ReasonCode != nil {
						reason = *status.ReasonCode
					}
					return withExitCode(fmt.Errorf("heartbeat is STALE: %s", reason), 2)
				}
				return nil
			}

			ticker := time.NewTicker(thresholds.CheckInterval)
			defer ticker.Stop()
			for {
				status, err := runCheckOnce(ctx, rt, daemon, artifactRoot, cmd)
				if err != nil {
					return err
				}
				if status.Status == model.HeartbeatStale {
					reason := ""
					if status.ReasonCode != nil {
						reason = *status.ReasonCode
					}
					return withExitCode(fmt.Errorf("heartbeat is STALE: %s", reason), 2)
				}
				select {
				case <-ctx.Done():
					return withExitCode(ctx.Err(), 1)
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().String("artifact-root", "", "directory scanned for the latest artifact mtime")
	cmd.Flags().Int("check-interval", 30, "check interval in seconds")
	cmd.Flags().Int("warning-after", 600, "seconds of silence before WARNING")
	cmd.Flags().Int("stale-after", 1800, "seconds of silence before STALE")
	cmd.Flags().Bool("watch", false, "repeat the check every --check-interval until STALE or the context is canceled")
	return cmd
}

// runCheckOnce runs a single heartbeat check, printing and logging the
// result. It ticks the daemon only while the ledger has steps and is
// neither DONE nor FAILED; otherwise it reports IDLE. Used both for the default one-shot check and each iteration
// of --watch's time.Ticker loop.
func runCheckOnce(ctx context.Context, rt *runtime, daemon *heartbeat.Daemon, artifactRoot string, cmd *cobra.Command) (model.HeartbeatStatus, error) {
	if artifactRoot != "" {
		if mtime, ok := latestMtime(artifactRoot); ok {
			daemon.RecordArtifactMtime(mtime)
		}
	}

	state, err := rt.Store.LoadState(ctx)
	if err != nil {
		return model.HeartbeatStatus{}, withExitCode(fmt.Errorf("loading state: %w", err), 1)
	}

	var status model.HeartbeatStatus
	if len(state.Steps) == 0 || state.Status == model.StatusDone || state.Status == model.StatusFailed {
		// No run in progress: report IDLE without ticking the daemon,
		// whose Tick always treats execution as active.
		status, err = rt.Store.LoadHeartbeatStatus(ctx)
		status.Status, status.ReasonCode = model.HeartbeatIdle, nil
	} else {
		status, err = daemon.Tick(ctx, state.TaskID, state.RunID)
	}
	if err != nil {
		return model.HeartbeatStatus{}, withExitCode(fmt.Errorf("evaluating heartbeat: %w", err), 1)
	}

	reason := ""
	if status.ReasonCode != nil {
		reason = *status.ReasonCode
	}
	fmt.Fprintf(cmd.OutOrStdout(), "heartbeat: %s reason=%s\n", status.Status, reason)
	rt.Logger.Info("heartbeat check", logging.NewField("status", status.Status), logging.NewField("reason_code", reason))
	return status, nil
}

// latestMtime walks root and returns the most recent regular file
// mtime found, or ok=false when root has no files.
func latestMtime(root string) (time.Time, bool) {
	var latest time.Time
	found := false
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
			found = true
		}
		return nil
	})
	return latest, found
}
