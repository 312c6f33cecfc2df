// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daokit/daokit-go/pkg/lease"
	"github.com/daokit/daokit-go/pkg/logging"
	"github.com/daokit/daokit-go/pkg/succession"
)

// NewTakeoverCommand returns the `daokit takeover` command: adopts a
// lane's active leases under a successor thread (spec §4.6, §6).
func NewTakeoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "takeover",
		Short: "Adopt a lane's active leases under a successor worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}

			taskID, _ := cmd.Flags().GetString("task-id")
			runID, _ := cmd.Flags().GetString("run-id")
			successorThreadID, _ := cmd.Flags().GetString("successor-thread-id")
			lane, _ := cmd.Flags().GetString("lane")
			leaseTTL, _ := cmd.Flags().GetInt("lease-ttl")

			if taskID == "" || runID == "" || successorThreadID == "" {
				return withExitCode(fmt.Errorf("takeover: --task-id, --run-id, and --successor-thread-id are required"), 1)
			}
			_ = leaseTTL // not used: AcceptSuccessor keeps each adopted lease's existing expiry

			result, err := succession.AcceptSuccessor(ctx, rt.Store, rt.Leases, lane, lease.Successor{ThreadID: successorThreadID}, time.Now(), rt.Metrics)
			if err != nil {
				return withExitCode(fmt.Errorf("accepting successor: %w", err), 1)
			}

			rt.Logger.Info("successor accepted",
				logging.NewField("task_id", taskID),
				logging.NewField("run_id", runID),
				logging.NewField("adopted", result.Adopted),
				logging.NewField("failed", result.Failed),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "adopted: %v\nfailed: %v\n", result.Adopted, result.Failed)
			return nil
		},
	}
	cmd.Flags().String("task-id", "", "task identifier")
	cmd.Flags().String("run-id", "", "run identifier")
	cmd.Flags().String("successor-thread-id", "", "successor thread identity")
	cmd.Flags().String("lane", "", "lease lane to take over")
	cmd.Flags().Int("lease-ttl", 0, "has no effect: adopted leases keep their existing expiry")
	return cmd
}
