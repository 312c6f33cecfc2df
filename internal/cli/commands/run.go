// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daokit/daokit-go/pkg/lease"
	"github.com/daokit/daokit-go/pkg/logging"
	"github.com/daokit/daokit-go/pkg/model"
	"github.com/daokit/daokit-go/pkg/orchestrator"
	"github.com/daokit/daokit-go/pkg/planner"
)

// NewRunCommand returns the `daokit run` command: 0 on DONE, 130 when
// --simulate-interruption fires, 1 on any other failure (spec §6).
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compile a plan (if needed) and drive the orchestrator to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}

			taskID, _ := cmd.Flags().GetString("task-id")
			goal, _ := cmd.Flags().GetString("goal")
			runID, _ := cmd.Flags().GetString("run-id")
			stepID, _ := cmd.Flags().GetString("step-id")
			lane, _ := cmd.Flags().GetString("lane")
			leaseTTL, _ := cmd.Flags().GetInt("lease-ttl")
			noLease, _ := cmd.Flags().GetBool("no-lease")
			simulateInterruption, _ := cmd.Flags().GetBool("simulate-interruption")

			if taskID == "" || goal == "" {
				return withExitCode(fmt.Errorf("run: --task-id and --goal are required"), 1)
			}
			if stepID == "" {
				stepID = "step-1"
			}

			state, err := rt.Store.LoadState(ctx)
			if err != nil {
				return withExitCode(fmt.Errorf("loading state: %w", err), 1)
			}

			if len(state.Steps) == 0 {
				compiled, err := planner.Compile(planner.Input{
					Goal:   goal,
					TaskID: taskID,
					RunID:  runID,
					Steps: []map[string]interface{}{
						{
							"id":                  stepID,
							"title":               stepID,
							"goal":                goal,
							"actions":             []interface{}{goal},
							"acceptance_criteria": []interface{}{"manual review"},
							"expected_outputs":    []interface{}{fmt.Sprintf("artifacts/%s.txt", stepID)},
						},
					},
				})
				if err != nil {
					return withExitCode(fmt.Errorf("compiling plan: %w", err), 1)
				}
				state.TaskID = compiled.TaskID
				state.RunID = compiled.RunID
				state.Goal = compiled.Goal
				state.Steps = compiled.Steps
				state.Status = model.StatusPlanning
				if state.RoleLifecycle == nil {
					state.RoleLifecycle = map[string]string{}
				}
				if _, err := rt.Store.SaveState(ctx, state, nil, nil, nil); err != nil {
					return withExitCode(fmt.Errorf("saving compiled plan: %w", err), 1)
				}
			}

			if !noLease {
				if leaseTTL <= 0 {
					leaseTTL = int(rt.Config.Lease.TTLSeconds)
				}
				if _, err := lease.Register(ctx, rt.Leases, lane, stepID, state.TaskID, state.RunID, "", time.Duration(leaseTTL)*time.Second, time.Now()); err != nil {
					rt.Logger.Warn("lease registration skipped", logging.NewField("error", err.Error()))
				}
			}

			if simulateInterruption {
				rt.Logger.Warn("simulated interruption", logging.NewField("task_id", state.TaskID), logging.NewField("run_id", state.RunID))
				fmt.Fprintln(cmd.OutOrStdout(), "simulated interruption")
				return withExitCode(fmt.Errorf("run: simulated interruption"), 130)
			}

			orch := orchestrator.New(rt.Store)
			orch.Metrics = rt.Metrics
			final, err := orch.Run(ctx)
			if err != nil {
				return withExitCode(fmt.Errorf("running orchestrator: %w", err), 1)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "task %s run %s finished with status %s\n", final.TaskID, final.RunID, final.Status)
			if final.Status == model.StatusFailed {
				return withExitCode(fmt.Errorf("run: task %s ended FAILED", final.TaskID), 1)
			}
			return nil
		},
	}
	cmd.Flags().String("task-id", "", "task identifier")
	cmd.Flags().String("goal", "", "task goal")
	cmd.Flags().String("run-id", "", "run identifier (derived when empty)")
	cmd.Flags().String("step-id", "", "step identifier for a single-step plan (default step-1)")
	cmd.Flags().String("lane", "", "lease lane")
	cmd.Flags().Int("lease-ttl", 0, "lease TTL in seconds (defaults to config)")
	cmd.Flags().Bool("no-lease", false, "skip lease registration")
	cmd.Flags().Bool("simulate-interruption", false, "exit 130 after plan compilation, before dispatch")
	return cmd
}
