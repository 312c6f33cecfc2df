// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daokit/daokit-go/pkg/model"
	"github.com/daokit/daokit-go/pkg/orchestrator"
)

// NewStatusCommand returns the `daokit status` command: a point-in-time
// dump of the pipeline ledger, heartbeat status, and leases (spec §6).
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print current pipeline, heartbeat, and lease status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			diagnose, _ := cmd.Flags().GetBool("diagnose")

			snapshot, err := buildStatusSnapshot(ctx, rt)
			if err != nil {
				return withExitCode(err, 1)
			}

			if diagnose {
				orch := orchestrator.New(rt.Store)
				findings, err := orch.Diagnose(ctx, rt.Leases)
				if err != nil {
					return withExitCode(fmt.Errorf("diagnosing: %w", err), 1)
				}
				snapshot.Findings = findings
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(snapshot); err != nil {
					return withExitCode(fmt.Errorf("encoding status: %w", err), 1)
				}
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "task: %s run: %s status: %s\n", snapshot.State.TaskID, snapshot.State.RunID, snapshot.State.Status)
			if snapshot.State.CurrentStep != nil {
				fmt.Fprintf(out, "current step: %s\n", *snapshot.State.CurrentStep)
			}
			fmt.Fprintf(out, "heartbeat: %s\n", snapshot.Heartbeat.Status)
			fmt.Fprintf(out, "leases: %d active\n", countActiveLeases(snapshot.Leases))
			for _, f := range snapshot.Findings {
				fmt.Fprintf(out, "finding: [%s] %s: %s\n", f.Severity, f.Code, f.Message)
			}
			return nil
		},
	}
	cmd.Flags().String("task-id", "", "restrict to a specific task (informational; single-run state root)")
	cmd.Flags().String("run-id", "", "restrict to a specific run (informational; single-run state root)")
	cmd.Flags().Bool("json", false, "print machine-readable JSON")
	cmd.Flags().Bool("diagnose", false, "include read-only diagnostic findings derived from the event log and lease registry")
	return cmd
}

type statusSnapshot struct {
	State     model.TaskRun          `json:"state"`
	Heartbeat model.HeartbeatStatus  `json:"heartbeat"`
	Leases    []model.Lease          `json:"leases"`
	Findings  []orchestrator.Finding `json:"findings,omitempty"`
}

func buildStatusSnapshot(ctx context.Context, rt *runtime) (statusSnapshot, error) {
	state, err := rt.Store.LoadState(ctx)
	if err != nil {
		return statusSnapshot{}, fmt.Errorf("loading state: %w", err)
	}
	hb, err := rt.Store.LoadHeartbeatStatus(ctx)
	if err != nil {
		return statusSnapshot{}, fmt.Errorf("loading heartbeat status: %w", err)
	}
	leaseFile, err := rt.Leases.LoadLeases(ctx)
	if err != nil {
		return statusSnapshot{}, fmt.Errorf("loading leases: %w", err)
	}
	return statusSnapshot{State: state, Heartbeat: hb, Leases: leaseFile.Leases}, nil
}

func countActiveLeases(leases []model.Lease) int {
	n := 0
	for _, l := range leases {
		if l.Status == model.LeaseActive {
			n++
		}
	}
	return n
}
