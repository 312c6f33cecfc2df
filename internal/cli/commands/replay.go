// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewReplayCommand returns the `daokit replay` command: dumps the
// event log or the snapshot log, most recent last (spec §6).
func NewReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the event log or the snapshot log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}

			source, _ := cmd.Flags().GetString("source")
			limit, _ := cmd.Flags().GetInt("limit")

			enc := json.NewEncoder(cmd.OutOrStdout())

			switch source {
			case "events":
				events, err := rt.Store.ListEvents(ctx)
				if err != nil {
					return withExitCode(fmt.Errorf("listing events: %w", err), 1)
				}
				events = tailEvents(events, limit)
				for _, e := range events {
					if err := enc.Encode(e); err != nil {
						return withExitCode(fmt.Errorf("encoding event: %w", err), 1)
					}
				}
			case "snapshots":
				snaps, err := rt.Store.ListSnapshots(ctx)
				if err != nil {
					return withExitCode(fmt.Errorf("listing snapshots: %w", err), 1)
				}
				snaps = tailEvents(snaps, limit)
				for _, s := range snaps {
					if err := enc.Encode(s); err != nil {
						return withExitCode(fmt.Errorf("encoding snapshot: %w", err), 1)
					}
				}
			default:
				return withExitCode(fmt.Errorf("replay: --source must be %q or %q", "events", "snapshots"), 1)
			}
			return nil
		},
	}
	cmd.Flags().String("source", "events", "events or snapshots")
	cmd.Flags().Int("limit", 0, "limit output to the last N entries (0 = unlimited)")
	return cmd
}

func tailEvents[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return items[len(items)-limit:]
}
