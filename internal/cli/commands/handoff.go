// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/daokit/daokit-go/pkg/handoff"
	"github.com/daokit/daokit-go/pkg/logging"
)

// NewHandoffCommand returns the `daokit handoff` command: writes or
// applies a content-hashed handoff package (spec §4.7, §6).
func NewHandoffCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Create or apply a handoff package",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}

			create, _ := cmd.Flags().GetBool("create")
			apply, _ := cmd.Flags().GetBool("apply")
			packagePath, _ := cmd.Flags().GetString("package-path")
			includeAccepted, _ := cmd.Flags().GetBool("include-accepted-steps")
			_ = includeAccepted // WritePackage has no include-accepted option, so this flag has no effect

			if create == apply {
				return withExitCode(fmt.Errorf("handoff: exactly one of --create or --apply is required"), 1)
			}
			if packagePath == "" {
				packagePath = filepath.Join(rt.Config.StateRoot, "state", "handoff_package.json")
			}

			if create {
				state, err := rt.Store.LoadState(ctx)
				if err != nil {
					return withExitCode(fmt.Errorf("loading state: %w", err), 1)
				}
				pkg, err := handoff.WritePackage(state, packagePath, time.Now())
				if err != nil {
					return withExitCode(fmt.Errorf("writing handoff package: %w", err), 1)
				}
				rt.Logger.Info("handoff package created", logging.NewField("path", packagePath), logging.NewField("next_action", pkg.NextAction))
				fmt.Fprintf(cmd.OutOrStdout(), "wrote handoff package to %s (next_action=%s)\n", packagePath, pkg.NextAction)
				return nil
			}

			pkg, err := handoff.LoadPackage(packagePath)
			if err != nil {
				return withExitCode(fmt.Errorf("loading handoff package: %w", err), 1)
			}
			if pkg == nil {
				return withExitCode(fmt.Errorf("handoff: no package found at %s", packagePath), 1)
			}
			state, err := rt.Store.LoadState(ctx)
			if err != nil {
				return withExitCode(fmt.Errorf("loading state: %w", err), 1)
			}
			plan, err := handoff.ApplyPackage(*pkg, &state)
			if err != nil {
				return withExitCode(fmt.Errorf("applying handoff package: %w", err), 1)
			}
			if _, err := rt.Store.SaveState(ctx, state, nil, nil, nil); err != nil {
				return withExitCode(fmt.Errorf("saving resumed state: %w", err), 1)
			}
			rt.Logger.Info("handoff package applied", logging.NewField("resume_step", plan.ResumeStep))
			fmt.Fprintf(cmd.OutOrStdout(), "resume step: %s\nresumable: %v\n", plan.ResumeStep, plan.Resumable)
			return nil
		},
	}
	cmd.Flags().Bool("create", false, "write a handoff package from the current ledger")
	cmd.Flags().Bool("apply", false, "apply a handoff package onto the current ledger")
	cmd.Flags().String("package-path", "", "handoff package path (defaults under the state root)")
	cmd.Flags().Bool("include-accepted-steps", false, "has no effect: the package's resumable set always leaves out accepted steps")
	return cmd
}
