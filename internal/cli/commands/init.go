// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/daokit/daokit-go/pkg/config"
	"github.com/daokit/daokit-go/pkg/lease"
	"github.com/daokit/daokit-go/pkg/logging"
	"github.com/daokit/daokit-go/pkg/statestore"
)

// NewInitCommand returns the `daokit init` command: 0 on success, 1 on
// a path conflict (spec §6).
func NewInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap a daokit state root",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			verbose, _ := cmd.Flags().GetBool("verbose")
			logger := logging.NewLogger(verbose)

			if root == "" {
				root = "."
			}
			stateDir := filepath.Join(root, "state")
			if info, err := os.Stat(stateDir); err == nil && info.IsDir() {
				entries, err := os.ReadDir(stateDir)
				if err == nil && len(entries) > 0 {
					return withExitCode(fmt.Errorf("state root %s already initialized", stateDir), 1)
				}
			}

			if _, err := statestore.NewFSStore(root); err != nil {
				return withExitCode(fmt.Errorf("initializing state store: %w", err), 1)
			}
			if _, err := lease.NewFSStore(root); err != nil {
				return withExitCode(fmt.Errorf("initializing lease store: %w", err), 1)
			}

			configPath := filepath.Join(root, config.DefaultConfigPath())
			if exists, _ := config.Exists(configPath); !exists {
				if err := os.WriteFile(configPath, []byte("state_root: ./state\nstate_backend: fs\ndispatch_backend: noop\nruntime_engine: local\n"), 0o644); err != nil {
					return withExitCode(fmt.Errorf("writing default config: %w", err), 1)
				}
			}

			logger.Info("initialized daokit state root", logging.NewField("root", root))
			fmt.Fprintf(cmd.OutOrStdout(), "initialized daokit state root at %s\n", stateDir)
			return nil
		},
	}
	return cmd
}
