// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli wires together the daokit root Cobra command and global
// CLI options.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/daokit/daokit-go/internal/cli/commands"
)

// Version is set at build time via -ldflags.
var Version = "0.0.0-dev"

// NewRootCommand constructs the daokit root Cobra command, wiring one
// subcommand per spec §6 operator-surface command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "daokit",
		Short:         "daokit – deterministic multi-step orchestration runtime",
		Long:          "daokit drives a durable, crash-recoverable pipeline of agent steps through plan/dispatch/verify/transition, with lease-based coordination and successor takeover.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	commands.AddRootFlags(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the daokit version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "daokit version %s\n", Version)
		},
	})

	// Subcommands registered in lexicographic order by .Use, matching
	// the teacher's deterministic-help-output convention.
	cmd.AddCommand(commands.NewCheckCommand())
	cmd.AddCommand(commands.NewHandoffCommand())
	cmd.AddCommand(commands.NewInitCommand())
	cmd.AddCommand(commands.NewReplayCommand())
	cmd.AddCommand(commands.NewRunCommand())
	cmd.AddCommand(commands.NewServeMetricsCommand())
	cmd.AddCommand(commands.NewStatusCommand())
	cmd.AddCommand(commands.NewTakeoverCommand())

	return cmd
}

// Execute runs the root command against os.Args, returning the
// process exit code per spec §6's documented codes.
func Execute() int {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "daokit:", err)
		if code, ok := commands.ExitCode(err); ok {
			return code
		}
		return 1
	}
	return 0
}
