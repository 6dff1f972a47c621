package main

import (
	"fmt"

	"foreman/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Foreman agent worker orchestrator",
		Long:          "foreman supervises fleets of coding-agent workers:\ninteractive sessions, dependency-aware task dispatch, and PRD-driven runs.",
		Version:       fmt.Sprintf("foreman %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newRunCmd(),
		newAgentsCmd(),
		newStatusCmd(),
	)

	return cmd
}
