package main

import (
	"fmt"
	"strings"

	"foreman/pkg/pool"

	"github.com/spf13/cobra"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List available agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			var agents []pool.AgentInfo
			if err := call(paths.SocketPath, "list-available-agents", nil, &agents); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, a := range agents {
				status := "available"
				if !a.Available {
					status = "missing binary " + a.Binary
				}
				modes := make([]string, len(a.Modes))
				for i, m := range a.Modes {
					modes[i] = string(m)
				}
				fmt.Fprintf(out, "%-12s %-24s %s\n", a.ID, status, strings.Join(modes, ","))
			}
			return nil
		},
	}
}
