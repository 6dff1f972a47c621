package main

import (
	"fmt"

	"foreman/pkg/protocol"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize live sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			var sessions []protocol.Session
			if err := call(paths.SocketPath, "list-sessions", nil, &sessions); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			for _, s := range sessions {
				fmt.Fprintf(out, "%s  %-9s %-6s %d workers  $%.4f  %s\n",
					s.ID, s.Status, s.Type, len(s.WorkerIDs), s.CostUSD, truncatePrompt(s.Prompt))
			}
			return nil
		},
	}
}

func truncatePrompt(p string) string {
	const max = 60
	if len(p) <= max {
		return p
	}
	return p[:max] + "..."
}
