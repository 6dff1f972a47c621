package main

import (
	"fmt"

	"foreman/pkg/protocol"
	"foreman/pkg/ralph"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <prd.yaml>",
		Short: "Submit a PRD to the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prd, err := ralph.LoadPRD(args[0])
			if err != nil {
				return err
			}
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			var ps protocol.PrdSession
			params := struct {
				PRD protocol.PRD `json:"prd"`
			}{PRD: prd}
			if err := call(paths.SocketPath, "create-prd-session", params, &ps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started prd session %s (%d stories)\n", ps.ID, len(ps.Stories))
			return nil
		},
	}
}
