package main

import (
	"fmt"

	"foreman/pkg/ralph"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <prd.yaml>",
		Short: "Validate a PRD file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prd, err := ralph.LoadPRD(args[0])
			if err != nil {
				return err
			}
			res := ralph.Validate(prd)

			out := cmd.OutOrStdout()
			for _, e := range res.Errors {
				fmt.Fprintf(out, "error: %s\n", e)
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			if !res.Valid {
				return fmt.Errorf("%s is invalid", args[0])
			}
			fmt.Fprintf(out, "%s: %d stories, estimated cost $%.2f\n", prd.Name, len(prd.Stories), res.EstimatedCostUSD)
			for _, id := range res.DependencyOrder {
				fmt.Fprintf(out, "  %s -> %s\n", id, res.ModelAssignments[id])
			}
			return nil
		},
	}
}
