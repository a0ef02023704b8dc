package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/haul/internal/job"
	"github.com/tanq16/haul/internal/output"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [dir]",
		Short: "Remove kept partial downloads and their resume records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			removed, err := job.CleanPartials(dir)
			for _, path := range removed {
				output.PrintInfo(fmt.Sprintf("Removed %s", path))
			}
			if err != nil {
				output.PrintError("Some partial files could not be removed")
				return err
			}
			output.PrintSuccess(fmt.Sprintf("Cleaned %d partial download(s)", len(removed)))
			return nil
		},
	}
}
