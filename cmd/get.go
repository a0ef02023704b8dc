package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/haul/internal/job"
)

func newGetCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "get [URL]... [--output OUTPUT_PATH]",
		Short: "Download one or more files over HTTP(S) or FTP(S)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputPath != "" && len(args) > 1 {
				return fmt.Errorf("--output only works with a single URL")
			}
			var requests []job.Request
			for _, url := range args {
				requests = append(requests, job.Request{URL: url, Destination: resolveOutput(url, outputPath)})
			}
			return runRequests(requests)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the URL if not provided)")
	return cmd
}
