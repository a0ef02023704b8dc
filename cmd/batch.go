package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tanq16/haul/internal/job"
	"github.com/tanq16/haul/internal/utils"
)

// BatchFile groups entries under arbitrary section names:
//
//	isos:
//	  - link: https://example.com/a.iso
//	    op: downloads/a.iso
type BatchFile map[string][]utils.DownloadEntry

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read batch file: %w", err)
			}
			var batchFile BatchFile
			if err := yaml.Unmarshal(data, &batchFile); err != nil {
				return fmt.Errorf("parse batch file: %w", err)
			}
			requests := buildRequestsFromBatch(batchFile)
			if len(requests) == 0 {
				return fmt.Errorf("no valid entries found in %s", args[0])
			}
			return runRequests(requests)
		},
	}
	return cmd
}

func buildRequestsFromBatch(batchFile BatchFile) []job.Request {
	sections := make([]string, 0, len(batchFile))
	for section := range batchFile {
		sections = append(sections, section)
	}
	sort.Strings(sections)

	var requests []job.Request
	for _, section := range sections {
		for _, entry := range batchFile[section] {
			if entry.URL == "" {
				log.Warn().Str("section", section).Msg("Empty link in batch file, skipping")
				continue
			}
			requests = append(requests, job.Request{
				URL:         entry.URL,
				Destination: resolveOutput(entry.URL, entry.OutputPath),
			})
		}
	}
	return requests
}
