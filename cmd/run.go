package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/job"
	"github.com/tanq16/haul/internal/scheduler"
	"github.com/tanq16/haul/internal/utils"
)

// resolveOutput infers a destination when none is given and picks a fresh
// name when the target exists, unless a resumable partial sits there.
func resolveOutput(rawURL, outputPath string) string {
	if outputPath == "" {
		outputPath = utils.InferOutputPath(rawURL)
	}
	if !utils.FileExists(outputPath) {
		return outputPath
	}
	if cfg.Retention == job.RetainKeep && utils.FileExists(utils.SidecarPath(outputPath)) {
		return outputPath
	}
	renewed := utils.RenewOutputPath(outputPath)
	log.Debug().Str("from", outputPath).Str("to", renewed).Msg("Output path exists, renamed")
	return renewed
}

// runRequests drives the requests to completion. Ctrl-C cancels what is in
// flight and lets cleanup finish before exiting.
func runRequests(requests []job.Request) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(cfg.EngineOptions())
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Engine shutdown incomplete")
		}
	}()

	_, err := scheduler.Run(ctx, eng, requests, cfg.Workers, os.Stdout)
	return err
}
