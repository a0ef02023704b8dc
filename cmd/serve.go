package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/output"
	"github.com/tanq16/haul/internal/server"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve [--listen ADDR]",
		Short: "Run the download engine behind a REST and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng := engine.New(cfg.EngineOptions())
			srv := server.New(server.Config{Addr: cfg.Listen, ReadTimeout: 30 * time.Second, Debug: debug}, eng)
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()
			output.PrintHeader("Haul control server on " + cfg.Listen)

			var serveErr error
			select {
			case serveErr = <-errCh:
			case <-ctx.Done():
				log.Info().Msg("Interrupt received, shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Server shutdown incomplete")
			}
			if err := eng.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Engine shutdown incomplete")
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8080", "Address for the control API")
	return cmd
}
