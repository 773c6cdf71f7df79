package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/observicia-go/internal/observability"
	"github.com/tjfontaine/observicia-go/internal/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /metrics, /healthz and /debug endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.loadConfig(cmd)
			if addr != "" {
				cfg.Admin.Addr = addr
			}

			octx := observability.Initialize(cfg)
			logger := octx.Slog()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := octx.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown error", slog.String("error", err.Error()))
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(cfg.Admin.Addr, octx, logger)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			logger.Info("admin server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides admin.addr)")
	return cmd
}
