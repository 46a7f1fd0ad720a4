package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/authguard/internal/app"
	"github.com/dropDatabas3/authguard/internal/observability/logger"
)

func newServeCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Corre el sweeper periódico y el servidor de operación (/healthz, /readyz, /metrics)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := app.New(cfg, app.Deps{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.L().Info("authguard up",
				logger.String("cache", cfg.Cache.Kind),
				logger.String("ops_addr", cfg.Ops.Addr),
				logger.String("sweep_interval", cfg.Sweep.Interval.String()))
			return a.Run(ctx)
		},
	}
}
