package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/authguard/internal/config"
	"github.com/dropDatabas3/authguard/internal/observability/logger"
	"github.com/dropDatabas3/authguard/internal/observability/sentry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

type rootOpts struct {
	configPath string
	out        string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{configPath: envOr("AUTHGUARD_CONFIG", "")}

	root := &cobra.Command{
		Use:           "authguard",
		Short:         "Núcleo de autenticación: tokens, MFA, sesiones y throttling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "Archivo YAML de configuración (env AUTHGUARD_CONFIG)")
	root.PersistentFlags().StringVar(&opts.out, "out", "text", "Formato de salida: json|text")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newTOTPCmd(opts))
	root.AddCommand(newMFACmd(opts))
	root.AddCommand(newAdminCmd(opts))
	return root
}

// load lee .env, config y arranca logger y Sentry. Lo llaman solo los
// comandos que necesitan configuración.
func (o *rootOpts) load() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	// .env es opcional
	_ = godotenv.Load()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "authguard",
		Version:     cfg.App.Version,
	})
	if err := sentry.Init(cfg.Sentry.DSN, cfg.App.Env, cfg.App.Version); err != nil {
		logger.L().Warn("sentry disabled", logger.Err(err))
	}
	o.cfg = cfg
	return cfg, nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
