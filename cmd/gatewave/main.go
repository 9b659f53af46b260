package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidahmann/gatewave/internal/config"
	"github.com/davidahmann/gatewave/internal/logging"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

func main() {
	// A .env file is optional deploy-time sugar; absence is not an error.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type appContext struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var configPath string
	app := &appContext{}

	cmd := &cobra.Command{
		Use:     "gatewave",
		Short:   "Gating decision engine",
		Long:    "gatewave evaluates gating policies against test results and waivers and reports whether an artifact may proceed.",
		Version: version,
		// main prints the error; runtime failures should not dump usage.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, true)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Level:      cfg.Logging.Level,
				File:       cfg.Logging.File,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAgeDays: cfg.Logging.MaxAgeDays,
			})
			if err != nil {
				return err
			}
			app.cfg = cfg
			app.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if app.logger != nil {
				_ = app.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the service configuration file")

	cmd.AddCommand(newValidateCmd(app))
	cmd.AddCommand(newDecisionCmd(app))
	cmd.AddCommand(newListenCmd(app))
	return cmd
}
