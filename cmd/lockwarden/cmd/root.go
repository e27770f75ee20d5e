package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/lockwarden/internal/app"
	"github.com/BrandonDHaskell/lockwarden/internal/config"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
	"github.com/BrandonDHaskell/lockwarden/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// envPath to the dotenv file holding secrets.
	envPath string
	// once runs a single cycle instead of the scheduler.
	once bool

	rootCmd = &cobra.Command{
		Use:           "lockwarden",
		Short:         "Enforce the open-lock strike policy against smart lock cards",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return app.Run(ctx, &app.Options{
				ConfigPath: configPath,
				EnvPath:    envPath,
				Once:       once,
			})
		},
	}
)

// Execute runs the lockwarden CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		logger.Errorf(context.Background(), "lockwarden: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

// loadConfig reads the configuration named by the global flags without
// validating it.
func loadConfig() (config.Config, error) {
	return config.Load(configPath, envPath)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (default "+config.DefaultConfigFilename+" if present)")
	rootCmd.PersistentFlags().StringVar(&envPath, "env-file", "", "path to dotenv file (default "+config.DefaultEnvFilename+" if present)")
	rootCmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")

	rootCmd.AddCommand(strikesCmd, configCmd)
}
