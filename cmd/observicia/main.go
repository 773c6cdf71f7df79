// Command observicia runs the admin surface for an instrumented service,
// sends one-off prompts through the interception pipeline, and converts
// telemetry files into reports.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/observicia-go/internal/config"
	"github.com/tjfontaine/observicia-go/internal/observability"
)

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	defaultConfig := os.Getenv(observability.ConfigFileEnv)
	if defaultConfig == "" {
		defaultConfig = config.DefaultConfigFile
	}

	rootCmd := &cobra.Command{
		Use:           "observicia",
		Short:         "Observability and policy enforcement for LLM calls",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load %s: %w", opts.envFile, err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfig, "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before configuration")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "Override logging.messages.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newReportCmd(),
	)
	return rootCmd
}

// loadConfig never fails; an unusable file yields the disabled defaults.
func (o *rootOptions) loadConfig(cmd *cobra.Command) *config.Config {
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	cfg := config.LoadOrDefault(o.configPath, logger)
	if o.logLevel != "" {
		cfg.Logging.Messages.Enabled = true
		cfg.Logging.Messages.Level = o.logLevel
	}
	return cfg
}
