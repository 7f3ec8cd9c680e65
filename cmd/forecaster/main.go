package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"checkpoint-forecast/internal/cfg"
)

// settings is loaded once by the root command before any subcommand runs.
var settings cfg.Settings

var rootCmd = &cobra.Command{
	Use:   "forecaster",
	Short: "Checkpoint status forecasting service",
	Long: `forecaster trains and serves short-horizon (1-3h) and long-horizon (12-24h)
checkpoint status models from collector observations and ground-truth status history.

Configuration comes from CONFIG_FILE (YAML) or the environment; a .env file in the
working directory is loaded first when present.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load .env: %w", err)
		}
		c, err := cfg.Load()
		if err != nil {
			return err
		}
		settings = c
		setupLogging(os.Stderr, c.LogLevel, c.LogFormat)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, trainCmd, predictCmd, versionsCmd, rollbackCmd, backtestCmd, seedCmd)
}

// setupLogging configures the global zerolog logger.
func setupLogging(w io.Writer, level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
