/**
 * Dua Extraction Worker - Main Entry Point
 *
 * Reads Arabic duas from photographs.
 *
 * Architecture:
 * - Asynq consumer for the Redis-backed dua:extract queue
 * - Multi-variant Tesseract OCR with right-to-left line reconstruction
 * - Gemini cleanup, translation and image fallback behind a shared cache
 * - PostgreSQL for the monthly translation quota and job bookkeeping
 *
 * Commands: serve, extract, enqueue, status, migrate, reset-usage.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/duavault/extract-worker/internal/config"
	"github.com/duavault/extract-worker/internal/logging"
)

var (
	envFile string
	cfg     *config.Config
	logger  = logging.NewLogger("Worker")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dua-worker",
		Short:         "Extract, clean up and translate Arabic duas from images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil {
				logger.Debug("Env file not loaded, using system environment variables", "file", envFile)
			}
			c, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logging.SetLevel(c.LogLevel)
			cfg = c
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file to load before reading the environment")

	root.AddCommand(
		serveCmd(),
		extractCmd(),
		enqueueCmd(),
		statusCmd(),
		migrateCmd(),
		resetUsageCmd(),
	)
	return root
}
