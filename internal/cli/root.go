package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/chainsync/internal/control"
	"github.com/vietddude/chainsync/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

const rootLong = `Chainsync backfills and tails EVM chains into PostgreSQL, keeping a gap-free, reorg-aware copy of block data.

Chains run independently. A fatal error on one chain (retries exhausted, a
reorg deeper than the chain's reorg depth, a lost Redis lease) stops only that
chain; the others keep ingesting and the process exits non-zero only once
every chain has stopped. Alert on /health reporting "critical" rather than on
process exit.`

var rootCmd = &cobra.Command{
	Use:           "chainsync",
	Short:         "Chainsync block ingestion service",
	Long:          rootLong,
	RunE:          runChainsync,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// loadConfig reads .env and the config file, then initializes logging.
func loadConfig() (*config.AppConfig, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		return nil, err
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		slogLevel = slog.LevelError
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg, nil
}

func runChainsync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize chainsync: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start chainsync: %w", err)
	}
	slog.Info("Chainsync started", "config", cfgPath)

	done := make(chan error, 1)
	go func() { done <- app.Wait() }()

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
	case err := <-done:
		if err != nil {
			slog.Error("All chains stopped", "error", err)
		} else {
			slog.Info("All chains stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Chainsync stopped gracefully")
	return nil
}
