package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vanshika/paybridge/backend/internal/app"
	"github.com/vanshika/paybridge/backend/internal/config"
	"github.com/vanshika/paybridge/backend/internal/logging"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operate the KES/USDC payment engine from the command line",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(rateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// withEngine builds the engine from the environment, runs fn and closes it.
func withEngine(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Logging)

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build payment engine: %w", err)
	}
	defer func() {
		if err := engine.Close(context.Background()); err != nil {
			logger.Warn("closing resources failed", "error", err)
		}
	}()
	return fn(ctx, engine)
}
