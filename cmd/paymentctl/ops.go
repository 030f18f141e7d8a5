package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vanshika/paybridge/backend/internal/app"
	"github.com/vanshika/paybridge/backend/internal/config"
	"github.com/vanshika/paybridge/backend/internal/payments"
	"github.com/vanshika/paybridge/backend/internal/scenario"
	"github.com/vanshika/paybridge/backend/migrations"
)

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [participant]",
		Short: "List a participant's transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, engine *app.App) error {
				txs, err := engine.Orchestrator.TransactionHistory(ctx, args[0])
				if err != nil {
					return err
				}
				scenario.RenderHistory(cmd.OutOrStdout(), args[0], txs)
				return nil
			})
		},
	}
}

func rateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rate",
		Short: "Show the current KES/USDC quote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, engine *app.App) error {
				q := engine.Rates.Quote(ctx)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "KES/USDC  %s\n", q.Rate.String())
				fmt.Fprintf(out, "fetched   %s\n", q.FetchedAt.UTC().Format(time.RFC3339))
				if entry, ok := engine.Rates.Snapshot(); ok && !q.Fallback {
					fmt.Fprintf(out, "expires   %s\n", entry.ExpiresAt.UTC().Format(time.RFC3339))
				}
				switch {
				case q.Fallback:
					fmt.Fprintln(out, "source    fallback rate")
				case q.Stale:
					fmt.Fprintln(out, "source    stale cache")
				default:
					fmt.Fprintln(out, "source    live")
				}
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Poll every pending deposit once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, engine *app.App) error {
				sweeper := payments.NewSweeper(engine.Orchestrator, payments.SweeperOptions{Workers: workers})
				res, err := sweeper.SweepOnce(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "checked %d, completed %d, failed %d, pending %d\n",
					res.Checked, res.Completed, res.Failed, res.Pending)
				return err
			})
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "concurrent gateway polls")
	return cmd
}

func migrateCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		Long: `Apply every embedded migration that has not run yet against
DATABASE_URL. Migrations are idempotent; running twice is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				names, err := migrations.Names()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Postgres.URL == "" {
				return errors.New("DATABASE_URL is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Postgres.ConnectTimeout)
			defer cancel()
			pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
			if err != nil {
				return fmt.Errorf("open postgres pool: %w", err)
			}
			defer pool.Close()

			if err := migrations.Apply(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list embedded migrations without connecting")
	return cmd
}
