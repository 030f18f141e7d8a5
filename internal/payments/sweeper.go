package payments

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vanshika/paybridge/backend/internal/domain"
)

// SweepResult summarises one pass over pending deposits.
type SweepResult struct {
	Checked   int
	Completed int
	Failed    int
	Pending   int
}

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Interval time.Duration
	Workers  int
	Logger   *slog.Logger
}

// Sweeper drives CompleteDeposit for every pending deposit on an interval,
// so settlement does not depend on clients re-polling.
type Sweeper struct {
	orch     *Orchestrator
	interval time.Duration
	workers  int
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper over orch.
func NewSweeper(orch *Orchestrator, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sweeper{
		orch:     orch,
		interval: opts.Interval,
		workers:  opts.Workers,
		logger:   opts.Logger.With("component", "deposit_sweeper"),
	}
}

// SweepOnce polls each pending deposit once. Indeterminate polls leave the
// deposit pending and are not reported as errors.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	pending, err := s.orch.store.ListPendingTransactions(ctx, domain.KindDeposit)
	if err != nil {
		return SweepResult{}, err
	}

	var completed, failed, stillPending atomic.Int64
	err = runPool(ctx, s.workers, len(pending), func(idx int) error {
		tx := pending[idx]
		if tx.GatewayReference == "" {
			stillPending.Add(1)
			return nil
		}
		ok, err := s.orch.CompleteDeposit(ctx, tx.ID)
		switch {
		case errors.Is(err, domain.ErrGatewayTimeout):
			stillPending.Add(1)
			return nil
		case err != nil:
			stillPending.Add(1)
			return err
		case ok:
			completed.Add(1)
		default:
			failed.Add(1)
		}
		return nil
	})

	res := SweepResult{
		Checked:   len(pending),
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
		Pending:   int(stillPending.Load()),
	}
	if res.Checked > 0 {
		s.logger.Info("pending deposits swept",
			"checked", res.Checked, "completed", res.Completed, "failed", res.Failed, "pending", res.Pending)
	}
	return res, err
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("deposit sweep finished with errors", "error", err)
			}
		}
	}
}
