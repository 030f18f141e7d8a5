package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/store"
	"github.com/vanshika/paybridge/backend/internal/testutil"
)

func newDeposit(t *testing.T, id, participant string, at time.Time) domain.PaymentTransaction {
	t.Helper()
	tx, err := domain.NewPaymentTransaction(id, participant, domain.KindDeposit, decimal.NewFromInt(10000), decimal.RequireFromString("0.007"), at)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	return tx
}

func TestStore(t *testing.T) {
	pool := testutil.NewTestPool(t)
	testutil.ApplyMigrations(t, context.Background(), pool)
	s := NewStore(pool)
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("transaction lifecycle", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		tx := newDeposit(t, "dep_1", "client123", base)
		if err := s.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if err := s.CreateTransaction(ctx, tx); !errors.Is(err, store.ErrDuplicateID) {
			t.Fatalf("expected ErrDuplicateID, got %v", err)
		}

		updated, err := s.UpdateTransaction(ctx, "dep_1", func(tx *domain.PaymentTransaction) error {
			tx.GatewayReceipt = "QKJ1"
			return tx.Complete(base.Add(time.Minute))
		})
		if err != nil || updated.Status != domain.TransactionCompleted {
			t.Fatalf("expected completion, got %+v, %v", updated, err)
		}

		_, err = s.UpdateTransaction(ctx, "dep_1", func(tx *domain.PaymentTransaction) error {
			tx.GatewayReceipt = "overwritten"
			return tx.Fail(base, "late")
		})
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}

		got, err := s.GetTransaction(ctx, "dep_1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got.GatewayReceipt != "QKJ1" || got.CompletedAt == nil || !got.CompletedAt.Equal(base.Add(time.Minute)) {
			t.Fatalf("unexpected stored transaction %+v", got)
		}
		if !got.AmountUSDC.Equal(decimal.NewFromInt(70)) || !got.ExchangeRate.Equal(decimal.RequireFromString("0.007")) {
			t.Fatalf("amounts changed in storage: %s %s", got.AmountUSDC, got.ExchangeRate)
		}
		if _, err := s.GetTransaction(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("history and pending", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		for _, tx := range []domain.PaymentTransaction{
			newDeposit(t, "c", "p1", base.Add(time.Second)),
			newDeposit(t, "b", "p1", base),
			newDeposit(t, "a", "p1", base),
			newDeposit(t, "z", "p2", base),
		} {
			if err := s.CreateTransaction(ctx, tx); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		}
		history, err := s.ListTransactionsByParticipant(ctx, "p1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		var ids []string
		for _, tx := range history {
			ids = append(ids, tx.ID)
		}
		if fmt.Sprint(ids) != "[a b c]" {
			t.Fatalf("unexpected order %v", ids)
		}

		_, _ = s.UpdateTransaction(ctx, "z", func(tx *domain.PaymentTransaction) error { return tx.Complete(base) })
		pending, err := s.ListPendingTransactions(ctx, "")
		if err != nil || len(pending) != 3 {
			t.Fatalf("expected 3 pending, got %d, %v", len(pending), err)
		}
		if none, _ := s.ListPendingTransactions(ctx, domain.KindWithdrawal); len(none) != 0 {
			t.Fatalf("expected no pending withdrawals, got %d", len(none))
		}
	})

	t.Run("escrow updates serialize", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		if err := s.CreateTransaction(ctx, newDeposit(t, "dep_e", "client123", base)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		specs := make([]domain.MilestoneSpec, 10)
		for i := range specs {
			p := decimal.NewFromInt(10)
			specs[i] = domain.MilestoneSpec{Name: fmt.Sprintf("m%d", i), Percentage: &p}
		}
		ms, err := domain.ResolveMilestones(decimal.NewFromInt(70), specs)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		escrow := domain.EscrowPayment{
			ID:                   "escrow_1",
			ProjectID:            "PROJ_001",
			ClientID:             "client123",
			TotalKES:             decimal.NewFromInt(10000),
			TotalUSDC:            decimal.NewFromInt(70),
			Milestones:           ms,
			Participants:         []domain.Allocation{{ParticipantID: "dev1", Address: "0xabc", Percentage: decimal.NewFromInt(100)}},
			Status:               domain.EscrowActive,
			DepositTransactionID: "dep_e",
			ChainEscrowID:        "0xescrow",
			CreatedAt:            base,
			UpdatedAt:            base,
		}
		if err := s.CreateEscrow(ctx, escrow); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if err := s.CreateEscrow(ctx, escrow); !errors.Is(err, store.ErrDuplicateID) {
			t.Fatalf("expected ErrDuplicateID, got %v", err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.UpdateEscrow(ctx, "escrow_1", func(e *domain.EscrowPayment) error {
					return e.ReleaseMilestone(i%10, fmt.Sprintf("wdr_%d", i), base)
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		released := 0
		for err := range errs {
			if err == nil {
				released++
			}
		}
		if released != 10 {
			t.Fatalf("expected 10 releases, got %d", released)
		}

		got, err := s.GetEscrow(ctx, "escrow_1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got.Status != domain.EscrowCompleted || !got.ReleasedUSDC().Equal(got.TotalUSDC) {
			t.Fatalf("unexpected escrow %s %s", got.Status, got.ReleasedUSDC())
		}
		if _, err := s.GetEscrow(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
