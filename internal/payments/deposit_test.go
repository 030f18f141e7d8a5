package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/mobilemoney"
)

func TestInitiateDeposit_ScenarioCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	tx, err := h.orch.InitiateDeposit(ctx, DepositRequest{
		ParticipantID: "user123",
		PaymentHandle: "+254708374149",
		AmountKES:     decimal.NewFromInt(10000),
		Reference:     "Test Project",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if tx.Status != domain.TransactionPending || tx.Kind != domain.KindDeposit {
		t.Fatalf("expected pending deposit, got %s %s", tx.Kind, tx.Status)
	}
	if got := tx.AmountUSDC.StringFixed(domain.USDCPlaces); got != "70.000000" {
		t.Fatalf("expected 70.000000 USDC, got %s", got)
	}
	if tx.GatewayReference == "" || tx.Reference != "Test Project" {
		t.Fatalf("expected gateway and caller references, got %+v", tx)
	}

	h.clock.Advance(2 * time.Minute)
	ok, err := h.orch.CompleteDeposit(ctx, tx.ID)
	if err != nil || !ok {
		t.Fatalf("expected completion, got %v, %v", ok, err)
	}
	done, found, err := h.orch.Transaction(ctx, tx.ID)
	if err != nil || !found {
		t.Fatalf("expected stored transaction, got found=%v err=%v", found, err)
	}
	if done.Status != domain.TransactionCompleted || done.GatewayReceipt == "" || done.CompletedAt == nil {
		t.Fatalf("expected completed with receipt, got %+v", done)
	}
	if !done.ExchangeRate.Equal(tx.ExchangeRate) || !done.AmountUSDC.Equal(tx.AmountUSDC) {
		t.Fatalf("rate and amounts must not change on completion")
	}

	ok, err = h.orch.CompleteDeposit(ctx, tx.ID)
	if err != nil || !ok {
		t.Fatalf("completing again should report the terminal state, got %v, %v", ok, err)
	}
	if _, _, polls := h.mobile.Calls(); polls != 1 {
		t.Fatalf("a terminal deposit must not be polled again, got %d polls", polls)
	}
}

func TestCompleteDeposit_DeclinedIsTerminalFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.mobile.Script("254711000001", mobilemoney.OutcomeDecline)

	tx, err := h.orch.InitiateDeposit(ctx, DepositRequest{ParticipantID: "u1", PaymentHandle: "0711000001", AmountKES: decimal.NewFromInt(500)})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	ok, err := h.orch.CompleteDeposit(ctx, tx.ID)
	if err != nil || ok {
		t.Fatalf("expected a failed result without error, got %v, %v", ok, err)
	}
	got, _, _ := h.orch.Transaction(ctx, tx.ID)
	if got.Status != domain.TransactionFailed || got.FailureReason == "" {
		t.Fatalf("expected failed transaction with reason, got %+v", got)
	}

	if ok, _ := h.orch.CompleteDeposit(ctx, tx.ID); ok {
		t.Fatalf("a failed deposit must stay failed")
	}
	if _, push, polls := h.mobile.Calls(); push != 1 || polls != 1 {
		t.Fatalf("failures must not be retried automatically, got push=%d polls=%d", push, polls)
	}
}

func TestCompleteDeposit_TimeoutLeavesPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.mobile.Script("254711000002", mobilemoney.OutcomePending)

	tx, err := h.orch.InitiateDeposit(ctx, DepositRequest{ParticipantID: "u2", PaymentHandle: "254711000002", AmountKES: decimal.NewFromInt(750)})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	ok, err := h.orch.CompleteDeposit(ctx, tx.ID)
	if ok || !errors.Is(err, domain.ErrGatewayTimeout) {
		t.Fatalf("expected ErrGatewayTimeout, got %v, %v", ok, err)
	}
	if got, _, _ := h.orch.Transaction(ctx, tx.ID); got.Status != domain.TransactionPending {
		t.Fatalf("timeouts must not change state, got %s", got.Status)
	}

	h.mobile.Resolve(tx.GatewayReference, mobilemoney.OutcomeApprove)
	ok, err = h.orch.CompleteDeposit(ctx, tx.ID)
	if err != nil || !ok {
		t.Fatalf("expected completion after re-poll, got %v, %v", ok, err)
	}
}

func TestInitiateDeposit_RejectedFailsTransaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mobile.Script("254711000003", mobilemoney.OutcomeReject)

	tx, err := h.orch.InitiateDeposit(context.Background(), DepositRequest{ParticipantID: "u3", PaymentHandle: "0711000003", AmountKES: decimal.NewFromInt(100)})
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if tx.Status != domain.TransactionFailed {
		t.Fatalf("expected failed transaction, got %s", tx.Status)
	}
	history, _ := h.orch.TransactionHistory(context.Background(), "u3")
	if len(history) != 1 || history[0].Status != domain.TransactionFailed {
		t.Fatalf("expected the failed deposit in history, got %+v", history)
	}
}

func TestInitiateDeposit_ValidationHappensFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  DepositRequest
		want error
	}{
		{"bad handle", DepositRequest{ParticipantID: "u", PaymentHandle: "12345", AmountKES: decimal.NewFromInt(10)}, domain.ErrInvalidPaymentHandle},
		{"zero amount", DepositRequest{ParticipantID: "u", PaymentHandle: "0712345678"}, domain.ErrInvalidAmount},
		{"above limit", DepositRequest{ParticipantID: "u", PaymentHandle: "0712345678", AmountKES: decimal.NewFromInt(70001)}, domain.ErrInvalidAmount},
		{"no participant", DepositRequest{PaymentHandle: "0712345678", AmountKES: decimal.NewFromInt(10)}, domain.ErrInvalidAmount},
		{"fractional shillings", DepositRequest{ParticipantID: "u", PaymentHandle: "0712345678", AmountKES: decimal.RequireFromString("1000.40")}, domain.ErrInvalidAmount},
	}
	for _, tc := range cases {
		if _, err := h.orch.InitiateDeposit(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if auth, push, _ := h.mobile.Calls(); auth != 0 || push != 0 {
		t.Fatalf("validation failures must not reach the gateway")
	}
	if history, _ := h.orch.TransactionHistory(ctx, "u"); len(history) != 0 {
		t.Fatalf("validation failures must not record transactions, got %d", len(history))
	}
}

func TestInitiateDeposit_CancelledBeforeCollection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tx, err := h.orch.InitiateDeposit(ctx, DepositRequest{ParticipantID: "u4", PaymentHandle: "0712345678", AmountKES: decimal.NewFromInt(100)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tx.Status != domain.TransactionFailed {
		t.Fatalf("expected the abandoned deposit to be failed, got %s", tx.Status)
	}
	if _, push, _ := h.mobile.Calls(); push != 0 {
		t.Fatalf("a cancelled deposit must not prompt the payer")
	}
}

func TestCompleteDeposit_UnknownTransaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, err := h.orch.CompleteDeposit(context.Background(), "dep_missing"); !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestCompleteDeposit_ConcurrentCallsPollOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	tx, err := h.orch.InitiateDeposit(ctx, DepositRequest{ParticipantID: "u5", PaymentHandle: "0712345678", AmountKES: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := h.orch.CompleteDeposit(ctx, tx.ID); err != nil || !ok {
				t.Errorf("expected completion, got %v, %v", ok, err)
			}
		}()
	}
	wg.Wait()
	if _, _, polls := h.mobile.Calls(); polls != 1 {
		t.Fatalf("expected a single poll, got %d", polls)
	}
}

func TestTransactionHistory_Ordered(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		tx, err := h.orch.InitiateDeposit(ctx, DepositRequest{ParticipantID: "u6", PaymentHandle: "0712345678", AmountKES: decimal.NewFromInt(int64(100 + i))})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		ids = append(ids, tx.ID)
		h.clock.Advance(time.Second)
	}
	history, err := h.orch.TransactionHistory(ctx, "u6")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(history))
	}
	for i, tx := range history {
		if tx.ID != ids[i] {
			t.Fatalf("history out of order at %d: %s vs %s", i, tx.ID, ids[i])
		}
	}
	if _, found, err := h.orch.Transaction(ctx, "nope"); found || err != nil {
		t.Fatalf("expected absent transaction, got found=%v err=%v", found, err)
	}
}
