package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/clock"
	"github.com/vanshika/paybridge/backend/internal/domain"
)

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testAllocations() []domain.Allocation {
	return []domain.Allocation{
		{ParticipantID: "dev-1", Address: "0xaaa", Percentage: pct("50")},
		{ParticipantID: "dev-2", Address: "0xbbb", Percentage: pct("30")},
		{ParticipantID: "dev-3", Address: "0xccc", Percentage: pct("20")},
	}
}

func newTestLedger(t *testing.T) (*Ledger, *SandboxClient) {
	t.Helper()
	sbx := NewSandboxClient(clock.NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)), "0xoperator")
	ledger := NewLedger(sbx, Options{
		CallTimeout: time.Second,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return ledger, sbx
}

func createTestEscrow(t *testing.T, ledger *Ledger) EscrowDescriptor {
	t.Helper()
	desc, err := ledger.CreateEscrow(context.Background(), CreateEscrowRequest{
		ProjectID:      "PROJ-001",
		TotalUSDC:      pct("70"),
		ClientAddress:  "0xclient",
		Participants:   testAllocations(),
		MilestoneCount: 3,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return desc
}

func TestLedger_CreateEscrow(t *testing.T) {
	t.Parallel()

	ledger, sbx := newTestLedger(t)
	desc := createTestEscrow(t, ledger)

	if desc.EscrowID == "" || desc.TransactionID == "" {
		t.Fatalf("expected escrow and transaction ids, got %+v", desc)
	}
	if desc.GasUsed != SandboxGasSuccess {
		t.Fatalf("expected gas %d, got %d", SandboxGasSuccess, desc.GasUsed)
	}
	if create, _ := sbx.Calls(); create != 1 {
		t.Fatalf("expected 1 create call, got %d", create)
	}

	got, ok, err := ledger.Status(context.Background(), desc.EscrowID)
	if err != nil || !ok {
		t.Fatalf("expected escrow status, got ok=%v err=%v", ok, err)
	}
	if got.State != EscrowStateActive || got.MilestoneCount != 3 {
		t.Fatalf("unexpected descriptor %+v", got)
	}
}

func TestLedger_CreateEscrowRejectsBadAllocationsBeforeCalling(t *testing.T) {
	t.Parallel()

	cases := map[string][]domain.Allocation{
		"sum below": {
			{ParticipantID: "a", Address: "0xa", Percentage: pct("50")},
			{ParticipantID: "b", Address: "0xb", Percentage: pct("49.98")},
		},
		"sum above": {
			{ParticipantID: "a", Address: "0xa", Percentage: pct("60")},
			{ParticipantID: "b", Address: "0xb", Percentage: pct("40.02")},
		},
		"empty":      nil,
		"no address": {{ParticipantID: "a", Percentage: pct("100")}},
	}
	for name, allocs := range cases {
		allocs := allocs
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ledger, sbx := newTestLedger(t)
			_, err := ledger.CreateEscrow(context.Background(), CreateEscrowRequest{
				ProjectID:      "PROJ-002",
				TotalUSDC:      pct("10"),
				Participants:   allocs,
				MilestoneCount: 1,
			})
			if !errors.Is(err, domain.ErrAllocationInvalid) {
				t.Fatalf("expected ErrAllocationInvalid, got %v", err)
			}
			if create, _ := sbx.Calls(); create != 0 {
				t.Fatalf("expected no chain call, got %d", create)
			}
		})
	}
}

func TestLedger_CreateEscrowWithinTolerance(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	_, err := ledger.CreateEscrow(context.Background(), CreateEscrowRequest{
		ProjectID: "PROJ-003",
		TotalUSDC: pct("10"),
		Participants: []domain.Allocation{
			{ParticipantID: "a", Address: "0xa", Percentage: pct("33.33")},
			{ParticipantID: "b", Address: "0xb", Percentage: pct("33.33")},
			{ParticipantID: "c", Address: "0xc", Percentage: pct("33.33")},
		},
		MilestoneCount: 1,
	})
	if err != nil {
		t.Fatalf("expected 99.99%% to be accepted, got %v", err)
	}
}

func TestLedger_CreateEscrowFailures(t *testing.T) {
	t.Parallel()

	ledger, sbx := newTestLedger(t)
	req := CreateEscrowRequest{ProjectID: "PROJ-004", TotalUSDC: pct("10"), Participants: testAllocations(), MilestoneCount: 2}

	sbx.FailCreates("contract paused")
	if _, err := ledger.CreateEscrow(context.Background(), req); !errors.Is(err, domain.ErrChainCallFailed) {
		t.Fatalf("expected ErrChainCallFailed, got %v", err)
	}

	sbx.FailCreates("")
	sbx.SetOffline(true)
	_, err := ledger.CreateEscrow(context.Background(), req)
	if !errors.Is(err, domain.ErrChainUnreachable) || !errors.Is(err, ErrSandboxOffline) {
		t.Fatalf("expected ErrChainUnreachable wrapping the outage, got %v", err)
	}
}

func TestLedger_ReleaseMilestone(t *testing.T) {
	t.Parallel()

	ledger, sbx := newTestLedger(t)
	desc := createTestEscrow(t, ledger)
	ctx := context.Background()

	res, err := ledger.ReleaseMilestone(ctx, desc.EscrowID, 1, "0xclient")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !res.Succeeded() || res.GasUsed != SandboxGasSuccess || res.TransactionID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = ledger.ReleaseMilestone(ctx, desc.EscrowID, 2, "0xstranger")
	if err != nil {
		t.Fatalf("business failures must not be errors, got %v", err)
	}
	if res.Succeeded() || res.GasUsed != SandboxGasFailure || res.Reason != "Insufficient permissions or invalid milestone" {
		t.Fatalf("expected permission failure, got %+v", res)
	}

	res, _ = ledger.ReleaseMilestone(ctx, desc.EscrowID, 4, "0xclient")
	if res.Succeeded() {
		t.Fatalf("expected failure for out-of-range milestone")
	}

	res, _ = ledger.ReleaseMilestone(ctx, "0xmissing", 1, "0xclient")
	if res.Succeeded() || res.Reason != "escrow not found" {
		t.Fatalf("expected unknown escrow failure, got %+v", res)
	}

	if _, err := ledger.ReleaseMilestone(ctx, desc.EscrowID, 0, "0xclient"); !errors.Is(err, domain.ErrMilestoneIndexInvalid) {
		t.Fatalf("expected ErrMilestoneIndexInvalid for index 0, got %v", err)
	}
	if _, release := sbx.Calls(); release != 4 {
		t.Fatalf("expected 4 release calls to reach the chain, got %d", release)
	}

	for _, m := range []int{2, 3} {
		if res, _ := ledger.ReleaseMilestone(ctx, desc.EscrowID, m, "0xoperator"); !res.Succeeded() {
			t.Fatalf("milestone %d: expected success, got %+v", m, res)
		}
	}
	got, _, _ := ledger.Status(ctx, desc.EscrowID)
	if got.State != EscrowStateCompleted || len(got.ReleasedMilestones) != 3 {
		t.Fatalf("expected completed escrow, got %+v", got)
	}
}

func TestLedger_ReleaseMilestoneUnreachable(t *testing.T) {
	t.Parallel()

	ledger, sbx := newTestLedger(t)
	desc := createTestEscrow(t, ledger)
	sbx.SetOffline(true)

	if _, err := ledger.ReleaseMilestone(context.Background(), desc.EscrowID, 1, "0xclient"); !errors.Is(err, domain.ErrChainUnreachable) {
		t.Fatalf("expected ErrChainUnreachable, got %v", err)
	}
	if _, _, err := ledger.Status(context.Background(), desc.EscrowID); !errors.Is(err, domain.ErrChainUnreachable) {
		t.Fatalf("expected ErrChainUnreachable from status, got %v", err)
	}
}

func TestPaymentSplit(t *testing.T) {
	t.Parallel()

	allocs := []domain.Allocation{
		{ParticipantID: "a", Percentage: pct("33.33")},
		{ParticipantID: "b", Percentage: pct("33.33")},
		{ParticipantID: "c", Percentage: pct("33.34")},
	}
	shares, err := PaymentSplit(pct("10"), allocs)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s.AmountUSDC)
	}
	if !sum.Equal(pct("10")) {
		t.Fatalf("expected shares to sum to 10, got %s", sum)
	}
	if shares[0].AmountUSDC.String() != "3.333" {
		t.Fatalf("expected first share 3.333, got %s", shares[0].AmountUSDC)
	}
	if shares[2].AmountUSDC.String() != "3.334" {
		t.Fatalf("expected last share 3.334, got %s", shares[2].AmountUSDC)
	}

	if _, err := PaymentSplit(pct("10"), allocs[:2]); !errors.Is(err, domain.ErrAllocationInvalid) {
		t.Fatalf("expected ErrAllocationInvalid, got %v", err)
	}
}
