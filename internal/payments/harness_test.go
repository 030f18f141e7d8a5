package payments

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/chain"
	"github.com/vanshika/paybridge/backend/internal/clock"
	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/keylock"
	"github.com/vanshika/paybridge/backend/internal/mobilemoney"
	"github.com/vanshika/paybridge/backend/internal/store"
)

type stubRates struct {
	mu   sync.Mutex
	rate decimal.Decimal
}

func (s *stubRates) Rate(context.Context) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *stubRates) set(rate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = decimal.RequireFromString(rate)
}

type harness struct {
	orch   *Orchestrator
	rates  *stubRates
	mobile *mobilemoney.SandboxTransport
	chain  *chain.SandboxClient
	store  *store.Memory
	clock  *clock.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	rates := &stubRates{}
	rates.set("0.0070")

	mobile := mobilemoney.NewSandboxTransport(clk, time.Hour)
	gateway := mobilemoney.NewGateway(mobile, mobilemoney.Options{CallTimeout: 50 * time.Millisecond, Clock: clk, Logger: logger})
	chainClient := chain.NewSandboxClient(clk, "")
	ledger := chain.NewLedger(chainClient, chain.Options{CallTimeout: time.Second, Logger: logger})
	mem := store.NewMemory()

	orch, err := NewOrchestrator(Dependencies{
		Rates:   rates,
		Gateway: gateway,
		Ledger:  ledger,
		Store:   mem,
		Locks:   keylock.NewLocal(),
		Clock:   clk,
		Logger:  logger,
	}, Options{})
	if err != nil {
		t.Fatalf("build orchestrator: %v", err)
	}
	return &harness{orch: orch, rates: rates, mobile: mobile, chain: chainClient, store: mem, clock: clk}
}

func pctSpec(name, pct string) domain.MilestoneSpec {
	p := decimal.RequireFromString(pct)
	return domain.MilestoneSpec{Name: name, Percentage: &p}
}

func standardMilestones() []domain.MilestoneSpec {
	return []domain.MilestoneSpec{
		pctSpec("Design Phase", "30"),
		pctSpec("Development", "50"),
		pctSpec("Testing", "20"),
	}
}

func standardEscrowRequest() EscrowRequest {
	return EscrowRequest{
		ProjectID:    "PROJ_001",
		ClientID:     "client123",
		ClientHandle: "0708374149",
		AmountKES:    decimal.NewFromInt(10000),
		Milestones:   standardMilestones(),
		Participants: []domain.Allocation{
			{ParticipantID: "dev1"},
			{ParticipantID: "dev2"},
			{ParticipantID: "designer1"},
		},
	}
}

func (h *harness) createEscrow(t *testing.T) domain.EscrowPayment {
	t.Helper()
	escrow, err := h.orch.CreateProjectEscrow(context.Background(), standardEscrowRequest())
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return escrow
}
