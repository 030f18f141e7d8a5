package scenario

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/chain"
	"github.com/vanshika/paybridge/backend/internal/clock"
	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/keylock"
	"github.com/vanshika/paybridge/backend/internal/mobilemoney"
	"github.com/vanshika/paybridge/backend/internal/payments"
	"github.com/vanshika/paybridge/backend/internal/rates"
	"github.com/vanshika/paybridge/backend/internal/store"
)

func newTestRunner(t *testing.T) (*Runner, *payments.Orchestrator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	cache := rates.NewCache(rates.StaticSource{Rate: decimal.RequireFromString("0.0070")}, rates.Options{Clock: clk, Logger: logger})
	mobile := mobilemoney.NewSandboxTransport(clk, time.Hour)
	gateway := mobilemoney.NewGateway(mobile, mobilemoney.Options{CallTimeout: 50 * time.Millisecond, Clock: clk, Logger: logger})
	ledger := chain.NewLedger(chain.NewSandboxClient(clk, ""), chain.Options{CallTimeout: time.Second, Logger: logger})

	orch, err := payments.NewOrchestrator(payments.Dependencies{
		Rates:   cache,
		Gateway: gateway,
		Ledger:  ledger,
		Store:   store.NewMemory(),
		Locks:   keylock.NewLocal(),
		Clock:   clk,
		Logger:  logger,
	}, payments.Options{})
	if err != nil {
		t.Fatalf("build orchestrator: %v", err)
	}
	return NewRunner(orch, mobile, logger), orch
}

const lifecycleScenario = `
name: lifecycle
outcomes:
  "0711000010": decline
  "0711000020": pending
steps:
  - {action: deposit, name: topup, participant: client123, handle: "0708374149", amount_kes: "10000"}
  - {action: complete, transaction: topup}
  - {action: deposit, name: declined, participant: client123, handle: "0711000010", amount_kes: "2500"}
  - {action: complete, transaction: declined}
  - {action: deposit, name: slow, participant: client456, handle: "0711000020", amount_kes: "800"}
  - {action: complete, transaction: slow, expect_error: gateway_timeout}
  - action: escrow
    name: proj
    project: PROJ_001
    client: client123
    handle: "0708374149"
    amount_kes: "10000"
    milestones:
      - {name: Design Phase, percentage: "30"}
      - {name: Development, percentage: "50"}
      - {name: Testing, percentage: "20"}
    participants:
      - {id: dev1}
      - {id: dev2}
  - {action: complete, transaction: proj.deposit}
  - {action: release, name: payout, escrow: proj, milestone: 0, recipient: dev1}
  - {action: release, escrow: proj, milestone: 0, recipient: dev1, expect_error: already_released}
  - {action: release, escrow: proj, milestone: 7, recipient: dev1, expect_error: milestone_index_invalid}
  - {action: cancel, escrow: proj}
  - {action: release, escrow: proj, milestone: 1, recipient: dev2, expect_error: escrow_not_active}
  - {action: deposit, participant: client123, handle: "0708374149", amount_kes: "-5", expect_error: invalid_amount}
  - {action: sweep}
`

func TestRunnerLifecycle(t *testing.T) {
	t.Parallel()

	runner, orch := newTestRunner(t)
	sc, err := Load(strings.NewReader(lifecycleScenario))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	report, err := runner.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Failures != 0 {
		var buf bytes.Buffer
		RenderReport(&buf, report)
		t.Fatalf("expected every step to pass, got %d failures:\n%s", report.Failures, buf.String())
	}
	if len(report.Results) != len(sc.Steps) {
		t.Fatalf("expected %d results, got %d", len(sc.Steps), len(report.Results))
	}

	byIndex := func(i int) StepResult { return report.Results[i-1] }
	if got := byIndex(2); got.Status != string(domain.TransactionCompleted) || !got.USDC.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("unexpected completed deposit %+v", got)
	}
	if got := byIndex(4); got.Status != string(domain.TransactionFailed) || got.Detail == "" {
		t.Fatalf("expected declined deposit to fail with a reason, got %+v", got)
	}
	if got := byIndex(7); got.Status != string(domain.EscrowActive) || !got.USDC.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("unexpected escrow result %+v", got)
	}
	if got := byIndex(12); got.Status != string(domain.EscrowCancelled) {
		t.Fatalf("expected cancelled escrow, got %+v", got)
	}
	if got := byIndex(15); !strings.Contains(got.Detail, "pending 1") {
		t.Fatalf("expected the slow deposit to stay pending, got %q", got.Detail)
	}

	history, err := orch.TransactionHistory(context.Background(), "dev1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ID != byIndex(9).Subject || history[0].Kind != domain.KindWithdrawal {
		t.Fatalf("expected one withdrawal for dev1, got %+v", history)
	}
}

func TestRunnerCountsUnexpectedOutcomes(t *testing.T) {
	t.Parallel()

	runner, _ := newTestRunner(t)
	sc := Scenario{Name: "mismatch", Steps: []Step{
		{Action: ActionDeposit, Participant: "c1", Handle: "0708374149", AmountKES: "100", ExpectError: "invalid_amount"},
		{Action: ActionComplete, Transaction: "missing"},
		{Action: ActionCancel, Escrow: "missing", ExpectError: "escrow_not_found"},
	}}
	report, err := runner.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Failures != 2 {
		t.Fatalf("expected 2 failures, got %d: %+v", report.Failures, report.Results)
	}
	if !strings.Contains(report.Results[0].Detail, "step succeeded") {
		t.Fatalf("unexpected detail %q", report.Results[0].Detail)
	}
	if report.Results[1].Passed || !report.Results[2].Passed {
		t.Fatalf("unexpected pass flags %+v", report.Results)
	}

	var buf bytes.Buffer
	RenderReport(&buf, report)
	out := buf.String()
	if !strings.Contains(out, "FAIL") || !strings.Contains(out, "mismatch: 3 steps, 2 failed") {
		t.Fatalf("unexpected report:\n%s", out)
	}
}

func TestRunnerRejectsInvalidScenario(t *testing.T) {
	t.Parallel()

	runner, _ := newTestRunner(t)
	if _, err := runner.Run(context.Background(), Scenario{}); err == nil {
		t.Fatalf("expected an empty scenario to be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := runner.Run(ctx, Scenario{Steps: []Step{{Action: ActionSweep}}})
	if err == nil || len(report.Results) != 0 {
		t.Fatalf("expected cancellation before the first step, got %v, %+v", err, report)
	}
}

func TestGeneratedScenarioRunsClean(t *testing.T) {
	t.Parallel()

	cfg := DefaultGeneratorConfig()
	cfg.Deposits = 8
	cfg.Projects = 4
	cfg.Seed = 7
	sc, err := NewGenerator(cfg).Generate(context.Background())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	runner, _ := newTestRunner(t)
	report, err := runner.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failures != 0 {
		var buf bytes.Buffer
		RenderReport(&buf, report)
		t.Fatalf("expected generated scenario to run clean:\n%s", buf.String())
	}
}

func TestRenderHistory(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tx, err := domain.NewPaymentTransaction("tx-1", "client123", domain.KindDeposit, decimal.NewFromInt(1000), decimal.RequireFromString("0.0070"), now)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	var buf bytes.Buffer
	RenderHistory(&buf, "client123", []domain.PaymentTransaction{tx})
	out := buf.String()
	for _, want := range []string{"tx-1", "1000.00", "7.000000", "client123: 1 transactions"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}
