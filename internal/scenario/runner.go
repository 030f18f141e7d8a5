package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/mobilemoney"
	"github.com/vanshika/paybridge/backend/internal/payments"
)

// StepResult is the outcome of one step.
type StepResult struct {
	Index   int
	Action  string
	Name    string
	Subject string
	Status  string
	KES     decimal.Decimal
	USDC    decimal.Decimal
	Detail  string
	// Passed is false when the step failed unexpectedly or did not fail
	// as expected.
	Passed bool
}

// Report collects the results of a run.
type Report struct {
	Scenario string
	Results  []StepResult
	Failures int
}

// Runner executes scenarios against an Orchestrator.
type Runner struct {
	orch    *payments.Orchestrator
	sweeper *payments.Sweeper
	sandbox *mobilemoney.SandboxTransport
	logger  *slog.Logger
}

// NewRunner builds a Runner. sandbox may be nil, in which case scenario
// outcomes are ignored.
func NewRunner(orch *payments.Orchestrator, sandbox *mobilemoney.SandboxTransport, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		orch:    orch,
		sweeper: payments.NewSweeper(orch, payments.SweeperOptions{Logger: logger}),
		sandbox: sandbox,
		logger:  logger.With("component", "scenario_runner"),
	}
}

// Run executes every step in order. Step failures are recorded in the
// report; Run itself only fails on an invalid scenario or a cancelled ctx.
func (r *Runner) Run(ctx context.Context, sc Scenario) (Report, error) {
	if err := sc.Validate(); err != nil {
		return Report{}, err
	}
	if len(sc.Outcomes) > 0 {
		if r.sandbox == nil {
			r.logger.Warn("scenario scripts gateway outcomes but the gateway is not a sandbox; ignoring")
		} else {
			for handle, name := range sc.Outcomes {
				outcome, _ := ParseOutcome(name)
				normalized, err := mobilemoney.NormalizeHandle(handle)
				if err != nil {
					return Report{}, fmt.Errorf("outcome handle: %w", err)
				}
				r.sandbox.Script(normalized, outcome)
			}
		}
	}

	report := Report{Scenario: sc.Name}
	refs := make(map[string]string)
	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := r.runStep(ctx, st, refs)
		res.Index = i + 1
		res.Action = st.Action
		res.Name = st.Name

		switch {
		case err == nil && st.ExpectError == "":
			res.Passed = true
		case err == nil:
			res.Detail = "expected " + st.ExpectError + ", step succeeded"
		case domain.KindName(err) == st.ExpectError:
			res.Passed = true
			res.Detail = "failed as expected: " + st.ExpectError
		default:
			res.Detail = err.Error()
		}
		if !res.Passed {
			report.Failures++
			r.logger.Warn("scenario step failed", "step", res.Index, "action", st.Action, "name", st.Name, "detail", res.Detail)
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

func (r *Runner) runStep(ctx context.Context, st Step, refs map[string]string) (StepResult, error) {
	switch st.Action {
	case ActionDeposit:
		amount, err := parseAmount("amount_kes", st.AmountKES)
		if err != nil {
			return StepResult{}, err
		}
		tx, err := r.orch.InitiateDeposit(ctx, payments.DepositRequest{
			ParticipantID: st.Participant,
			PaymentHandle: st.Handle,
			AmountKES:     amount,
			Reference:     st.Reference,
		})
		if tx.ID != "" && st.Name != "" {
			refs[st.Name] = tx.ID
		}
		return transactionResult(tx), err

	case ActionComplete:
		id := resolve(refs, st.Transaction)
		completed, err := r.orch.CompleteDeposit(ctx, id)
		if err != nil {
			return StepResult{Subject: id}, err
		}
		tx, _, err := r.orch.Transaction(ctx, id)
		if err != nil {
			return StepResult{Subject: id}, err
		}
		res := transactionResult(tx)
		if !completed {
			res.Detail = tx.FailureReason
		}
		return res, nil

	case ActionEscrow:
		req, err := escrowRequest(st)
		if err != nil {
			return StepResult{}, err
		}
		escrow, err := r.orch.CreateProjectEscrow(ctx, req)
		if err != nil {
			var rerr *domain.ReconciliationError
			if errors.As(err, &rerr) && st.Name != "" {
				refs[st.Name+".deposit"] = rerr.DepositTransactionID
			}
			return StepResult{Subject: st.Project}, err
		}
		if st.Name != "" {
			refs[st.Name] = escrow.ID
			refs[st.Name+".deposit"] = escrow.DepositTransactionID
		}
		return StepResult{
			Subject: escrow.ID,
			Status:  string(escrow.Status),
			KES:     escrow.TotalKES,
			USDC:    escrow.TotalUSDC,
			Detail:  fmt.Sprintf("%d milestones, %d participants", len(escrow.Milestones), len(escrow.Participants)),
		}, nil

	case ActionRelease:
		id := resolve(refs, st.Escrow)
		tx, err := r.orch.ReleaseMilestone(ctx, id, st.Milestone, st.Recipient)
		if err != nil {
			return StepResult{Subject: id}, err
		}
		if st.Name != "" {
			refs[st.Name] = tx.ID
		}
		res := transactionResult(tx)
		res.Detail = tx.Reference
		return res, nil

	case ActionCancel:
		id := resolve(refs, st.Escrow)
		escrow, err := r.orch.CancelEscrow(ctx, id)
		if err != nil {
			return StepResult{Subject: id}, err
		}
		return StepResult{
			Subject: escrow.ID,
			Status:  string(escrow.Status),
			USDC:    escrow.ReleasedUSDC(),
			Detail:  "released before cancellation",
		}, nil

	case ActionSweep:
		sweep, err := r.sweeper.SweepOnce(ctx)
		return StepResult{
			Subject: "pending deposits",
			Detail:  fmt.Sprintf("checked %d, completed %d, failed %d, pending %d", sweep.Checked, sweep.Completed, sweep.Failed, sweep.Pending),
		}, err
	}
	return StepResult{}, fmt.Errorf("unknown action %q", st.Action)
}

func escrowRequest(st Step) (payments.EscrowRequest, error) {
	amount, err := parseAmount("amount_kes", st.AmountKES)
	if err != nil {
		return payments.EscrowRequest{}, err
	}
	milestones := make([]domain.MilestoneSpec, len(st.Milestones))
	for i, m := range st.Milestones {
		pct, err := parseOptionalAmount("percentage", m.Percentage)
		if err != nil {
			return payments.EscrowRequest{}, fmt.Errorf("milestone %q: %w", m.Name, err)
		}
		usdc, err := parseOptionalAmount("amount_usdc", m.AmountUSDC)
		if err != nil {
			return payments.EscrowRequest{}, fmt.Errorf("milestone %q: %w", m.Name, err)
		}
		milestones[i] = domain.MilestoneSpec{Name: m.Name, Percentage: pct, AmountUSDC: usdc}
	}
	participants := make([]domain.Allocation, len(st.Participants))
	for i, p := range st.Participants {
		alloc := domain.Allocation{ParticipantID: p.ID, Address: p.Address, Skills: p.Skills}
		if p.Percentage != "" {
			pct, err := parseAmount("percentage", p.Percentage)
			if err != nil {
				return payments.EscrowRequest{}, fmt.Errorf("participant %q: %w", p.ID, err)
			}
			alloc.Percentage = pct
		}
		participants[i] = alloc
	}
	return payments.EscrowRequest{
		ProjectID:    st.Project,
		ClientID:     st.Client,
		ClientHandle: st.Handle,
		AmountKES:    amount,
		Milestones:   milestones,
		Participants: participants,
	}, nil
}

func transactionResult(tx domain.PaymentTransaction) StepResult {
	return StepResult{
		Subject: tx.ID,
		Status:  string(tx.Status),
		KES:     tx.AmountKES,
		USDC:    tx.AmountUSDC,
		Detail:  tx.FailureReason,
	}
}

func resolve(refs map[string]string, ref string) string {
	if id, ok := refs[ref]; ok {
		return id
	}
	return ref
}
