package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/domain"
)

// CallStatus is the outcome of a chain call that reached the network.
type CallStatus string

const (
	CallSucceeded CallStatus = "success"
	CallFailed    CallStatus = "failed"
)

// Escrow states reported by the chain.
const (
	EscrowStateActive    = "active"
	EscrowStateCompleted = "completed"
)

// CreateEscrowRequest is the chain create call. Participant percentages must
// sum to 100 within domain.AllocationTolerance.
type CreateEscrowRequest struct {
	ProjectID      string
	TotalUSDC      decimal.Decimal
	ClientAddress  string
	Participants   []domain.Allocation
	MilestoneCount int
}

// EscrowDescriptor is the chain's view of an escrow.
type EscrowDescriptor struct {
	EscrowID           string
	ProjectID          string
	TotalUSDC          decimal.Decimal
	ClientAddress      string
	Participants       []domain.Allocation
	MilestoneCount     int
	ReleasedMilestones []int
	State              string
	TransactionID      string
	GasUsed            uint64
	CreatedAt          time.Time
}

// CallResult reports a chain transaction. Business failures are carried in
// Status and Reason; they are never returned as errors.
type CallResult struct {
	TransactionID string
	GasUsed       uint64
	Status        CallStatus
	Reason        string
}

// Succeeded reports whether the call was executed.
func (r CallResult) Succeeded() bool {
	return r.Status == CallSucceeded
}

// Client talks to an escrow contract. Milestones are 1-based. An error
// return means the chain could not be reached.
type Client interface {
	CreateEscrow(ctx context.Context, req CreateEscrowRequest) (EscrowDescriptor, CallResult, error)
	ReleaseMilestone(ctx context.Context, escrowID string, milestone int, approver string) (CallResult, error)
	EscrowStatus(ctx context.Context, escrowID string) (EscrowDescriptor, bool, error)
}

// Options configures a Ledger.
type Options struct {
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Ledger validates requests before they reach a chain Client and bounds
// every call with a timeout.
type Ledger struct {
	client  Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewLedger constructs a Ledger around client.
func NewLedger(client Client, opts Options) *Ledger {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		client:  client,
		timeout: opts.CallTimeout,
		logger:  opts.Logger.With("component", "escrow_ledger"),
	}
}

// CreateEscrow creates the on-chain escrow. Invalid allocations fail with
// domain.ErrAllocationInvalid before the client is called. A failed result
// is returned as domain.ErrChainCallFailed.
func (l *Ledger) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (EscrowDescriptor, error) {
	if err := domain.ValidateAllocations(req.Participants); err != nil {
		return EscrowDescriptor{}, err
	}
	for _, p := range req.Participants {
		if p.Address == "" {
			return EscrowDescriptor{}, fmt.Errorf("%w: participant %s has no address", domain.ErrAllocationInvalid, p.ParticipantID)
		}
	}
	if req.ProjectID == "" {
		return EscrowDescriptor{}, errors.New("project id is required")
	}
	if !req.TotalUSDC.IsPositive() {
		return EscrowDescriptor{}, fmt.Errorf("%w: escrow total %s must be positive", domain.ErrInvalidAmount, req.TotalUSDC)
	}
	if req.MilestoneCount <= 0 {
		return EscrowDescriptor{}, fmt.Errorf("%w: at least one milestone is required", domain.ErrInvalidMilestones)
	}
	req.TotalUSDC = domain.QuantizeUSDC(req.TotalUSDC)

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	desc, res, err := l.client.CreateEscrow(callCtx, req)
	if err != nil {
		l.logger.Error("escrow creation unreachable", "project_id", req.ProjectID, "error", err)
		return EscrowDescriptor{}, unreachable("create_escrow", req.ProjectID, err)
	}
	if !res.Succeeded() {
		l.logger.Warn("escrow creation failed", "project_id", req.ProjectID, "reason", res.Reason, "gas_used", res.GasUsed)
		return EscrowDescriptor{}, domain.NewError(domain.ErrChainCallFailed, "create_escrow", req.ProjectID, res.Reason, nil)
	}
	l.logger.Info("escrow created",
		"project_id", req.ProjectID,
		"escrow_id", desc.EscrowID,
		"total_usdc", req.TotalUSDC.StringFixed(domain.USDCPlaces),
		"participants", len(req.Participants),
		"milestones", req.MilestoneCount,
		"transaction_id", res.TransactionID,
		"gas_used", res.GasUsed,
	)
	return desc, nil
}

// ReleaseMilestone releases one 1-based milestone. It does not deduplicate;
// callers must check release state first.
func (l *Ledger) ReleaseMilestone(ctx context.Context, escrowID string, milestone int, approver string) (CallResult, error) {
	if escrowID == "" {
		return CallResult{}, fmt.Errorf("%w: empty escrow id", domain.ErrEscrowNotFound)
	}
	if milestone < 1 {
		return CallResult{}, fmt.Errorf("%w: chain milestones start at 1, got %d", domain.ErrMilestoneIndexInvalid, milestone)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := l.client.ReleaseMilestone(callCtx, escrowID, milestone, approver)
	if err != nil {
		l.logger.Error("milestone release unreachable", "escrow_id", escrowID, "milestone", milestone, "error", err)
		return CallResult{}, unreachable("release_milestone", escrowID, err)
	}
	log := l.logger.Info
	if !res.Succeeded() {
		log = l.logger.Warn
	}
	log("milestone release executed",
		"escrow_id", escrowID,
		"milestone", milestone,
		"approver", approver,
		"status", string(res.Status),
		"reason", res.Reason,
		"transaction_id", res.TransactionID,
		"gas_used", res.GasUsed,
	)
	return res, nil
}

// Status is a pure read of the chain's escrow state.
func (l *Ledger) Status(ctx context.Context, escrowID string) (EscrowDescriptor, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	desc, ok, err := l.client.EscrowStatus(callCtx, escrowID)
	if err != nil {
		return EscrowDescriptor{}, false, unreachable("escrow_status", escrowID, err)
	}
	return desc, ok, nil
}

func unreachable(op, id string, err error) error {
	if domain.KindOf(err) != nil {
		return err
	}
	return domain.NewError(domain.ErrChainUnreachable, op, id, "", err)
}
