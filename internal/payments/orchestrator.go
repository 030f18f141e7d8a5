package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/chain"
	"github.com/vanshika/paybridge/backend/internal/clock"
	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/ids"
	"github.com/vanshika/paybridge/backend/internal/keylock"
	"github.com/vanshika/paybridge/backend/internal/mobilemoney"
	"github.com/vanshika/paybridge/backend/internal/store"
	"github.com/vanshika/paybridge/backend/internal/team"
)

// RateProvider supplies the current KES→USDC rate. It never fails.
type RateProvider interface {
	Rate(ctx context.Context) decimal.Decimal
}

// CollectionGateway is the fiat leg.
type CollectionGateway interface {
	RequestCollection(ctx context.Context, req mobilemoney.CollectionRequest) (mobilemoney.PendingReceipt, error)
	PollStatus(ctx context.Context, checkoutRequestID string) (mobilemoney.StatusResult, error)
}

// EscrowLedger is the chain leg. Milestones are 1-based.
type EscrowLedger interface {
	CreateEscrow(ctx context.Context, req chain.CreateEscrowRequest) (chain.EscrowDescriptor, error)
	ReleaseMilestone(ctx context.Context, escrowID string, milestone int, approver string) (chain.CallResult, error)
	Status(ctx context.Context, escrowID string) (chain.EscrowDescriptor, bool, error)
}

// Dependencies are the collaborators an Orchestrator composes.
type Dependencies struct {
	Rates   RateProvider
	Gateway CollectionGateway
	Ledger  EscrowLedger
	Store   store.Store
	Locks   keylock.Locker
	IDs     ids.Generator
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Options tunes an Orchestrator.
type Options struct {
	// PersistTimeout bounds store writes made after an external call has
	// already happened; those writes ignore caller cancellation.
	PersistTimeout time.Duration
	// ApproverAddress signs milestone releases. Empty means the escrow
	// client's address.
	ApproverAddress string
	// AddressOf resolves participants to settlement addresses.
	AddressOf team.AddressFunc
}

// Orchestrator runs the deposit, escrow creation and milestone release
// workflows. It is safe for concurrent use; work on one transaction or
// escrow identifier is serialized through the Locker.
type Orchestrator struct {
	rates   RateProvider
	gateway CollectionGateway
	ledger  EscrowLedger
	store   store.Store
	locks   keylock.Locker
	ids     ids.Generator
	clock   clock.Clock
	logger  *slog.Logger

	persistTimeout time.Duration
	approver       string
	addressOf      team.AddressFunc
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(deps Dependencies, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Rates == nil:
		return nil, errors.New("rate provider is required")
	case deps.Gateway == nil:
		return nil, errors.New("collection gateway is required")
	case deps.Ledger == nil:
		return nil, errors.New("escrow ledger is required")
	case deps.Store == nil:
		return nil, errors.New("transaction store is required")
	}
	if deps.Locks == nil {
		deps.Locks = keylock.NewLocal()
	}
	if deps.IDs == nil {
		deps.IDs = ids.UUIDGenerator{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.AddressOf == nil {
		opts.AddressOf = team.DeriveAddress
	}
	return &Orchestrator{
		rates:          deps.Rates,
		gateway:        deps.Gateway,
		ledger:         deps.Ledger,
		store:          deps.Store,
		locks:          deps.Locks,
		ids:            deps.IDs,
		clock:          deps.Clock,
		logger:         deps.Logger.With("component", "payment_orchestrator"),
		persistTimeout: opts.PersistTimeout,
		approver:       opts.ApproverAddress,
		addressOf:      opts.AddressOf,
	}, nil
}

// Transaction returns one transaction. ok is false if it does not exist.
func (o *Orchestrator) Transaction(ctx context.Context, id string) (domain.PaymentTransaction, bool, error) {
	tx, err := o.store.GetTransaction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.PaymentTransaction{}, false, nil
	}
	if err != nil {
		return domain.PaymentTransaction{}, false, err
	}
	return tx, true, nil
}

// TransactionHistory lists a participant's transactions, oldest first.
func (o *Orchestrator) TransactionHistory(ctx context.Context, participantID string) ([]domain.PaymentTransaction, error) {
	return o.store.ListTransactionsByParticipant(ctx, participantID)
}

// Escrow returns one escrow. ok is false if it does not exist.
func (o *Orchestrator) Escrow(ctx context.Context, escrowID string) (domain.EscrowPayment, bool, error) {
	e, err := o.store.GetEscrow(ctx, escrowID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.EscrowPayment{}, false, nil
	}
	if err != nil {
		return domain.EscrowPayment{}, false, err
	}
	return e, true, nil
}

// ChainStatus reads the on-chain view of an escrow.
func (o *Orchestrator) ChainStatus(ctx context.Context, escrowID string) (chain.EscrowDescriptor, bool, error) {
	e, err := o.store.GetEscrow(ctx, escrowID)
	if errors.Is(err, store.ErrNotFound) {
		return chain.EscrowDescriptor{}, false, domain.NewError(domain.ErrEscrowNotFound, "chain_status", escrowID, "", nil)
	}
	if err != nil {
		return chain.EscrowDescriptor{}, false, err
	}
	return o.ledger.Status(ctx, e.ChainEscrowID)
}

// persistContext detaches from caller cancellation for writes that record
// an external side effect which already happened.
func (o *Orchestrator) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
}

func (o *Orchestrator) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := o.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return unlock, nil
}
