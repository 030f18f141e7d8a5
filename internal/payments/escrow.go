package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/chain"
	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/store"
	"github.com/vanshika/paybridge/backend/internal/team"
)

// EscrowRequest funds a project escrow from the client's mobile-money
// account. Participants carry explicit allocations; when none of them has a
// percentage the total is split equally. Team, if set and Participants is
// empty, is turned into allocations with team.Allocations.
type EscrowRequest struct {
	ProjectID    string
	ClientID     string
	ClientHandle string
	AmountKES    decimal.Decimal
	Milestones   []domain.MilestoneSpec
	Participants []domain.Allocation
	Team         *team.Formation
	Overrides    map[string]decimal.Decimal
}

func (o *Orchestrator) resolveParticipants(req EscrowRequest) ([]domain.Allocation, error) {
	if len(req.Participants) == 0 {
		if req.Team == nil {
			return nil, fmt.Errorf("%w: no participants", domain.ErrAllocationInvalid)
		}
		return team.Allocations(*req.Team, req.Overrides, o.addressOf)
	}

	explicit := false
	for _, p := range req.Participants {
		if !p.Percentage.IsZero() {
			explicit = true
			break
		}
	}
	if !explicit {
		members := make([]string, len(req.Participants))
		coverage := make(map[string]string)
		for i, p := range req.Participants {
			members[i] = p.ParticipantID
			for _, skill := range p.Skills {
				coverage[skill] = p.ParticipantID
			}
		}
		allocs, err := team.Allocations(team.Formation{Members: members, SkillCoverage: coverage}, req.Overrides, o.addressOf)
		if err != nil {
			return nil, err
		}
		for i, p := range req.Participants {
			if p.Address != "" {
				allocs[i].Address = p.Address
			}
		}
		return allocs, nil
	}

	out := make([]domain.Allocation, len(req.Participants))
	for i, p := range req.Participants {
		p.Skills = append([]string(nil), p.Skills...)
		if p.Address == "" && p.ParticipantID != "" {
			p.Address = o.addressOf(p.ParticipantID)
		}
		out[i] = p
	}
	if err := domain.ValidateAllocations(out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateProjectEscrow starts the client's deposit, creates the chain escrow
// and records both. Every input is validated before either external call.
//
// If the chain leg fails after the deposit prompt was sent, the returned
// error is a *domain.ReconciliationError: the client may pay while no
// escrow exists, and the deposit stays pending for reconciliation.
func (o *Orchestrator) CreateProjectEscrow(ctx context.Context, req EscrowRequest) (domain.EscrowPayment, error) {
	if req.ProjectID == "" || req.ClientID == "" {
		return domain.EscrowPayment{}, errors.New("project id and client id are required")
	}
	participants, err := o.resolveParticipants(req)
	if err != nil {
		return domain.EscrowPayment{}, err
	}
	deposit, err := DepositRequest{
		ParticipantID: req.ClientID,
		PaymentHandle: req.ClientHandle,
		AmountKES:     req.AmountKES,
		Reference:     fmt.Sprintf("Project %s Escrow", req.ProjectID),
	}.validate()
	if err != nil {
		return domain.EscrowPayment{}, err
	}

	rate := o.rates.Rate(ctx)
	totalUSDC := domain.ConvertKESToUSDC(deposit.AmountKES, rate)
	milestones, err := domain.ResolveMilestones(totalUSDC, req.Milestones)
	if err != nil {
		return domain.EscrowPayment{}, err
	}

	log := o.logger.With("project_id", req.ProjectID, "client_id", req.ClientID)

	depositTx, err := o.startDeposit(ctx, deposit, rate)
	if err != nil {
		log.Warn("escrow deposit not started", "error", err)
		return domain.EscrowPayment{}, fmt.Errorf("escrow deposit: %w", err)
	}

	// The fiat leg is live; the rest of the saga runs to completion.
	sagaCtx := context.WithoutCancel(ctx)
	desc, err := o.ledger.CreateEscrow(sagaCtx, chain.CreateEscrowRequest{
		ProjectID:      req.ProjectID,
		TotalUSDC:      depositTx.AmountUSDC,
		ClientAddress:  o.addressOf(req.ClientID),
		Participants:   participants,
		MilestoneCount: len(milestones),
	})
	if err != nil {
		rerr := &domain.ReconciliationError{
			ProjectID:            req.ProjectID,
			DepositTransactionID: depositTx.ID,
			GatewayReference:     depositTx.GatewayReference,
			Err:                  err,
		}
		log.Error("escrow creation failed after deposit was initiated; reconciliation required",
			"deposit_transaction_id", depositTx.ID,
			"checkout_request_id", depositTx.GatewayReference,
			"amount_kes", depositTx.AmountKES.StringFixed(domain.KESPlaces),
			"error", err,
		)
		return domain.EscrowPayment{}, rerr
	}

	now := o.clock.Now()
	escrow := domain.EscrowPayment{
		ID:                   o.ids.EscrowID(req.ProjectID, now),
		ProjectID:            req.ProjectID,
		ClientID:             req.ClientID,
		TotalKES:             depositTx.AmountKES,
		TotalUSDC:            depositTx.AmountUSDC,
		Milestones:           milestones,
		Participants:         participants,
		Status:               domain.EscrowActive,
		DepositTransactionID: depositTx.ID,
		ChainEscrowID:        desc.EscrowID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	persistCtx, cancel := o.persistContext(sagaCtx)
	defer cancel()
	if err := o.store.CreateEscrow(persistCtx, escrow); err != nil {
		log.Error("chain escrow created but not recorded",
			"chain_escrow_id", desc.EscrowID, "deposit_transaction_id", depositTx.ID, "error", err)
		return domain.EscrowPayment{}, domain.NewError(domain.ErrReconciliationRequired, "create_project_escrow", req.ProjectID,
			"chain escrow "+desc.EscrowID+" created but not recorded", err)
	}
	if _, err := o.store.UpdateTransaction(persistCtx, depositTx.ID, func(t *domain.PaymentTransaction) error {
		t.ChainTransactionID = desc.TransactionID
		return nil
	}); err != nil {
		log.Warn("failed to attach chain reference to deposit", "deposit_transaction_id", depositTx.ID, "error", err)
	}

	log.Info("project escrow created",
		"escrow_id", escrow.ID,
		"chain_escrow_id", desc.EscrowID,
		"total_kes", escrow.TotalKES.StringFixed(domain.KESPlaces),
		"total_usdc", escrow.TotalUSDC.StringFixed(domain.USDCPlaces),
		"milestones", len(milestones),
		"participants", len(participants),
	)
	return escrow, nil
}

// ReleaseMilestone pays out one milestone (0-based index) to recipientID.
// The KES amount uses the rate at release time. A milestone already
// released fails with domain.ErrAlreadyReleased without calling the chain.
// A failed chain call leaves the milestone unreleased and records nothing.
func (o *Orchestrator) ReleaseMilestone(ctx context.Context, escrowID string, index int, recipientID string) (domain.PaymentTransaction, error) {
	if recipientID == "" {
		return domain.PaymentTransaction{}, errors.New("recipient id is required")
	}
	unlock, err := o.lock(ctx, escrowID)
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	defer unlock()

	escrow, err := o.store.GetEscrow(ctx, escrowID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.PaymentTransaction{}, domain.NewError(domain.ErrEscrowNotFound, "release_milestone", escrowID, "", nil)
	}
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	milestone, err := escrow.Milestone(index)
	if err != nil {
		return domain.PaymentTransaction{}, domain.NewError(domain.ErrMilestoneIndexInvalid, "release_milestone", escrowID,
			fmt.Sprintf("index %d, escrow has %d milestones", index, len(escrow.Milestones)), nil)
	}
	if milestone.Released {
		return domain.PaymentTransaction{}, domain.NewError(domain.ErrAlreadyReleased, "release_milestone", escrowID,
			fmt.Sprintf("milestone %d released by %s", index, milestone.ReleaseTransactionID), nil)
	}
	if escrow.Status != domain.EscrowActive {
		return domain.PaymentTransaction{}, domain.NewError(domain.ErrEscrowNotActive, "release_milestone", escrowID, string(escrow.Status), nil)
	}

	rate := o.rates.Rate(ctx)
	amountKES, err := domain.ConvertUSDCToKES(milestone.AmountUSDC, rate)
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	approver := o.approver
	if approver == "" {
		approver = o.addressOf(escrow.ClientID)
	}
	log := o.logger.With("escrow_id", escrowID, "milestone", index, "recipient_id", recipientID)

	res, err := o.ledger.ReleaseMilestone(context.WithoutCancel(ctx), escrow.ChainEscrowID, index+1, approver)
	if err != nil {
		log.Warn("milestone release not executed", "error", err)
		return domain.PaymentTransaction{}, err
	}
	if !res.Succeeded() {
		log.Warn("milestone release rejected by chain", "reason", res.Reason, "transaction_id", res.TransactionID)
		return domain.PaymentTransaction{}, domain.NewError(domain.ErrChainCallFailed, "release_milestone", escrowID, res.Reason, nil)
	}

	now := o.clock.Now()
	tx, err := domain.NewPaymentTransaction(o.ids.TransactionID(string(domain.KindWithdrawal)), recipientID, domain.KindWithdrawal, amountKES, rate, now)
	if err == nil {
		tx.ChainTransactionID = res.TransactionID
		tx.Reference = fmt.Sprintf("%s milestone %d: %s", escrowID, index, milestone.Name)
		err = tx.Complete(now)
	}
	if err != nil {
		return domain.PaymentTransaction{}, domain.NewError(domain.ErrReconciliationRequired, "release_milestone", escrowID,
			"chain released "+res.TransactionID+" but payout could not be built", err)
	}

	persistCtx, cancel := o.persistContext(ctx)
	defer cancel()
	if _, err := o.store.UpdateEscrow(persistCtx, escrowID, func(e *domain.EscrowPayment) error {
		return e.ReleaseMilestone(index, tx.ID, now)
	}); err != nil {
		log.Error("chain released milestone but escrow not updated", "chain_transaction_id", res.TransactionID, "error", err)
		return domain.PaymentTransaction{}, domain.NewError(domain.ErrReconciliationRequired, "release_milestone", escrowID,
			"chain released "+res.TransactionID+" but escrow was not updated", err)
	}
	if err := o.store.CreateTransaction(persistCtx, tx); err != nil {
		log.Error("milestone released but payout not recorded", "chain_transaction_id", res.TransactionID, "error", err)
		return domain.PaymentTransaction{}, domain.NewError(domain.ErrReconciliationRequired, "release_milestone", escrowID,
			"payout "+tx.ID+" not recorded", err)
	}

	log.Info("milestone released",
		"transaction_id", tx.ID,
		"chain_transaction_id", res.TransactionID,
		"gas_used", res.GasUsed,
		"amount_usdc", milestone.AmountUSDC.StringFixed(domain.USDCPlaces),
		"amount_kes", tx.AmountKES.StringFixed(domain.KESPlaces),
		"rate", rate.String(),
	)
	return tx, nil
}

// CancelEscrow is the administrative active → cancelled transition. It
// does not touch the chain.
func (o *Orchestrator) CancelEscrow(ctx context.Context, escrowID string) (domain.EscrowPayment, error) {
	unlock, err := o.lock(ctx, escrowID)
	if err != nil {
		return domain.EscrowPayment{}, err
	}
	defer unlock()

	now := o.clock.Now()
	escrow, err := o.store.UpdateEscrow(ctx, escrowID, func(e *domain.EscrowPayment) error {
		return e.Cancel(now)
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.EscrowPayment{}, domain.NewError(domain.ErrEscrowNotFound, "cancel_escrow", escrowID, "", nil)
	}
	if err != nil {
		return domain.EscrowPayment{}, err
	}
	o.logger.Info("escrow cancelled", "escrow_id", escrowID, "released_usdc", escrow.ReleasedUSDC().StringFixed(domain.USDCPlaces))
	return escrow, nil
}
