package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/mobilemoney"
	"github.com/vanshika/paybridge/backend/internal/store"
)

// DepositRequest asks a participant to pay KES into the platform.
type DepositRequest struct {
	ParticipantID string
	PaymentHandle string
	AmountKES     decimal.Decimal
	Reference     string
}

func (r DepositRequest) validate() (DepositRequest, error) {
	if r.ParticipantID == "" {
		return r, fmt.Errorf("%w: participant id is required", domain.ErrInvalidAmount)
	}
	handle, err := mobilemoney.NormalizeHandle(r.PaymentHandle)
	if err != nil {
		return r, err
	}
	r.PaymentHandle = handle
	// The recorded amount is exactly what the payer is charged.
	if r.AmountKES, err = mobilemoney.ValidateCollectionAmount(r.AmountKES); err != nil {
		return r, err
	}
	return r, nil
}

// InitiateDeposit records a pending deposit and prompts the payer. It
// returns as soon as the gateway has accepted the prompt; settlement is
// picked up by CompleteDeposit.
//
// ctx is honoured only until the prompt is sent. Once the gateway has been
// called the outcome is recorded even if ctx is cancelled.
func (o *Orchestrator) InitiateDeposit(ctx context.Context, req DepositRequest) (domain.PaymentTransaction, error) {
	req, err := req.validate()
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	return o.startDeposit(ctx, req, o.rates.Rate(ctx))
}

func (o *Orchestrator) startDeposit(ctx context.Context, req DepositRequest, rate decimal.Decimal) (domain.PaymentTransaction, error) {
	id := o.ids.TransactionID(string(domain.KindDeposit))
	tx, err := domain.NewPaymentTransaction(id, req.ParticipantID, domain.KindDeposit, req.AmountKES, rate, o.clock.Now())
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	tx.Reference = req.Reference
	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		return domain.PaymentTransaction{}, fmt.Errorf("record deposit: %w", err)
	}
	log := o.logger.With("transaction_id", tx.ID, "participant_id", tx.ParticipantID)

	// Last point at which the deposit can be abandoned.
	if err := ctx.Err(); err != nil {
		failed, ferr := o.failTransaction(ctx, tx.ID, "cancelled before collection was requested")
		if ferr != nil {
			log.Error("failed to record cancelled deposit", "error", ferr)
			return tx, err
		}
		return failed, err
	}

	receipt, err := o.gateway.RequestCollection(context.WithoutCancel(ctx), mobilemoney.CollectionRequest{
		PayeeHandle: req.PaymentHandle,
		AmountKES:   tx.AmountKES,
		Reference:   tx.ID,
		Memo:        req.Reference,
	})
	if err != nil {
		reason := "collection request failed: " + err.Error()
		if errors.Is(err, domain.ErrGatewayTimeout) {
			reason = "collection request timed out, payer prompt status unknown: " + err.Error()
		}
		log.Warn("deposit collection not started", "error", err)
		failed, ferr := o.failTransaction(ctx, tx.ID, reason)
		if ferr != nil {
			log.Error("failed to record deposit failure", "error", ferr)
			return tx, err
		}
		return failed, err
	}

	persistCtx, cancel := o.persistContext(ctx)
	defer cancel()
	updated, err := o.store.UpdateTransaction(persistCtx, tx.ID, func(t *domain.PaymentTransaction) error {
		t.GatewayReference = receipt.CheckoutRequestID
		return nil
	})
	if err != nil {
		log.Error("collection requested but gateway reference not recorded",
			"checkout_request_id", receipt.CheckoutRequestID, "error", err)
		return tx, fmt.Errorf("record gateway reference %s for %s: %w", receipt.CheckoutRequestID, tx.ID, err)
	}
	log.Info("deposit initiated",
		"amount_kes", updated.AmountKES.StringFixed(domain.KESPlaces),
		"amount_usdc", updated.AmountUSDC.StringFixed(domain.USDCPlaces),
		"rate", updated.ExchangeRate.String(),
		"checkout_request_id", receipt.CheckoutRequestID,
	)
	return updated, nil
}

// CompleteDeposit polls the gateway once for a pending deposit. It reports
// true when the deposit is completed. A non-success result fails the
// deposit and is not retried. Indeterminate polls return an error that
// matches domain.ErrGatewayTimeout and leave the deposit pending.
func (o *Orchestrator) CompleteDeposit(ctx context.Context, transactionID string) (bool, error) {
	unlock, err := o.lock(ctx, transactionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	tx, err := o.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, domain.NewError(domain.ErrTransactionNotFound, "complete_deposit", transactionID, "", nil)
	}
	if err != nil {
		return false, err
	}
	if tx.Status.Terminal() {
		return tx.Status == domain.TransactionCompleted, nil
	}
	if tx.GatewayReference == "" {
		return false, domain.NewError(domain.ErrGatewayTimeout, "complete_deposit", transactionID, "no gateway reference recorded", nil)
	}

	status, err := o.gateway.PollStatus(ctx, tx.GatewayReference)
	if err != nil {
		return false, err
	}

	log := o.logger.With("transaction_id", tx.ID, "checkout_request_id", tx.GatewayReference)
	persistCtx, cancel := o.persistContext(ctx)
	defer cancel()
	now := o.clock.Now()

	if !status.Succeeded() {
		reason := fmt.Sprintf("gateway result %s: %s", status.ResultCode, status.ResultDesc)
		if _, err := o.failTransaction(persistCtx, tx.ID, reason); err != nil {
			return false, fmt.Errorf("record deposit failure: %w", err)
		}
		log.Warn("deposit failed", "result_code", status.ResultCode, "result_desc", status.ResultDesc)
		return false, nil
	}

	if !status.SettledAmount.IsZero() && !status.SettledAmount.Equal(tx.AmountKES) {
		log.Warn("settled amount differs from requested amount",
			"requested_kes", tx.AmountKES.StringFixed(domain.KESPlaces),
			"settled_kes", status.SettledAmount.String())
	}
	if _, err := o.store.UpdateTransaction(persistCtx, tx.ID, func(t *domain.PaymentTransaction) error {
		t.GatewayReceipt = status.Receipt
		return t.Complete(now)
	}); err != nil {
		return false, fmt.Errorf("record deposit completion: %w", err)
	}
	log.Info("deposit completed", "receipt", status.Receipt)
	return true, nil
}

func (o *Orchestrator) failTransaction(ctx context.Context, id, reason string) (domain.PaymentTransaction, error) {
	persistCtx, cancel := o.persistContext(ctx)
	defer cancel()
	now := o.clock.Now()
	return o.store.UpdateTransaction(persistCtx, id, func(t *domain.PaymentTransaction) error {
		return t.Fail(now, reason)
	})
}
