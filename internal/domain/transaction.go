package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindDeposit          TransactionKind = "deposit"
	KindWithdrawal       TransactionKind = "withdrawal"
	KindMilestonePayment TransactionKind = "milestone_payment"
)

// Valid reports whether k is one of the declared kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindMilestonePayment:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionCompleted || s == TransactionFailed
}

// PaymentTransaction is a single fiat/chain money movement. The exchange
// rate is the one in effect at creation and never changes afterwards.
type PaymentTransaction struct {
	ID                 string
	ParticipantID      string
	AmountKES          decimal.Decimal
	AmountUSDC         decimal.Decimal
	ExchangeRate       decimal.Decimal
	Kind               TransactionKind
	Status             TransactionStatus
	Reference          string
	GatewayReference   string
	GatewayReceipt     string
	ChainTransactionID string
	FailureReason      string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// NewPaymentTransaction builds a pending transaction, deriving the USDC
// amount from the KES amount and rate.
func NewPaymentTransaction(id, participantID string, kind TransactionKind, amountKES, rate decimal.Decimal, now time.Time) (PaymentTransaction, error) {
	if id == "" || participantID == "" {
		return PaymentTransaction{}, fmt.Errorf("%w: transaction and participant ids are required", ErrInvalidAmount)
	}
	if !kind.Valid() {
		return PaymentTransaction{}, fmt.Errorf("unknown transaction kind %q", kind)
	}
	amountKES = QuantizeKES(amountKES)
	if !amountKES.IsPositive() {
		return PaymentTransaction{}, fmt.Errorf("%w: KES amount %s must be positive", ErrInvalidAmount, amountKES)
	}
	if !rate.IsPositive() {
		return PaymentTransaction{}, fmt.Errorf("%w: rate %s must be positive", ErrInvalidAmount, rate)
	}
	rate = QuantizeRate(rate)
	return PaymentTransaction{
		ID:            id,
		ParticipantID: participantID,
		AmountKES:     amountKES,
		AmountUSDC:    ConvertKESToUSDC(amountKES, rate),
		ExchangeRate:  rate,
		Kind:          kind,
		Status:        TransactionPending,
		CreatedAt:     now,
	}, nil
}

// Complete moves a pending transaction to completed.
func (t *PaymentTransaction) Complete(now time.Time) error {
	if t.Status != TransactionPending {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}
	t.Status = TransactionCompleted
	t.CompletedAt = &now
	return nil
}

// Fail moves a pending transaction to failed.
func (t *PaymentTransaction) Fail(now time.Time, reason string) error {
	if t.Status != TransactionPending {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}
	t.Status = TransactionFailed
	t.FailureReason = reason
	t.CompletedAt = &now
	return nil
}

// Clone returns a copy that shares no pointers with t.
func (t PaymentTransaction) Clone() PaymentTransaction {
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}
