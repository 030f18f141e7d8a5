package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRateUnavailable        = errors.New("exchange rate unavailable")
	ErrGatewayTimeout         = errors.New("gateway status indeterminate")
	ErrGatewayRejected        = errors.New("gateway rejected request")
	ErrAllocationInvalid      = errors.New("participant allocations must sum to 100%")
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrMilestoneIndexInvalid  = errors.New("milestone index invalid")
	ErrChainCallFailed        = errors.New("chain call failed")
	ErrChainUnreachable       = errors.New("chain unreachable")
	ErrAlreadyReleased        = errors.New("milestone already released")
	ErrReconciliationRequired = errors.New("reconciliation required")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidMilestones      = errors.New("invalid milestones")
	ErrEscrowNotActive        = errors.New("escrow not active")
	ErrInvalidPaymentHandle   = errors.New("invalid payment handle")
)

// Error attaches an operation, the affected identifier and a human message
// to one of the sentinel kinds above. errors.Is matches both the kind and
// the wrapped cause.
type Error struct {
	Kind    error
	Op      string
	ID      string
	Message string
	Err     error
}

// NewError builds an Error for the given kind.
func NewError(kind error, op, id, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Message: message, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.ID != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.ID, msg)
	} else if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ReconciliationError reports an escrow whose fiat leg was started but whose
// chain leg failed. The deposit is still in flight and must be reconciled by
// an operator or caller.
type ReconciliationError struct {
	ProjectID            string
	DepositTransactionID string
	GatewayReference     string
	Err                  error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("project %s: deposit %s (gateway ref %s) started but escrow creation failed: %v",
		e.ProjectID, e.DepositTransactionID, e.GatewayReference, e.Err)
}

func (e *ReconciliationError) Unwrap() []error {
	return []error{ErrReconciliationRequired, ErrChainCallFailed, e.Err}
}

// KindOf returns the taxonomy sentinel carried by err, or nil.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrReconciliationRequired,
		ErrAlreadyReleased,
		ErrAllocationInvalid,
		ErrEscrowNotFound,
		ErrMilestoneIndexInvalid,
		ErrTransactionNotFound,
		ErrGatewayTimeout,
		ErrGatewayRejected,
		ErrChainUnreachable,
		ErrChainCallFailed,
		ErrRateUnavailable,
		ErrInvalidTransition,
		ErrInvalidAmount,
		ErrInvalidMilestones,
		ErrEscrowNotActive,
		ErrInvalidPaymentHandle,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

var kindNames = map[error]string{
	ErrRateUnavailable:        "rate_unavailable",
	ErrGatewayTimeout:         "gateway_timeout",
	ErrGatewayRejected:        "gateway_rejected",
	ErrAllocationInvalid:      "allocation_invalid",
	ErrEscrowNotFound:         "escrow_not_found",
	ErrMilestoneIndexInvalid:  "milestone_index_invalid",
	ErrChainCallFailed:        "chain_call_failed",
	ErrChainUnreachable:       "chain_unreachable",
	ErrAlreadyReleased:        "already_released",
	ErrReconciliationRequired: "reconciliation_required",
	ErrTransactionNotFound:    "transaction_not_found",
	ErrInvalidTransition:      "invalid_transition",
	ErrInvalidAmount:          "invalid_amount",
	ErrInvalidMilestones:      "invalid_milestones",
	ErrEscrowNotActive:        "escrow_not_active",
	ErrInvalidPaymentHandle:   "invalid_payment_handle",
}

// KindName returns a stable snake_case name for the kind carried by err,
// or "internal" when err carries none.
func KindName(err error) string {
	if name, ok := kindNames[KindOf(err)]; ok {
		return name
	}
	return "internal"
}
