package store

import (
	"context"
	"errors"
	"sort"

	"github.com/vanshika/paybridge/backend/internal/domain"
)

var (
	// ErrNotFound indicates no record exists for the identifier.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateID indicates a record with the identifier already exists.
	ErrDuplicateID = errors.New("duplicate record id")
	// ErrConflict indicates a concurrent writer changed the record first.
	ErrConflict = errors.New("concurrent update conflict")
)

// Store owns every PaymentTransaction and EscrowPayment record. Update
// functions are applied atomically per record: fn receives a copy, and the
// copy is persisted only if fn returns nil.
type Store interface {
	CreateTransaction(ctx context.Context, tx domain.PaymentTransaction) error
	UpdateTransaction(ctx context.Context, id string, fn func(*domain.PaymentTransaction) error) (domain.PaymentTransaction, error)
	GetTransaction(ctx context.Context, id string) (domain.PaymentTransaction, error)
	ListTransactionsByParticipant(ctx context.Context, participantID string) ([]domain.PaymentTransaction, error)
	ListPendingTransactions(ctx context.Context, kind domain.TransactionKind) ([]domain.PaymentTransaction, error)

	CreateEscrow(ctx context.Context, escrow domain.EscrowPayment) error
	UpdateEscrow(ctx context.Context, id string, fn func(*domain.EscrowPayment) error) (domain.EscrowPayment, error)
	GetEscrow(ctx context.Context, id string) (domain.EscrowPayment, error)
}

// SortHistory orders transactions by creation time, then identifier.
func SortHistory(txs []domain.PaymentTransaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})
}
