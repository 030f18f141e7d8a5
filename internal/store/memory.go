package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/vanshika/paybridge/backend/internal/domain"
)

// Memory is a process-local Store. Records are cloned on the way in and
// out so callers never share state with the store.
type Memory struct {
	mu            sync.RWMutex
	transactions  map[string]domain.PaymentTransaction
	byParticipant map[string][]string
	escrows       map[string]domain.EscrowPayment
}

// NewMemory builds an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		transactions:  make(map[string]domain.PaymentTransaction),
		byParticipant: make(map[string][]string),
		escrows:       make(map[string]domain.EscrowPayment),
	}
}

func (m *Memory) CreateTransaction(_ context.Context, tx domain.PaymentTransaction) error {
	if tx.ID == "" {
		return fmt.Errorf("transaction id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transactions[tx.ID]; exists {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrDuplicateID)
	}
	m.transactions[tx.ID] = tx.Clone()
	m.byParticipant[tx.ParticipantID] = append(m.byParticipant[tx.ParticipantID], tx.ID)
	return nil
}

func (m *Memory) UpdateTransaction(_ context.Context, id string, fn func(*domain.PaymentTransaction) error) (domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.transactions[id]
	if !ok {
		return domain.PaymentTransaction{}, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return current.Clone(), err
	}
	next.ID = current.ID
	next.ParticipantID = current.ParticipantID
	m.transactions[id] = next.Clone()
	return next, nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (domain.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return domain.PaymentTransaction{}, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return tx.Clone(), nil
}

func (m *Memory) ListTransactionsByParticipant(_ context.Context, participantID string) ([]domain.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byParticipant[participantID]
	out := make([]domain.PaymentTransaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.transactions[id].Clone())
	}
	SortHistory(out)
	return out, nil
}

func (m *Memory) ListPendingTransactions(_ context.Context, kind domain.TransactionKind) ([]domain.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.PaymentTransaction
	for _, tx := range m.transactions {
		if tx.Status != domain.TransactionPending {
			continue
		}
		if kind != "" && tx.Kind != kind {
			continue
		}
		out = append(out, tx.Clone())
	}
	SortHistory(out)
	return out, nil
}

func (m *Memory) CreateEscrow(_ context.Context, escrow domain.EscrowPayment) error {
	if escrow.ID == "" {
		return fmt.Errorf("escrow id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.escrows[escrow.ID]; exists {
		return fmt.Errorf("escrow %s: %w", escrow.ID, ErrDuplicateID)
	}
	m.escrows[escrow.ID] = escrow.Clone()
	return nil
}

func (m *Memory) UpdateEscrow(_ context.Context, id string, fn func(*domain.EscrowPayment) error) (domain.EscrowPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.escrows[id]
	if !ok {
		return domain.EscrowPayment{}, fmt.Errorf("escrow %s: %w", id, ErrNotFound)
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return current.Clone(), err
	}
	next.ID = current.ID
	m.escrows[id] = next.Clone()
	return next, nil
}

func (m *Memory) GetEscrow(_ context.Context, id string) (domain.EscrowPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return domain.EscrowPayment{}, fmt.Errorf("escrow %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}
