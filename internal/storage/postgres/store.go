package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/store"
)

// Store is the PostgreSQL store.Store. Updates lock the row with
// SELECT ... FOR UPDATE, so concurrent updaters of one record queue behind
// each other instead of failing.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore wraps an open pool. Apply migrations before use.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn in one database transaction. Store calls made with the
// context passed to fn join it.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const transactionColumns = `id, participant_id, kind, status, amount_kes, amount_usdc, exchange_rate,
	reference, gateway_reference, gateway_receipt, chain_transaction_id, failure_reason, created_at, completed_at`

func (s *Store) CreateTransaction(ctx context.Context, tx domain.PaymentTransaction) error {
	const stmt = `
INSERT INTO payment_transactions (` + transactionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	if tx.ID == "" {
		return errors.New("transaction id is required")
	}
	_, err := s.exec(ctx, stmt,
		tx.ID,
		tx.ParticipantID,
		string(tx.Kind),
		string(tx.Status),
		tx.AmountKES,
		tx.AmountUSDC,
		tx.ExchangeRate,
		tx.Reference,
		tx.GatewayReference,
		tx.GatewayReceipt,
		tx.ChainTransactionID,
		tx.FailureReason,
		tx.CreatedAt,
		tx.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", tx.ID, store.ErrDuplicateID)
		}
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (s *Store) UpdateTransaction(ctx context.Context, id string, fn func(*domain.PaymentTransaction) error) (domain.PaymentTransaction, error) {
	const stmt = `
UPDATE payment_transactions
SET status = $2,
	reference = $3,
	gateway_reference = $4,
	gateway_receipt = $5,
	chain_transaction_id = $6,
	failure_reason = $7,
	completed_at = $8
WHERE id = $1`

	var out domain.PaymentTransaction
	err := s.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.getTransaction(ctx, id, true)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			out = current
			return err
		}
		if _, err := s.exec(ctx, stmt,
			id,
			string(next.Status),
			next.Reference,
			next.GatewayReference,
			next.GatewayReceipt,
			next.ChainTransactionID,
			next.FailureReason,
			next.CompletedAt,
		); err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		next.ID = current.ID
		next.ParticipantID = current.ParticipantID
		next.AmountKES, next.AmountUSDC, next.ExchangeRate = current.AmountKES, current.AmountUSDC, current.ExchangeRate
		out = next
		return nil
	})
	return out, err
}

func (s *Store) GetTransaction(ctx context.Context, id string) (domain.PaymentTransaction, error) {
	return s.getTransaction(ctx, id, false)
}

func (s *Store) getTransaction(ctx context.Context, id string, forUpdate bool) (domain.PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	tx, err := scanTransaction(s.queryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentTransaction{}, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
		}
		return domain.PaymentTransaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) ListTransactionsByParticipant(ctx context.Context, participantID string) ([]domain.PaymentTransaction, error) {
	const query = `SELECT ` + transactionColumns + `
FROM payment_transactions
WHERE participant_id = $1
ORDER BY created_at, id`

	return s.listTransactions(ctx, query, participantID)
}

func (s *Store) ListPendingTransactions(ctx context.Context, kind domain.TransactionKind) ([]domain.PaymentTransaction, error) {
	const query = `SELECT ` + transactionColumns + `
FROM payment_transactions
WHERE status = 'pending' AND ($1 = '' OR kind = $1)
ORDER BY created_at, id`

	return s.listTransactions(ctx, query, string(kind))
}

func (s *Store) listTransactions(ctx context.Context, query string, args ...any) ([]domain.PaymentTransaction, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := []domain.PaymentTransaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out, nil
}

const escrowColumns = `id, project_id, client_id, total_kes, total_usdc, status, deposit_transaction_id,
	chain_escrow_id, milestones, participants, created_at, updated_at`

func (s *Store) CreateEscrow(ctx context.Context, escrow domain.EscrowPayment) error {
	const stmt = `
INSERT INTO escrows (` + escrowColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	if escrow.ID == "" {
		return errors.New("escrow id is required")
	}
	milestones, err := store.EncodeMilestones(escrow.Milestones)
	if err != nil {
		return err
	}
	participants, err := store.EncodeAllocations(escrow.Participants)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, stmt,
		escrow.ID,
		escrow.ProjectID,
		escrow.ClientID,
		escrow.TotalKES,
		escrow.TotalUSDC,
		string(escrow.Status),
		escrow.DepositTransactionID,
		escrow.ChainEscrowID,
		milestones,
		participants,
		escrow.CreatedAt,
		escrow.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("escrow %s: %w", escrow.ID, store.ErrDuplicateID)
		}
		return fmt.Errorf("create escrow: %w", err)
	}
	return nil
}

func (s *Store) UpdateEscrow(ctx context.Context, id string, fn func(*domain.EscrowPayment) error) (domain.EscrowPayment, error) {
	const stmt = `
UPDATE escrows
SET status = $2,
	chain_escrow_id = $3,
	milestones = $4,
	participants = $5,
	updated_at = $6
WHERE id = $1`

	var out domain.EscrowPayment
	err := s.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.getEscrow(ctx, id, true)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			out = current
			return err
		}
		milestones, err := store.EncodeMilestones(next.Milestones)
		if err != nil {
			return err
		}
		participants, err := store.EncodeAllocations(next.Participants)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, stmt, id, string(next.Status), next.ChainEscrowID, milestones, participants, next.UpdatedAt); err != nil {
			return fmt.Errorf("update escrow: %w", err)
		}
		next.ID = current.ID
		out = next
		return nil
	})
	return out, err
}

func (s *Store) GetEscrow(ctx context.Context, id string) (domain.EscrowPayment, error) {
	return s.getEscrow(ctx, id, false)
}

func (s *Store) getEscrow(ctx context.Context, id string, forUpdate bool) (domain.EscrowPayment, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		e                        domain.EscrowPayment
		status                   string
		milestones, participants []byte
	)
	err := s.queryRow(ctx, query, id).Scan(
		&e.ID,
		&e.ProjectID,
		&e.ClientID,
		&e.TotalKES,
		&e.TotalUSDC,
		&status,
		&e.DepositTransactionID,
		&e.ChainEscrowID,
		&milestones,
		&participants,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EscrowPayment{}, fmt.Errorf("escrow %s: %w", id, store.ErrNotFound)
		}
		return domain.EscrowPayment{}, fmt.Errorf("get escrow: %w", err)
	}
	e.Status = domain.EscrowStatus(status)
	e.CreatedAt, e.UpdatedAt = e.CreatedAt.UTC(), e.UpdatedAt.UTC()
	if e.Milestones, err = store.DecodeMilestones(milestones); err != nil {
		return domain.EscrowPayment{}, err
	}
	if e.Participants, err = store.DecodeAllocations(participants); err != nil {
		return domain.EscrowPayment{}, err
	}
	return e, nil
}

func scanTransaction(row pgx.Row) (domain.PaymentTransaction, error) {
	var (
		tx           domain.PaymentTransaction
		kind, status string
	)
	err := row.Scan(
		&tx.ID,
		&tx.ParticipantID,
		&kind,
		&status,
		&tx.AmountKES,
		&tx.AmountUSDC,
		&tx.ExchangeRate,
		&tx.Reference,
		&tx.GatewayReference,
		&tx.GatewayReceipt,
		&tx.ChainTransactionID,
		&tx.FailureReason,
		&tx.CreatedAt,
		&tx.CompletedAt,
	)
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	tx.Kind = domain.TransactionKind(kind)
	tx.Status = domain.TransactionStatus(status)
	tx.CreatedAt = tx.CreatedAt.UTC()
	if tx.CompletedAt != nil {
		at := tx.CompletedAt.UTC()
		tx.CompletedAt = &at
	}
	return tx, nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return s.pool.Exec(ctx, sql, args...)
}

func (s *Store) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return s.pool.QueryRow(ctx, sql, args...)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return s.pool.Query(ctx, sql, args...)
}
