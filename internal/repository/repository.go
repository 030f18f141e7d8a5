package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/graph"
	"github.com/vanshika/paybridge/backend/internal/store"
)

// DefaultUpdateAttempts bounds optimistic retries for one update.
const DefaultUpdateAttempts = 5

// Repository persists transactions and escrows as graph nodes linked to
// the participants that own them. It implements store.Store.
//
// Every node carries a version property. Updates read the node, apply the
// caller's function and write back only if the version is unchanged,
// retrying a bounded number of times before reporting store.ErrConflict.
type Repository struct {
	client   graph.Client
	attempts int
}

var _ store.Store = (*Repository)(nil)

// New instantiates a Repository backed by the supplied graph client.
func New(client graph.Client) *Repository {
	return &Repository{client: client, attempts: DefaultUpdateAttempts}
}

// EnsureSchema creates the uniqueness constraints the store relies on for
// duplicate detection. It is idempotent.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.client.ExecuteWrite(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure graph schema: %w", err)
		}
	}
	return nil
}

func (r *Repository) CreateTransaction(ctx context.Context, tx domain.PaymentTransaction) error {
	if tx.ID == "" {
		return errors.New("transaction id is required")
	}
	if tx.ParticipantID == "" {
		return errors.New("participant id is required")
	}

	params := map[string]any{
		"transactionId": tx.ID,
		"participantId": tx.ParticipantID,
		"props":         transactionProperties(tx),
	}
	res, err := r.client.ExecuteWrite(ctx, createTransactionCypher, params)
	if err != nil {
		return fmt.Errorf("create transaction %s: %w", tx.ID, err)
	}
	if len(res.Records) == 0 {
		return fmt.Errorf("transaction %s: %w", tx.ID, store.ErrDuplicateID)
	}
	return nil
}

func (r *Repository) UpdateTransaction(ctx context.Context, id string, fn func(*domain.PaymentTransaction) error) (domain.PaymentTransaction, error) {
	for attempt := 0; attempt < r.attempts; attempt++ {
		current, version, err := r.loadTransaction(ctx, id)
		if err != nil {
			return domain.PaymentTransaction{}, err
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			return current, err
		}
		next.ID = current.ID
		next.ParticipantID = current.ParticipantID

		res, err := r.client.ExecuteWrite(ctx, updateTransactionCypher, map[string]any{
			"transactionId": id,
			"version":       version,
			"props":         transactionProperties(next),
		})
		if err != nil {
			return domain.PaymentTransaction{}, fmt.Errorf("update transaction %s: %w", id, err)
		}
		if len(res.Records) > 0 {
			return next, nil
		}
	}
	return domain.PaymentTransaction{}, fmt.Errorf("transaction %s: %w", id, store.ErrConflict)
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (domain.PaymentTransaction, error) {
	tx, _, err := r.loadTransaction(ctx, id)
	return tx, err
}

func (r *Repository) loadTransaction(ctx context.Context, id string) (domain.PaymentTransaction, int64, error) {
	res, err := r.client.ExecuteRead(ctx, getTransactionCypher, map[string]any{"transactionId": id})
	if err != nil {
		return domain.PaymentTransaction{}, 0, fmt.Errorf("get transaction %s: %w", id, err)
	}
	if len(res.Records) == 0 {
		return domain.PaymentTransaction{}, 0, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	props := toMap(res.Records[0]["props"])
	tx, err := transactionFromProperties(props)
	if err != nil {
		return domain.PaymentTransaction{}, 0, fmt.Errorf("transaction %s: %w", id, err)
	}
	return tx, toInt64(props["version"]), nil
}

func (r *Repository) ListTransactionsByParticipant(ctx context.Context, participantID string) ([]domain.PaymentTransaction, error) {
	res, err := r.client.ExecuteRead(ctx, participantTransactionsCypher, map[string]any{"participantId": participantID})
	if err != nil {
		return nil, fmt.Errorf("list transactions for %s: %w", participantID, err)
	}
	return r.transactionsFromRecords(res.Records)
}

func (r *Repository) ListPendingTransactions(ctx context.Context, kind domain.TransactionKind) ([]domain.PaymentTransaction, error) {
	res, err := r.client.ExecuteRead(ctx, pendingTransactionsCypher, map[string]any{
		"status": string(domain.TransactionPending),
		"kind":   string(kind),
	})
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	return r.transactionsFromRecords(res.Records)
}

func (r *Repository) transactionsFromRecords(records []graph.Record) ([]domain.PaymentTransaction, error) {
	out := make([]domain.PaymentTransaction, 0, len(records))
	for _, record := range records {
		tx, err := transactionFromProperties(toMap(record["props"]))
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	store.SortHistory(out)
	return out, nil
}

func (r *Repository) CreateEscrow(ctx context.Context, escrow domain.EscrowPayment) error {
	if escrow.ID == "" {
		return errors.New("escrow id is required")
	}
	props, err := escrowProperties(escrow)
	if err != nil {
		return err
	}

	params := map[string]any{
		"escrowId":     escrow.ID,
		"clientId":     escrow.ClientID,
		"depositId":    escrow.DepositTransactionID,
		"props":        props,
		"participants": allocationParams(escrow.Participants),
	}
	res, err := r.client.ExecuteWrite(ctx, createEscrowCypher, params)
	if err != nil {
		return fmt.Errorf("create escrow %s: %w", escrow.ID, err)
	}
	if len(res.Records) == 0 {
		return fmt.Errorf("escrow %s: %w", escrow.ID, store.ErrDuplicateID)
	}
	return nil
}

func (r *Repository) UpdateEscrow(ctx context.Context, id string, fn func(*domain.EscrowPayment) error) (domain.EscrowPayment, error) {
	for attempt := 0; attempt < r.attempts; attempt++ {
		current, version, err := r.loadEscrow(ctx, id)
		if err != nil {
			return domain.EscrowPayment{}, err
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			return current, err
		}
		next.ID = current.ID

		props, err := escrowProperties(next)
		if err != nil {
			return domain.EscrowPayment{}, err
		}
		res, err := r.client.ExecuteWrite(ctx, updateEscrowCypher, map[string]any{
			"escrowId": id,
			"version":  version,
			"props":    props,
		})
		if err != nil {
			return domain.EscrowPayment{}, fmt.Errorf("update escrow %s: %w", id, err)
		}
		if len(res.Records) > 0 {
			return next, nil
		}
	}
	return domain.EscrowPayment{}, fmt.Errorf("escrow %s: %w", id, store.ErrConflict)
}

func (r *Repository) GetEscrow(ctx context.Context, id string) (domain.EscrowPayment, error) {
	e, _, err := r.loadEscrow(ctx, id)
	return e, err
}

func (r *Repository) loadEscrow(ctx context.Context, id string) (domain.EscrowPayment, int64, error) {
	res, err := r.client.ExecuteRead(ctx, getEscrowCypher, map[string]any{"escrowId": id})
	if err != nil {
		return domain.EscrowPayment{}, 0, fmt.Errorf("get escrow %s: %w", id, err)
	}
	if len(res.Records) == 0 {
		return domain.EscrowPayment{}, 0, fmt.Errorf("escrow %s: %w", id, store.ErrNotFound)
	}
	props := toMap(res.Records[0]["props"])
	e, err := escrowFromProperties(props)
	if err != nil {
		return domain.EscrowPayment{}, 0, fmt.Errorf("escrow %s: %w", id, err)
	}
	return e, toInt64(props["version"]), nil
}

func transactionProperties(tx domain.PaymentTransaction) map[string]any {
	return map[string]any{
		"transactionId":      tx.ID,
		"participantId":      tx.ParticipantID,
		"amountKes":          tx.AmountKES.String(),
		"amountUsdc":         tx.AmountUSDC.String(),
		"exchangeRate":       tx.ExchangeRate.String(),
		"kind":               string(tx.Kind),
		"status":             string(tx.Status),
		"reference":          tx.Reference,
		"gatewayReference":   tx.GatewayReference,
		"gatewayReceipt":     tx.GatewayReceipt,
		"chainTransactionId": tx.ChainTransactionID,
		"failureReason":      tx.FailureReason,
		"createdAt":          formatTime(tx.CreatedAt),
		"completedAt":        formatTimePtr(tx.CompletedAt),
	}
}

func transactionFromProperties(props map[string]any) (domain.PaymentTransaction, error) {
	tx := domain.PaymentTransaction{
		ID:                 toString(props["transactionId"]),
		ParticipantID:      toString(props["participantId"]),
		Kind:               domain.TransactionKind(toString(props["kind"])),
		Status:             domain.TransactionStatus(toString(props["status"])),
		Reference:          toString(props["reference"]),
		GatewayReference:   toString(props["gatewayReference"]),
		GatewayReceipt:     toString(props["gatewayReceipt"]),
		ChainTransactionID: toString(props["chainTransactionId"]),
		FailureReason:      toString(props["failureReason"]),
		CompletedAt:        toTimePtr(props["completedAt"]),
	}
	if created := toTimePtr(props["createdAt"]); created != nil {
		tx.CreatedAt = *created
	}
	var err error
	if tx.AmountKES, err = toDecimal(props["amountKes"]); err != nil {
		return tx, err
	}
	if tx.AmountUSDC, err = toDecimal(props["amountUsdc"]); err != nil {
		return tx, err
	}
	if tx.ExchangeRate, err = toDecimal(props["exchangeRate"]); err != nil {
		return tx, err
	}
	return tx, nil
}

func escrowProperties(e domain.EscrowPayment) (map[string]any, error) {
	milestones, err := store.EncodeMilestones(e.Milestones)
	if err != nil {
		return nil, err
	}
	participants, err := store.EncodeAllocations(e.Participants)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"escrowId":             e.ID,
		"projectId":            e.ProjectID,
		"clientId":             e.ClientID,
		"totalKes":             e.TotalKES.String(),
		"totalUsdc":            e.TotalUSDC.String(),
		"status":               string(e.Status),
		"depositTransactionId": e.DepositTransactionID,
		"chainEscrowId":        e.ChainEscrowID,
		"milestonesJson":       string(milestones),
		"participantsJson":     string(participants),
		"createdAt":            formatTime(e.CreatedAt),
		"updatedAt":            formatTime(e.UpdatedAt),
	}, nil
}

func escrowFromProperties(props map[string]any) (domain.EscrowPayment, error) {
	e := domain.EscrowPayment{
		ID:                   toString(props["escrowId"]),
		ProjectID:            toString(props["projectId"]),
		ClientID:             toString(props["clientId"]),
		Status:               domain.EscrowStatus(toString(props["status"])),
		DepositTransactionID: toString(props["depositTransactionId"]),
		ChainEscrowID:        toString(props["chainEscrowId"]),
	}
	if created := toTimePtr(props["createdAt"]); created != nil {
		e.CreatedAt = *created
	}
	if updated := toTimePtr(props["updatedAt"]); updated != nil {
		e.UpdatedAt = *updated
	}
	var err error
	if e.TotalKES, err = toDecimal(props["totalKes"]); err != nil {
		return e, err
	}
	if e.TotalUSDC, err = toDecimal(props["totalUsdc"]); err != nil {
		return e, err
	}
	if e.Milestones, err = store.DecodeMilestones([]byte(toString(props["milestonesJson"]))); err != nil {
		return e, err
	}
	if e.Participants, err = store.DecodeAllocations([]byte(toString(props["participantsJson"]))); err != nil {
		return e, err
	}
	return e, nil
}

func allocationParams(allocs []domain.Allocation) []map[string]any {
	result := make([]map[string]any, 0, len(allocs))
	for _, a := range allocs {
		result = append(result, map[string]any{
			"participantId": a.ParticipantID,
			"address":       a.Address,
			"percentage":    a.Percentage.String(),
			"skills":        append([]string{}, a.Skills...),
		})
	}
	return result
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return formatTime(*t)
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func toInt64(val any) int64 {
	switch v := val.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func toDecimal(val any) (decimal.Decimal, error) {
	s := toString(val)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

func toMap(val any) map[string]any {
	if m, ok := val.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func toTimePtr(val any) *time.Time {
	switch v := val.(type) {
	case time.Time:
		return &v
	case string:
		if v == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return &parsed
		}
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			return &parsed
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE CONSTRAINT payment_transaction_id IF NOT EXISTS FOR (t:PaymentTransaction) REQUIRE t.transactionId IS UNIQUE`,
	`CREATE CONSTRAINT escrow_id IF NOT EXISTS FOR (e:Escrow) REQUIRE e.escrowId IS UNIQUE`,
	`CREATE CONSTRAINT participant_id IF NOT EXISTS FOR (p:Participant) REQUIRE p.participantId IS UNIQUE`,
	`CREATE INDEX payment_transaction_status IF NOT EXISTS FOR (t:PaymentTransaction) ON (t.status)`,
}

const createTransactionCypher = `
OPTIONAL MATCH (existing:PaymentTransaction {transactionId: $transactionId})
WITH existing
WHERE existing IS NULL
MERGE (p:Participant {participantId: $participantId})
CREATE (t:PaymentTransaction {transactionId: $transactionId})
SET t += $props,
	t.version = 1
MERGE (p)-[:INITIATED]->(t)
RETURN t.transactionId AS transactionId
`

const updateTransactionCypher = `
MATCH (t:PaymentTransaction {transactionId: $transactionId})
WHERE t.version = $version
SET t += $props,
	t.version = $version + 1
RETURN t.transactionId AS transactionId
`

const getTransactionCypher = `
MATCH (t:PaymentTransaction {transactionId: $transactionId})
RETURN properties(t) AS props
`

const participantTransactionsCypher = `
MATCH (:Participant {participantId: $participantId})-[:INITIATED]->(t:PaymentTransaction)
RETURN properties(t) AS props
ORDER BY t.createdAt ASC, t.transactionId ASC
`

const pendingTransactionsCypher = `
MATCH (t:PaymentTransaction)
WHERE t.status = $status AND ($kind = "" OR t.kind = $kind)
RETURN properties(t) AS props
`

const createEscrowCypher = `
OPTIONAL MATCH (existing:Escrow {escrowId: $escrowId})
WITH existing
WHERE existing IS NULL
CREATE (e:Escrow {escrowId: $escrowId})
SET e += $props,
	e.version = 1
MERGE (c:Participant {participantId: $clientId})
MERGE (c)-[:FUNDED]->(e)
FOREACH (part IN $participants |
	MERGE (p:Participant {participantId: part.participantId})
	MERGE (p)-[a:ALLOCATED_TO]->(e)
	SET a.percentage = part.percentage,
		a.address = part.address,
		a.skills = part.skills
)
WITH e
OPTIONAL MATCH (d:PaymentTransaction {transactionId: $depositId})
FOREACH (_ IN CASE WHEN d IS NULL THEN [] ELSE [1] END |
	MERGE (e)-[:FUNDED_BY]->(d)
)
RETURN e.escrowId AS escrowId
`

const updateEscrowCypher = `
MATCH (e:Escrow {escrowId: $escrowId})
WHERE e.version = $version
SET e += $props,
	e.version = $version + 1
RETURN e.escrowId AS escrowId
`

const getEscrowCypher = `
MATCH (e:Escrow {escrowId: $escrowId})
RETURN properties(e) AS props
`
