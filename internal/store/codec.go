package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/domain"
)

// milestoneRecord and allocationRecord are the persisted JSON shapes of the
// nested escrow collections. Both durable backends store them as documents.
type milestoneRecord struct {
	Name                 string           `json:"name"`
	Percentage           *decimal.Decimal `json:"percentage,omitempty"`
	AmountUSDC           decimal.Decimal  `json:"amount_usdc"`
	Released             bool             `json:"released"`
	ReleasedAt           *time.Time       `json:"released_at,omitempty"`
	ReleaseTransactionID string           `json:"release_transaction_id,omitempty"`
}

type allocationRecord struct {
	ParticipantID string          `json:"participant_id"`
	Address       string          `json:"address"`
	Percentage    decimal.Decimal `json:"percentage"`
	Skills        []string        `json:"skills,omitempty"`
}

// EncodeMilestones serialises milestones for storage.
func EncodeMilestones(ms []domain.Milestone) ([]byte, error) {
	out := make([]milestoneRecord, len(ms))
	for i, m := range ms {
		out[i] = milestoneRecord(m)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode milestones: %w", err)
	}
	return b, nil
}

// DecodeMilestones is the inverse of EncodeMilestones.
func DecodeMilestones(b []byte) ([]domain.Milestone, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var in []milestoneRecord
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("decode milestones: %w", err)
	}
	out := make([]domain.Milestone, len(in))
	for i, m := range in {
		out[i] = domain.Milestone(m)
	}
	return out, nil
}

// EncodeAllocations serialises participant allocations for storage.
func EncodeAllocations(allocs []domain.Allocation) ([]byte, error) {
	out := make([]allocationRecord, len(allocs))
	for i, a := range allocs {
		out[i] = allocationRecord(a)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode allocations: %w", err)
	}
	return b, nil
}

// DecodeAllocations is the inverse of EncodeAllocations.
func DecodeAllocations(b []byte) ([]domain.Allocation, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var in []allocationRecord
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("decode allocations: %w", err)
	}
	out := make([]domain.Allocation, len(in))
	for i, a := range in {
		out[i] = domain.Allocation(a)
	}
	return out, nil
}
