package chain

import (
	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/domain"
)

// Share is one participant's portion of a USDC amount.
type Share struct {
	ParticipantID string
	Address       string
	Percentage    decimal.Decimal
	AmountUSDC    decimal.Decimal
}

// PaymentSplit divides total across allocations by percentage. Shares are
// quantized to USDC precision and the last share absorbs the remainder, so
// the shares always sum to total.
func PaymentSplit(total decimal.Decimal, allocs []domain.Allocation) ([]Share, error) {
	if err := domain.ValidateAllocations(allocs); err != nil {
		return nil, err
	}
	total = domain.QuantizeUSDC(total)
	hundred := decimal.NewFromInt(100)

	shares := make([]Share, len(allocs))
	assigned := decimal.Zero
	for i, a := range allocs {
		amount := domain.QuantizeUSDC(total.Mul(a.Percentage).Div(hundred))
		if i == len(allocs)-1 {
			amount = total.Sub(assigned)
		}
		assigned = assigned.Add(amount)
		shares[i] = Share{
			ParticipantID: a.ParticipantID,
			Address:       a.Address,
			Percentage:    a.Percentage,
			AmountUSDC:    amount,
		}
	}
	return shares, nil
}
