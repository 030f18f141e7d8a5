package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Fractional digits carried by each quantity. These determine settlement
// amounts and are not display precision.
const (
	KESPlaces  int32 = 2
	USDCPlaces int32 = 6
	RatePlaces int32 = 6
)

// USDCTolerance is the smallest representable USDC unit.
var USDCTolerance = decimal.New(1, -USDCPlaces)

// QuantizeKES rounds half-up to whole cents.
func QuantizeKES(d decimal.Decimal) decimal.Decimal {
	return d.Round(KESPlaces)
}

// QuantizeUSDC rounds half-up to micro-USDC.
func QuantizeUSDC(d decimal.Decimal) decimal.Decimal {
	return d.Round(USDCPlaces)
}

// QuantizeRate rounds an exchange rate half-up to six places.
func QuantizeRate(d decimal.Decimal) decimal.Decimal {
	return d.Round(RatePlaces)
}

// ConvertKESToUSDC applies a KES→USDC rate.
func ConvertKESToUSDC(amountKES, rate decimal.Decimal) decimal.Decimal {
	return QuantizeUSDC(amountKES.Mul(rate))
}

// ConvertUSDCToKES applies the inverse of a KES→USDC rate.
func ConvertUSDCToKES(amountUSDC, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: rate %s is not positive", ErrInvalidAmount, rate)
	}
	return QuantizeKES(amountUSDC.Div(rate)), nil
}

// ParseAmount parses a decimal string and rejects non-positive values.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, s)
	}
	return d, nil
}
