package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
)

// StaticSource always returns the same rate.
type StaticSource struct {
	Rate decimal.Decimal
}

func (s StaticSource) FetchRate(context.Context) (decimal.Decimal, error) {
	return s.Rate, nil
}

// PegSource derives KES→USDC from a KES-per-USD quote and the USDC peg.
type PegSource struct {
	KESPerUSD  decimal.Decimal
	USDCPerUSD decimal.Decimal
}

func (s PegSource) FetchRate(context.Context) (decimal.Decimal, error) {
	if !s.KESPerUSD.IsPositive() {
		return decimal.Zero, errors.New("peg source: KES per USD must be positive")
	}
	peg := s.USDCPerUSD
	if peg.IsZero() {
		peg = decimal.NewFromInt(1)
	}
	return peg.Div(s.KESPerUSD), nil
}

// HTTPSource reads a KES-based rates document of the form
// {"base":"KES","rates":{"USD":0.0077}} and treats USD as USDC 1:1.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

type ratesDocument struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (s HTTPSource) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	if s.URL == "" {
		return decimal.Zero, errors.New("rate source URL is required")
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("rate source returned %d: %s", resp.StatusCode, body)
	}

	var doc ratesDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate document: %w", err)
	}
	usd, ok := doc.Rates["USD"]
	if !ok {
		return decimal.Zero, errors.New("rate document has no USD rate")
	}
	return usd, nil
}
