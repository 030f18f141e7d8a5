package mobilemoney

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/clock"
	"github.com/vanshika/paybridge/backend/internal/domain"
)

func newTestGateway(t *testing.T, timeout time.Duration) (*Gateway, *SandboxTransport, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	sbx := NewSandboxTransport(clk, time.Hour)
	gw := NewGateway(sbx, Options{
		CallTimeout: timeout,
		Clock:       clk,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return gw, sbx, clk
}

func TestNormalizeHandle(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0712345678":       "254712345678",
		"0112345678":       "254112345678",
		"254712345678":     "254712345678",
		"+254 712 345 678": "254712345678",
		"(0712)-345-678":   "254712345678",
	}
	for in, want := range cases {
		got, err := NormalizeHandle(in)
		if err != nil {
			t.Fatalf("NormalizeHandle(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Errorf("NormalizeHandle(%q) = %q, want %q", in, got, want)
		}
	}

	for _, bad := range []string{"", "12345", "0812345678", "2547123456789", "25571234567"} {
		if _, err := NormalizeHandle(bad); !errors.Is(err, domain.ErrInvalidPaymentHandle) {
			t.Errorf("NormalizeHandle(%q): expected ErrInvalidPaymentHandle, got %v", bad, err)
		}
	}
}

func TestGateway_CredentialReusedUntilExpiry(t *testing.T) {
	t.Parallel()

	gw, sbx, clk := newTestGateway(t, time.Second)
	ctx := context.Background()

	first, err := gw.EnsureCredential(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	clk.Advance(time.Hour - time.Nanosecond)
	second, err := gw.EnsureCredential(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if first != second {
		t.Fatalf("expected cached token before expiry, got %q then %q", first, second)
	}

	// Exactly at the expiry instant the token is no longer valid.
	clk.Advance(time.Nanosecond)
	third, err := gw.EnsureCredential(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if third == second {
		t.Fatalf("expected a refreshed token at expiry")
	}
	if auth, _, _ := sbx.Calls(); auth != 2 {
		t.Fatalf("expected 2 authenticate calls, got %d", auth)
	}
}

func TestGateway_AuthenticationFailure(t *testing.T) {
	t.Parallel()

	gw, sbx, _ := newTestGateway(t, time.Second)
	sbx.FailAuthentication(errors.New("bad consumer secret"))

	_, err := gw.RequestCollection(context.Background(), CollectionRequest{
		PayeeHandle: "0712345678",
		AmountKES:   decimal.NewFromInt(100),
	})
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if _, push, _ := sbx.Calls(); push != 0 {
		t.Fatalf("expected no push without a credential, got %d", push)
	}
}

func TestGateway_RequestCollectionAccepted(t *testing.T) {
	t.Parallel()

	gw, sbx, _ := newTestGateway(t, time.Second)
	receipt, err := gw.RequestCollection(context.Background(), CollectionRequest{
		PayeeHandle: "0712345678",
		AmountKES:   decimal.RequireFromString("10000"),
		Reference:   "PROJ-001",
		Memo:        "escrow deposit",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !receipt.Accepted() || receipt.CheckoutRequestID == "" || receipt.MerchantRequestID == "" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	status, err := gw.PollStatus(context.Background(), receipt.CheckoutRequestID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !status.Succeeded() || status.Receipt == "" {
		t.Fatalf("expected settled status, got %+v", status)
	}
	if !status.SettledAmount.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("expected settled amount 10000, got %s", status.SettledAmount)
	}
	if _, push, poll := sbx.Calls(); push != 1 || poll != 1 {
		t.Fatalf("expected one push and one poll, got %d and %d", push, poll)
	}
}

func TestGateway_RequestCollectionValidation(t *testing.T) {
	t.Parallel()

	gw, sbx, _ := newTestGateway(t, time.Second)
	ctx := context.Background()

	if _, err := gw.RequestCollection(ctx, CollectionRequest{PayeeHandle: "12345", AmountKES: decimal.NewFromInt(10)}); !errors.Is(err, domain.ErrInvalidPaymentHandle) {
		t.Fatalf("expected ErrInvalidPaymentHandle, got %v", err)
	}
	for _, amount := range []string{"0.50", "70000.01", "-5", "1000.40", "250.005"} {
		_, err := gw.RequestCollection(ctx, CollectionRequest{PayeeHandle: "0712345678", AmountKES: decimal.RequireFromString(amount)})
		if !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if auth, push, _ := sbx.Calls(); auth != 0 || push != 0 {
		t.Fatalf("validation failures must not reach the gateway, got auth=%d push=%d", auth, push)
	}
}

func TestGateway_RequestCollectionRejected(t *testing.T) {
	t.Parallel()

	gw, sbx, _ := newTestGateway(t, time.Second)
	sbx.Script("254722000111", OutcomeReject)

	receipt, err := gw.RequestCollection(context.Background(), CollectionRequest{
		PayeeHandle: "0722000111",
		AmountKES:   decimal.NewFromInt(500),
	})
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if receipt.ResponseCode != "1" {
		t.Fatalf("expected the rejected receipt to be returned, got %+v", receipt)
	}
}

func TestGateway_RequestCollectionTimeout(t *testing.T) {
	t.Parallel()

	gw, sbx, _ := newTestGateway(t, 20*time.Millisecond)
	sbx.Script("254722000222", OutcomeTimeout)

	_, err := gw.RequestCollection(context.Background(), CollectionRequest{
		PayeeHandle: "254722000222",
		AmountKES:   decimal.NewFromInt(500),
	})
	if !errors.Is(err, domain.ErrGatewayTimeout) {
		t.Fatalf("expected ErrGatewayTimeout, got %v", err)
	}
}

func TestGateway_PollStatusOutcomes(t *testing.T) {
	t.Parallel()

	gw, sbx, _ := newTestGateway(t, 20*time.Millisecond)
	ctx := context.Background()
	sbx.Script("254733000001", OutcomeDecline)
	sbx.Script("254733000002", OutcomePending)

	declined, err := gw.RequestCollection(ctx, CollectionRequest{PayeeHandle: "254733000001", AmountKES: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	status, err := gw.PollStatus(ctx, declined.CheckoutRequestID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if status.Succeeded() || status.ResultCode != "1032" {
		t.Fatalf("expected declined status, got %+v", status)
	}

	pending, err := gw.RequestCollection(ctx, CollectionRequest{PayeeHandle: "254733000002", AmountKES: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := gw.PollStatus(ctx, pending.CheckoutRequestID); !errors.Is(err, domain.ErrGatewayTimeout) {
		t.Fatalf("expected ErrGatewayTimeout while unresolved, got %v", err)
	}

	sbx.Resolve(pending.CheckoutRequestID, OutcomeApprove)
	status, err = gw.PollStatus(ctx, pending.CheckoutRequestID)
	if err != nil || !status.Succeeded() {
		t.Fatalf("expected success after resolution, got %+v, %v", status, err)
	}
}

func TestGateway_PollStatusUnknownIsIndeterminate(t *testing.T) {
	t.Parallel()

	gw, _, _ := newTestGateway(t, time.Second)
	_, err := gw.PollStatus(context.Background(), "ws_CO_missing")
	if !errors.Is(err, domain.ErrGatewayTimeout) {
		t.Fatalf("expected ErrGatewayTimeout, got %v", err)
	}
	if errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("poll failures must never look like a rejection")
	}
}

func TestMaskHandle(t *testing.T) {
	t.Parallel()

	if got := maskHandle("254712345678"); got != "********5678" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := maskHandle("12"); got != "****" {
		t.Fatalf("unexpected mask %q", got)
	}
}
