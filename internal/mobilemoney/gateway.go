package mobilemoney

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/clock"
	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/expiring"
)

// ResultSuccess is the response and result code the gateway uses for success.
const ResultSuccess = "0"

// Collection limits enforced by the gateway for a single prompt.
var (
	MinCollectionKES = decimal.NewFromInt(1)
	MaxCollectionKES = decimal.NewFromInt(70000)
)

// Token is an access credential issued by the gateway.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// CollectionRequest asks the payer to approve a payment on their handset.
type CollectionRequest struct {
	PayeeHandle string
	AmountKES   decimal.Decimal
	Reference   string
	Memo        string
}

// PendingReceipt is the gateway's acknowledgement of a collection request.
type PendingReceipt struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
}

// Accepted reports whether the gateway took the request for processing.
func (r PendingReceipt) Accepted() bool {
	return r.ResponseCode == ResultSuccess
}

// StatusResult is the resolved outcome of a collection.
type StatusResult struct {
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	SettledAmount     decimal.Decimal
	Receipt           string
	SettledAt         time.Time
}

// Succeeded reports whether the payer completed the payment. Any other
// result code is a failure, not a pending state.
func (s StatusResult) Succeeded() bool {
	return s.ResultCode == ResultSuccess
}

// Transport speaks the wire protocol of a concrete gateway.
type Transport interface {
	Authenticate(ctx context.Context) (Token, error)
	PushCollection(ctx context.Context, accessToken string, req CollectionRequest) (PendingReceipt, error)
	QueryStatus(ctx context.Context, accessToken, checkoutRequestID string) (StatusResult, error)
}

// Options configures a Gateway.
type Options struct {
	CallTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Gateway wraps a Transport with credential caching, input validation,
// bounded waits and an audit log of every call.
type Gateway struct {
	transport Transport
	timeout   time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	credential expiring.Value[string]
	refreshMu  sync.Mutex
}

// NewGateway constructs a Gateway.
func NewGateway(transport Transport, opts Options) *Gateway {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		transport: transport,
		timeout:   opts.CallTimeout,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "mobile_money"),
	}
}

// EnsureCredential returns a valid access token, refreshing it once the
// expiry instant has been reached.
func (g *Gateway) EnsureCredential(ctx context.Context) (string, error) {
	if token, ok := g.credential.Fresh(g.clock.Now()); ok {
		return token, nil
	}

	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	if token, ok := g.credential.Fresh(g.clock.Now()); ok {
		return token, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	tok, err := g.transport.Authenticate(callCtx)
	if err != nil {
		g.logger.Error("gateway authentication failed", "error", err)
		return "", fmt.Errorf("authenticate: %w", classify(err, domain.ErrGatewayRejected))
	}
	if tok.AccessToken == "" {
		return "", domain.NewError(domain.ErrGatewayRejected, "authenticate", "", "empty access token", nil)
	}

	now := g.clock.Now()
	entry := g.credential.StoreUntil(tok.AccessToken, now, now.Add(tok.ExpiresIn))
	g.logger.Info("gateway credential refreshed", "expires_at", entry.ExpiresAt)
	return tok.AccessToken, nil
}

// ValidateCollectionAmount checks that amount can be collected as is: whole
// shillings within the collection bounds. The returned amount is quantized
// to KES precision.
func ValidateCollectionAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	amount = domain.QuantizeKES(amount)
	if amount.LessThan(MinCollectionKES) || amount.GreaterThan(MaxCollectionKES) {
		return amount, fmt.Errorf("%w: KES %s outside %s-%s", domain.ErrInvalidAmount, amount, MinCollectionKES, MaxCollectionKES)
	}
	if !amount.Equal(amount.Truncate(0)) {
		return amount, fmt.Errorf("%w: KES %s is not a whole shilling amount", domain.ErrInvalidAmount, amount)
	}
	return amount, nil
}

// RequestCollection prompts the payer and returns without waiting for
// their action.
func (g *Gateway) RequestCollection(ctx context.Context, req CollectionRequest) (PendingReceipt, error) {
	handle, err := NormalizeHandle(req.PayeeHandle)
	if err != nil {
		return PendingReceipt{}, err
	}
	req.PayeeHandle = handle
	if req.AmountKES, err = ValidateCollectionAmount(req.AmountKES); err != nil {
		return PendingReceipt{}, err
	}

	token, err := g.EnsureCredential(ctx)
	if err != nil {
		return PendingReceipt{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := g.clock.Now()
	receipt, err := g.transport.PushCollection(callCtx, token, req)
	attrs := []any{
		"op", "request_collection",
		"payee", maskHandle(req.PayeeHandle),
		"amount_kes", req.AmountKES.StringFixed(domain.KESPlaces),
		"reference", req.Reference,
		"memo", req.Memo,
		"duration_ms", g.clock.Now().Sub(start).Milliseconds(),
	}
	if err != nil {
		g.logger.Error("gateway call failed", append(attrs, "error", err)...)
		return PendingReceipt{}, fmt.Errorf("request collection: %w", classify(err, domain.ErrGatewayRejected))
	}
	g.logger.Info("gateway call completed", append(attrs,
		"merchant_request_id", receipt.MerchantRequestID,
		"checkout_request_id", receipt.CheckoutRequestID,
		"response_code", receipt.ResponseCode,
	)...)

	if !receipt.Accepted() {
		return receipt, domain.NewError(domain.ErrGatewayRejected, "request_collection", receipt.CheckoutRequestID,
			fmt.Sprintf("response code %s: %s", receipt.ResponseCode, receipt.ResponseDescription), nil)
	}
	return receipt, nil
}

// PollStatus resolves a collection in one round trip. It is safe to call
// repeatedly. Transport failures and timeouts are reported as
// domain.ErrGatewayTimeout: the outcome is unknown, not failed.
func (g *Gateway) PollStatus(ctx context.Context, checkoutRequestID string) (StatusResult, error) {
	if checkoutRequestID == "" {
		return StatusResult{}, errors.New("checkout request id is required")
	}
	token, err := g.EnsureCredential(ctx)
	if err != nil {
		return StatusResult{}, domain.NewError(domain.ErrGatewayTimeout, "poll_status", checkoutRequestID, "credential unavailable", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := g.clock.Now()
	status, err := g.transport.QueryStatus(callCtx, token, checkoutRequestID)
	attrs := []any{
		"op", "poll_status",
		"checkout_request_id", checkoutRequestID,
		"duration_ms", g.clock.Now().Sub(start).Milliseconds(),
	}
	if err != nil {
		g.logger.Warn("gateway status indeterminate", append(attrs, "error", err)...)
		return StatusResult{}, domain.NewError(domain.ErrGatewayTimeout, "poll_status", checkoutRequestID, "", err)
	}
	g.logger.Info("gateway call completed", append(attrs,
		"result_code", status.ResultCode,
		"result_desc", status.ResultDesc,
		"receipt", status.Receipt,
		"settled_amount", status.SettledAmount.String(),
	)...)
	return status, nil
}

// classify maps timeouts to domain.ErrGatewayTimeout and everything else
// to fallback, unless err already carries a taxonomy kind.
func classify(err error, fallback error) error {
	if domain.KindOf(err) != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.ErrGatewayTimeout, "", "", "", err)
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return domain.NewError(domain.ErrGatewayTimeout, "", "", "", err)
	}
	return domain.NewError(fallback, "", "", "", err)
}

var (
	handleDigits    = regexp.MustCompile(`[\s\-()+]`)
	internationalRe = regexp.MustCompile(`^254[17]\d{8}$`)
	localRe         = regexp.MustCompile(`^0[17]\d{8}$`)
)

// NormalizeHandle converts 07XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX and
// 2547XXXXXXXX forms to the 254XXXXXXXXX form the gateway expects.
func NormalizeHandle(handle string) (string, error) {
	h := handleDigits.ReplaceAllString(strings.TrimSpace(handle), "")
	switch {
	case internationalRe.MatchString(h):
		return h, nil
	case localRe.MatchString(h):
		return "254" + h[1:], nil
	}
	return "", fmt.Errorf("%w: %q (use 254XXXXXXXXX or 07XXXXXXXX)", domain.ErrInvalidPaymentHandle, handle)
}

func maskHandle(handle string) string {
	if len(handle) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(handle)-4) + handle[len(handle)-4:]
}
