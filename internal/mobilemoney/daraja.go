package mobilemoney

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/clock"
	"github.com/vanshika/paybridge/backend/internal/domain"
)

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"

	darajaTimestampLayout = "20060102150405"
)

// eat is East Africa Time; Daraja timestamps are local to Nairobi.
var eat = time.FixedZone("EAT", 3*60*60)

// DarajaConfig holds merchant credentials for the Daraja API.
type DarajaConfig struct {
	BaseURL           string
	ConsumerKey       string
	ConsumerSecret    string
	BusinessShortCode string
	Passkey           string
	CallbackURL       string
}

// DarajaTransport implements Transport against Safaricom's Daraja API
// (OAuth client credentials, STK push, STK push query).
type DarajaTransport struct {
	cfg    DarajaConfig
	client *http.Client
	clock  clock.Clock
}

// NewDarajaTransport builds a transport. A nil client uses http.DefaultClient.
func NewDarajaTransport(cfg DarajaConfig, client *http.Client, clk clock.Clock) (*DarajaTransport, error) {
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, errors.New("daraja consumer key and secret are required")
	}
	if cfg.BusinessShortCode == "" || cfg.Passkey == "" {
		return nil, errors.New("daraja business short code and passkey are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = http.DefaultClient
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &DarajaTransport{cfg: cfg, client: client, clock: clk}, nil
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (d *DarajaTransport) Authenticate(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return Token{}, err
	}
	req.SetBasicAuth(d.cfg.ConsumerKey, d.cfg.ConsumerSecret)

	var out oauthResponse
	if err := d.do(req, &out); err != nil {
		return Token{}, err
	}
	secs, err := strconv.Atoi(strings.TrimSpace(out.ExpiresIn))
	if err != nil {
		return Token{}, fmt.Errorf("parse expires_in %q: %w", out.ExpiresIn, err)
	}
	return Token{AccessToken: out.AccessToken, ExpiresIn: time.Duration(secs) * time.Second}, nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

func (d *DarajaTransport) PushCollection(ctx context.Context, accessToken string, in CollectionRequest) (PendingReceipt, error) {
	password, timestamp := d.password()
	// Daraja only accepts whole shillings.
	if !in.AmountKES.Equal(in.AmountKES.Truncate(0)) {
		return PendingReceipt{}, fmt.Errorf("%w: daraja cannot collect fractional KES %s", domain.ErrInvalidAmount, in.AmountKES)
	}
	amount := in.AmountKES.IntPart()
	body := stkPushRequest{
		BusinessShortCode: d.cfg.BusinessShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            in.PayeeHandle,
		PartyB:            d.cfg.BusinessShortCode,
		PhoneNumber:       in.PayeeHandle,
		CallBackURL:       d.cfg.CallbackURL,
		AccountReference:  truncate(in.Reference, 12),
		TransactionDesc:   truncate(in.Memo, 13),
	}

	req, err := d.jsonRequest(ctx, "/mpesa/stkpush/v1/processrequest", accessToken, body)
	if err != nil {
		return PendingReceipt{}, err
	}
	var out stkPushResponse
	if err := d.do(req, &out); err != nil {
		return PendingReceipt{}, err
	}
	return PendingReceipt(out), nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode       string          `json:"ResponseCode"`
	CheckoutRequestID  string          `json:"CheckoutRequestID"`
	ResultCode         string          `json:"ResultCode"`
	ResultDesc         string          `json:"ResultDesc"`
	Amount             decimal.Decimal `json:"Amount"`
	MpesaReceiptNumber string          `json:"MpesaReceiptNumber"`
	TransactionDate    json.Number     `json:"TransactionDate"`
}

func (d *DarajaTransport) QueryStatus(ctx context.Context, accessToken, checkoutRequestID string) (StatusResult, error) {
	password, timestamp := d.password()
	req, err := d.jsonRequest(ctx, "/mpesa/stkpushquery/v1/query", accessToken, stkQueryRequest{
		BusinessShortCode: d.cfg.BusinessShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	})
	if err != nil {
		return StatusResult{}, err
	}
	var out stkQueryResponse
	if err := d.do(req, &out); err != nil {
		return StatusResult{}, err
	}

	res := StatusResult{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        out.ResultCode,
		ResultDesc:        out.ResultDesc,
		SettledAmount:     out.Amount,
		Receipt:           out.MpesaReceiptNumber,
	}
	if out.TransactionDate != "" {
		if at, err := time.ParseInLocation(darajaTimestampLayout, out.TransactionDate.String(), eat); err == nil {
			res.SettledAt = at.UTC()
		} else if secs, err := out.TransactionDate.Int64(); err == nil {
			res.SettledAt = time.Unix(secs, 0).UTC()
		}
	}
	return res, nil
}

// password returns base64(shortcode + passkey + timestamp) and the timestamp.
func (d *DarajaTransport) password() (string, string) {
	ts := d.clock.Now().In(eat).Format(darajaTimestampLayout)
	raw := d.cfg.BusinessShortCode + d.cfg.Passkey + ts
	return base64.StdEncoding.EncodeToString([]byte(raw)), ts
}

func (d *DarajaTransport) jsonRequest(ctx context.Context, path, accessToken string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

type darajaError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (d *DarajaTransport) do(req *http.Request, out any) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode/100 != 2 {
		var de darajaError
		if json.Unmarshal(body, &de) == nil && de.ErrorCode != "" {
			return fmt.Errorf("daraja %s: %s %s", req.URL.Path, de.ErrorCode, de.ErrorMessage)
		}
		return fmt.Errorf("daraja %s: http %d", req.URL.Path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
