package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/domain"
)

// RelayClient speaks JSON over HTTP to an escrow relay that submits
// transactions to the contract on the caller's behalf.
//
//	POST /escrows                              create
//	POST /escrows/{id}/milestones/{n}/release  release (n is 1-based)
//	GET  /escrows/{id}                         status
//
// 4xx replies carrying {"status":"failed","reason":...} are business
// failures; transport errors and 5xx replies are connectivity failures.
type RelayClient struct {
	baseURL string
	client  *http.Client
	apiKey  string
}

// NewRelayClient builds a relay client. A nil client uses http.DefaultClient.
func NewRelayClient(baseURL, apiKey string, client *http.Client) (*RelayClient, error) {
	if baseURL == "" {
		return nil, errors.New("relay base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse relay base URL: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &RelayClient{baseURL: strings.TrimRight(baseURL, "/"), client: client, apiKey: apiKey}, nil
}

type relayParticipant struct {
	ParticipantID     string          `json:"participant_id"`
	Address           string          `json:"address"`
	AllocationPercent decimal.Decimal `json:"allocation_percent"`
}

type relayCreateRequest struct {
	ProjectID      string             `json:"project_id"`
	TotalUSDC      decimal.Decimal    `json:"total_usdc"`
	ClientAddress  string             `json:"client_address"`
	Participants   []relayParticipant `json:"participants"`
	MilestoneCount int                `json:"milestone_count"`
}

type relayCallResult struct {
	EscrowID      string `json:"escrow_id,omitempty"`
	TransactionID string `json:"transaction_id"`
	GasUsed       uint64 `json:"gas_used"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

type relayEscrow struct {
	EscrowID           string             `json:"escrow_id"`
	ProjectID          string             `json:"project_id"`
	TotalUSDC          decimal.Decimal    `json:"total_usdc"`
	ClientAddress      string             `json:"client_address"`
	Participants       []relayParticipant `json:"participants"`
	MilestoneCount     int                `json:"milestone_count"`
	ReleasedMilestones []int              `json:"released_milestones"`
	State              string             `json:"state"`
	TransactionID      string             `json:"transaction_id"`
	CreatedAt          time.Time          `json:"created_at"`
}

func (r *RelayClient) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (EscrowDescriptor, CallResult, error) {
	body := relayCreateRequest{
		ProjectID:      req.ProjectID,
		TotalUSDC:      req.TotalUSDC,
		ClientAddress:  req.ClientAddress,
		MilestoneCount: req.MilestoneCount,
	}
	for _, p := range req.Participants {
		body.Participants = append(body.Participants, relayParticipant{
			ParticipantID:     p.ParticipantID,
			Address:           p.Address,
			AllocationPercent: p.Percentage,
		})
	}

	var out relayCallResult
	if _, err := r.call(ctx, http.MethodPost, "/escrows", body, &out); err != nil {
		return EscrowDescriptor{}, CallResult{}, err
	}
	res := out.result()
	if !res.Succeeded() {
		return EscrowDescriptor{}, res, nil
	}
	participants := make([]domain.Allocation, len(req.Participants))
	copy(participants, req.Participants)
	return EscrowDescriptor{
		EscrowID:       out.EscrowID,
		ProjectID:      req.ProjectID,
		TotalUSDC:      req.TotalUSDC,
		ClientAddress:  req.ClientAddress,
		Participants:   participants,
		MilestoneCount: req.MilestoneCount,
		State:          EscrowStateActive,
		TransactionID:  out.TransactionID,
		GasUsed:        out.GasUsed,
	}, res, nil
}

func (r *RelayClient) ReleaseMilestone(ctx context.Context, escrowID string, milestone int, approver string) (CallResult, error) {
	path := "/escrows/" + url.PathEscape(escrowID) + "/milestones/" + strconv.Itoa(milestone) + "/release"
	var out relayCallResult
	if _, err := r.call(ctx, http.MethodPost, path, map[string]string{"approver": approver}, &out); err != nil {
		return CallResult{}, err
	}
	return out.result(), nil
}

func (r *RelayClient) EscrowStatus(ctx context.Context, escrowID string) (EscrowDescriptor, bool, error) {
	var out relayEscrow
	status, err := r.call(ctx, http.MethodGet, "/escrows/"+url.PathEscape(escrowID), nil, &out)
	if err != nil {
		return EscrowDescriptor{}, false, err
	}
	if status == http.StatusNotFound {
		return EscrowDescriptor{}, false, nil
	}
	desc := EscrowDescriptor{
		EscrowID:           out.EscrowID,
		ProjectID:          out.ProjectID,
		TotalUSDC:          out.TotalUSDC,
		ClientAddress:      out.ClientAddress,
		MilestoneCount:     out.MilestoneCount,
		ReleasedMilestones: out.ReleasedMilestones,
		State:              out.State,
		TransactionID:      out.TransactionID,
		CreatedAt:          out.CreatedAt,
	}
	for _, p := range out.Participants {
		desc.Participants = append(desc.Participants, domain.Allocation{
			ParticipantID: p.ParticipantID,
			Address:       p.Address,
			Percentage:    p.AllocationPercent,
		})
	}
	return desc, true, nil
}

func (o relayCallResult) result() CallResult {
	status := CallFailed
	if strings.EqualFold(o.Status, string(CallSucceeded)) {
		status = CallSucceeded
	}
	return CallResult{TransactionID: o.TransactionID, GasUsed: o.GasUsed, Status: status, Reason: o.Reason}
}

// call performs one request. It decodes 2xx bodies and 4xx bodies (business
// failures) into out, returns the status code, and reports 5xx and
// transport problems as errors. A 404 on GET is returned without decoding.
func (r *RelayClient) call(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode relay request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read relay response: %w", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("relay %s %s: http %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	case method == http.MethodGet && resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode relay response (http %d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}
