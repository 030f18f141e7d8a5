package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/chain"
	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/expiring"
	"github.com/vanshika/paybridge/backend/internal/payments"
	"github.com/vanshika/paybridge/backend/internal/rates"
	"github.com/vanshika/paybridge/backend/internal/team"
)

// QuoteSource reports the current exchange rate with its provenance.
// Snapshot exposes the cached entry so callers can see when it lapses.
type QuoteSource interface {
	Quote(ctx context.Context) rates.Quote
	Snapshot() (expiring.Entry[decimal.Decimal], bool)
}

// APIHandlers exposes the payment workflows over HTTP.
type APIHandlers struct {
	logger *slog.Logger
	orch   *payments.Orchestrator
	quotes QuoteSource
}

// NewAPIHandlers constructs an APIHandlers instance.
func NewAPIHandlers(logger *slog.Logger, orch *payments.Orchestrator, quotes QuoteSource) *APIHandlers {
	return &APIHandlers{
		logger: logger.With("component", "api"),
		orch:   orch,
		quotes: quotes,
	}
}

func (h *APIHandlers) routes(r chi.Router) {
	r.Get("/exchange-rate", h.getExchangeRate)

	r.Post("/deposits", h.initiateDeposit)
	r.Post("/deposits/{transactionID}/complete", h.completeDeposit)
	r.Get("/transactions/{transactionID}", h.getTransaction)
	r.Get("/participants/{participantID}/transactions", h.transactionHistory)

	r.Post("/escrows", h.createEscrow)
	r.Get("/escrows/{escrowID}", h.getEscrow)
	r.Get("/escrows/{escrowID}/chain", h.chainStatus)
	r.Post("/escrows/{escrowID}/milestones/{index}/release", h.releaseMilestone)
	r.Post("/escrows/{escrowID}/cancel", h.cancelEscrow)
}

func (h *APIHandlers) getExchangeRate(w http.ResponseWriter, r *http.Request) {
	q := h.quotes.Quote(r.Context())
	resp := quoteResponse{
		Pair:      "KES/USDC",
		Rate:      q.Rate.String(),
		FetchedAt: formatTime(q.FetchedAt),
		Stale:     q.Stale,
		Fallback:  q.Fallback,
	}
	if entry, ok := h.quotes.Snapshot(); ok && !q.Fallback {
		resp.ExpiresAt = formatTime(entry.ExpiresAt)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandlers) initiateDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	tx, err := h.orch.InitiateDeposit(r.Context(), payments.DepositRequest{
		ParticipantID: req.ParticipantID,
		PaymentHandle: req.PaymentHandle,
		AmountKES:     req.AmountKES,
		Reference:     req.Reference,
	})
	if err != nil {
		h.writeDomainError(w, "initiate deposit", err, tx.ID)
		return
	}
	respondJSON(w, http.StatusAccepted, newTransactionResponse(tx))
}

func (h *APIHandlers) completeDeposit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")
	completed, err := h.orch.CompleteDeposit(r.Context(), id)
	if err != nil && !errors.Is(err, domain.ErrGatewayTimeout) {
		h.writeDomainError(w, "complete deposit", err, id)
		return
	}

	tx, ok, lookupErr := h.orch.Transaction(r.Context(), id)
	if lookupErr != nil {
		h.writeDomainError(w, "complete deposit", lookupErr, id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}

	status := http.StatusOK
	if err != nil {
		// Still pending; the caller may retry.
		status = http.StatusAccepted
	}
	respondJSON(w, status, completionResponse{
		Completed:   completed,
		Transaction: newTransactionResponse(tx),
	})
}

func (h *APIHandlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")
	tx, ok, err := h.orch.Transaction(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "get transaction", err, id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	respondJSON(w, http.StatusOK, newTransactionResponse(tx))
}

func (h *APIHandlers) transactionHistory(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")
	txs, err := h.orch.TransactionHistory(r.Context(), participantID)
	if err != nil {
		h.writeDomainError(w, "transaction history", err, participantID)
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 0)
	if limit > 0 && len(txs) > limit {
		txs = txs[len(txs)-limit:]
	}

	items := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		items = append(items, newTransactionResponse(tx))
	}
	respondJSON(w, http.StatusOK, historyResponse{
		ParticipantID: participantID,
		Transactions:  items,
		Count:         len(items),
	})
}

func (h *APIHandlers) createEscrow(w http.ResponseWriter, r *http.Request) {
	var req escrowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	input, err := req.toInput()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	escrow, err := h.orch.CreateProjectEscrow(r.Context(), input)
	if err != nil {
		var rerr *domain.ReconciliationError
		if errors.As(err, &rerr) {
			h.logger.Error("escrow requires reconciliation", "project_id", rerr.ProjectID, "deposit_transaction_id", rerr.DepositTransactionID, "error", err)
			respondJSON(w, http.StatusBadGateway, reconciliationResponse{
				Error:                rerr.Error(),
				Kind:                 domain.KindName(err),
				ProjectID:            rerr.ProjectID,
				DepositTransactionID: rerr.DepositTransactionID,
				GatewayReference:     rerr.GatewayReference,
			})
			return
		}
		h.writeDomainError(w, "create escrow", err, req.ProjectID)
		return
	}
	respondJSON(w, http.StatusCreated, newEscrowResponse(escrow))
}

func (h *APIHandlers) getEscrow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "escrowID")
	escrow, ok, err := h.orch.Escrow(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "get escrow", err, id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "escrow not found")
		return
	}
	respondJSON(w, http.StatusOK, newEscrowResponse(escrow))
}

func (h *APIHandlers) chainStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "escrowID")
	desc, ok, err := h.orch.ChainStatus(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "chain status", err, id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "escrow not found on chain")
		return
	}
	respondJSON(w, http.StatusOK, newChainStatusResponse(desc))
}

func (h *APIHandlers) releaseMilestone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "escrowID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "milestone index must be an integer")
		return
	}
	var req releaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.RecipientID == "" {
		writeError(w, http.StatusBadRequest, "recipientId is required")
		return
	}

	tx, err := h.orch.ReleaseMilestone(r.Context(), id, index, req.RecipientID)
	if err != nil {
		h.writeDomainError(w, "release milestone", err, id)
		return
	}
	respondJSON(w, http.StatusOK, newTransactionResponse(tx))
}

func (h *APIHandlers) cancelEscrow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "escrowID")
	escrow, err := h.orch.CancelEscrow(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "cancel escrow", err, id)
		return
	}
	respondJSON(w, http.StatusOK, newEscrowResponse(escrow))
}

func (h *APIHandlers) writeDomainError(w http.ResponseWriter, op string, err error, id string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", "id", id, "error", err)
	} else {
		h.logger.Warn(op+" rejected", "id", id, "error", err)
	}
	respondJSON(w, status, errorResponse{Error: err.Error(), Kind: domain.KindName(err)})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.ErrInvalidAmount, domain.ErrInvalidPaymentHandle, domain.ErrAllocationInvalid,
		domain.ErrInvalidMilestones, domain.ErrMilestoneIndexInvalid:
		return http.StatusBadRequest
	case domain.ErrTransactionNotFound, domain.ErrEscrowNotFound:
		return http.StatusNotFound
	case domain.ErrAlreadyReleased, domain.ErrInvalidTransition, domain.ErrEscrowNotActive:
		return http.StatusConflict
	case domain.ErrGatewayTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrGatewayRejected, domain.ErrChainCallFailed, domain.ErrReconciliationRequired:
		return http.StatusBadGateway
	case domain.ErrChainUnreachable, domain.ErrRateUnavailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type depositRequest struct {
	ParticipantID string          `json:"participantId"`
	PaymentHandle string          `json:"paymentHandle"`
	AmountKES     decimal.Decimal `json:"amountKes"`
	Reference     string          `json:"reference"`
}

type milestoneRequest struct {
	Name       string           `json:"name"`
	Percentage *decimal.Decimal `json:"percentage,omitempty"`
	AmountUSDC *decimal.Decimal `json:"amountUsdc,omitempty"`
}

type participantRequest struct {
	ParticipantID string          `json:"participantId"`
	Address       string          `json:"address,omitempty"`
	Percentage    decimal.Decimal `json:"percentage"`
	Skills        []string        `json:"skills,omitempty"`
}

type teamRequest struct {
	Members       []string          `json:"members"`
	SkillCoverage map[string]string `json:"skillCoverage,omitempty"`
}

type escrowRequest struct {
	ProjectID    string                     `json:"projectId"`
	ClientID     string                     `json:"clientId"`
	ClientHandle string                     `json:"clientHandle"`
	AmountKES    decimal.Decimal            `json:"amountKes"`
	Milestones   []milestoneRequest         `json:"milestones"`
	Participants []participantRequest       `json:"participants,omitempty"`
	Team         *teamRequest               `json:"team,omitempty"`
	Overrides    map[string]decimal.Decimal `json:"overrides,omitempty"`
}

type releaseRequest struct {
	RecipientID string `json:"recipientId"`
}

func (req escrowRequest) toInput() (payments.EscrowRequest, error) {
	if req.ProjectID == "" {
		return payments.EscrowRequest{}, errors.New("projectId is required")
	}
	if req.ClientID == "" {
		return payments.EscrowRequest{}, errors.New("clientId is required")
	}

	milestones := make([]domain.MilestoneSpec, len(req.Milestones))
	for i, m := range req.Milestones {
		milestones[i] = domain.MilestoneSpec{Name: m.Name, Percentage: m.Percentage, AmountUSDC: m.AmountUSDC}
	}
	var participants []domain.Allocation
	for _, p := range req.Participants {
		participants = append(participants, domain.Allocation{
			ParticipantID: p.ParticipantID,
			Address:       p.Address,
			Percentage:    p.Percentage,
			Skills:        p.Skills,
		})
	}

	input := payments.EscrowRequest{
		ProjectID:    req.ProjectID,
		ClientID:     req.ClientID,
		ClientHandle: req.ClientHandle,
		AmountKES:    req.AmountKES,
		Milestones:   milestones,
		Participants: participants,
		Overrides:    req.Overrides,
	}
	if req.Team != nil {
		input.Team = &team.Formation{Members: req.Team.Members, SkillCoverage: req.Team.SkillCoverage}
	}
	return input, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type reconciliationResponse struct {
	Error                string `json:"error"`
	Kind                 string `json:"kind"`
	ProjectID            string `json:"projectId"`
	DepositTransactionID string `json:"depositTransactionId"`
	GatewayReference     string `json:"gatewayReference"`
}

type quoteResponse struct {
	Pair      string `json:"pair"`
	Rate      string `json:"rate"`
	FetchedAt string `json:"fetchedAt,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Stale     bool   `json:"stale"`
	Fallback  bool   `json:"fallback"`
}

type transactionResponse struct {
	ID                 string `json:"id"`
	ParticipantID      string `json:"participantId"`
	Kind               string `json:"kind"`
	Status             string `json:"status"`
	AmountKES          string `json:"amountKes"`
	AmountUSDC         string `json:"amountUsdc"`
	ExchangeRate       string `json:"exchangeRate"`
	Reference          string `json:"reference,omitempty"`
	GatewayReference   string `json:"gatewayReference,omitempty"`
	GatewayReceipt     string `json:"gatewayReceipt,omitempty"`
	ChainTransactionID string `json:"chainTransactionId,omitempty"`
	FailureReason      string `json:"failureReason,omitempty"`
	CreatedAt          string `json:"createdAt"`
	CompletedAt        string `json:"completedAt,omitempty"`
}

type completionResponse struct {
	Completed   bool                `json:"completed"`
	Transaction transactionResponse `json:"transaction"`
}

type historyResponse struct {
	ParticipantID string                `json:"participantId"`
	Transactions  []transactionResponse `json:"transactions"`
	Count         int                   `json:"count"`
}

type milestoneResponse struct {
	Index                int    `json:"index"`
	Name                 string `json:"name"`
	Percentage           string `json:"percentage,omitempty"`
	AmountUSDC           string `json:"amountUsdc"`
	Released             bool   `json:"released"`
	ReleasedAt           string `json:"releasedAt,omitempty"`
	ReleaseTransactionID string `json:"releaseTransactionId,omitempty"`
}

type allocationResponse struct {
	ParticipantID string   `json:"participantId"`
	Address       string   `json:"address"`
	Percentage    string   `json:"percentage"`
	ShareUSDC     string   `json:"shareUsdc,omitempty"`
	Skills        []string `json:"skills,omitempty"`
}

type escrowResponse struct {
	ID                   string               `json:"id"`
	ProjectID            string               `json:"projectId"`
	ClientID             string               `json:"clientId"`
	Status               string               `json:"status"`
	TotalKES             string               `json:"totalKes"`
	TotalUSDC            string               `json:"totalUsdc"`
	ReleasedUSDC         string               `json:"releasedUsdc"`
	Milestones           []milestoneResponse  `json:"milestones"`
	Participants         []allocationResponse `json:"participants"`
	DepositTransactionID string               `json:"depositTransactionId"`
	ChainEscrowID        string               `json:"chainEscrowId"`
	CreatedAt            string               `json:"createdAt"`
	UpdatedAt            string               `json:"updatedAt"`
}

type chainStatusResponse struct {
	EscrowID           string `json:"escrowId"`
	ProjectID          string `json:"projectId"`
	State              string `json:"state"`
	TotalUSDC          string `json:"totalUsdc"`
	ClientAddress      string `json:"clientAddress"`
	MilestoneCount     int    `json:"milestoneCount"`
	ReleasedMilestones []int  `json:"releasedMilestones"`
	TransactionID      string `json:"transactionId,omitempty"`
	CreatedAt          string `json:"createdAt,omitempty"`
}

func newTransactionResponse(tx domain.PaymentTransaction) transactionResponse {
	return transactionResponse{
		ID:                 tx.ID,
		ParticipantID:      tx.ParticipantID,
		Kind:               string(tx.Kind),
		Status:             string(tx.Status),
		AmountKES:          tx.AmountKES.StringFixed(domain.KESPlaces),
		AmountUSDC:         tx.AmountUSDC.StringFixed(domain.USDCPlaces),
		ExchangeRate:       tx.ExchangeRate.String(),
		Reference:          tx.Reference,
		GatewayReference:   tx.GatewayReference,
		GatewayReceipt:     tx.GatewayReceipt,
		ChainTransactionID: tx.ChainTransactionID,
		FailureReason:      tx.FailureReason,
		CreatedAt:          formatTime(tx.CreatedAt),
		CompletedAt:        formatTimePtr(tx.CompletedAt),
	}
}

func newEscrowResponse(e domain.EscrowPayment) escrowResponse {
	milestones := make([]milestoneResponse, len(e.Milestones))
	for i, m := range e.Milestones {
		resp := milestoneResponse{
			Index:                i,
			Name:                 m.Name,
			AmountUSDC:           m.AmountUSDC.StringFixed(domain.USDCPlaces),
			Released:             m.Released,
			ReleasedAt:           formatTimePtr(m.ReleasedAt),
			ReleaseTransactionID: m.ReleaseTransactionID,
		}
		if m.Percentage != nil {
			resp.Percentage = m.Percentage.String()
		}
		milestones[i] = resp
	}
	// Stored allocations were validated at creation; a split error only
	// drops the share column.
	shares, _ := chain.PaymentSplit(e.TotalUSDC, e.Participants)
	participants := make([]allocationResponse, len(e.Participants))
	for i, p := range e.Participants {
		participants[i] = allocationResponse{
			ParticipantID: p.ParticipantID,
			Address:       p.Address,
			Percentage:    p.Percentage.StringFixed(2),
			Skills:        p.Skills,
		}
		if i < len(shares) {
			participants[i].ShareUSDC = shares[i].AmountUSDC.StringFixed(domain.USDCPlaces)
		}
	}
	return escrowResponse{
		ID:                   e.ID,
		ProjectID:            e.ProjectID,
		ClientID:             e.ClientID,
		Status:               string(e.Status),
		TotalKES:             e.TotalKES.StringFixed(domain.KESPlaces),
		TotalUSDC:            e.TotalUSDC.StringFixed(domain.USDCPlaces),
		ReleasedUSDC:         e.ReleasedUSDC().StringFixed(domain.USDCPlaces),
		Milestones:           milestones,
		Participants:         participants,
		DepositTransactionID: e.DepositTransactionID,
		ChainEscrowID:        e.ChainEscrowID,
		CreatedAt:            formatTime(e.CreatedAt),
		UpdatedAt:            formatTime(e.UpdatedAt),
	}
}

func newChainStatusResponse(d chain.EscrowDescriptor) chainStatusResponse {
	released := d.ReleasedMilestones
	if released == nil {
		released = []int{}
	}
	return chainStatusResponse{
		EscrowID:           d.EscrowID,
		ProjectID:          d.ProjectID,
		State:              d.State,
		TotalUSDC:          d.TotalUSDC.StringFixed(domain.USDCPlaces),
		ClientAddress:      d.ClientAddress,
		MilestoneCount:     d.MilestoneCount,
		ReleasedMilestones: released,
		TransactionID:      d.TransactionID,
		CreatedAt:          formatTime(d.CreatedAt),
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	if v, err := strconv.Atoi(value); err == nil {
		return v
	}
	return fallback
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
	})
}
