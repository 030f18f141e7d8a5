package mobilemoney

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/clock"
)

// SandboxOutcome scripts how the sandbox treats a payee.
type SandboxOutcome int

const (
	// OutcomeApprove accepts the prompt and settles it on the first poll.
	OutcomeApprove SandboxOutcome = iota
	// OutcomeDecline accepts the prompt; polling reports the payer declined.
	OutcomeDecline
	// OutcomeReject refuses the prompt outright with a non-zero response code.
	OutcomeReject
	// OutcomeTimeout blocks the push until the caller's context ends.
	OutcomeTimeout
	// OutcomePending accepts the prompt; polling never resolves.
	OutcomePending
)

type sandboxCollection struct {
	request CollectionRequest
	outcome SandboxOutcome
	seq     int
	at      time.Time
}

// SandboxTransport is an in-memory Transport. Payees default to
// OutcomeApprove; Script overrides the behaviour for a given handle.
type SandboxTransport struct {
	mu          sync.Mutex
	clock       clock.Clock
	tokenTTL    time.Duration
	scripts     map[string]SandboxOutcome
	collections map[string]sandboxCollection
	authErr     error
	seq         int
	authCalls   int
	pushCalls   int
	pollCalls   int
}

// NewSandboxTransport builds a sandbox whose tokens live for tokenTTL.
func NewSandboxTransport(clk clock.Clock, tokenTTL time.Duration) *SandboxTransport {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &SandboxTransport{
		clock:       clk,
		tokenTTL:    tokenTTL,
		scripts:     make(map[string]SandboxOutcome),
		collections: make(map[string]sandboxCollection),
	}
}

// Script sets the outcome for a normalized payee handle.
func (s *SandboxTransport) Script(handle string, outcome SandboxOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[handle] = outcome
}

// FailAuthentication makes Authenticate return err until cleared with nil.
func (s *SandboxTransport) FailAuthentication(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authErr = err
}

// Resolve changes the outcome of an already pushed collection. Used to
// settle a collection that was left pending.
func (s *SandboxTransport) Resolve(checkoutRequestID string, outcome SandboxOutcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[checkoutRequestID]
	if !ok {
		return false
	}
	c.outcome = outcome
	s.collections[checkoutRequestID] = c
	return true
}

// Calls reports how many authenticate, push and poll calls were made.
func (s *SandboxTransport) Calls() (auth, push, poll int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls, s.pushCalls, s.pollCalls
}

func (s *SandboxTransport) Authenticate(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCalls++
	if s.authErr != nil {
		return Token{}, s.authErr
	}
	return Token{
		AccessToken: fmt.Sprintf("sbx-token-%d", s.authCalls),
		ExpiresIn:   s.tokenTTL,
	}, nil
}

func (s *SandboxTransport) PushCollection(ctx context.Context, accessToken string, req CollectionRequest) (PendingReceipt, error) {
	s.mu.Lock()
	s.pushCalls++
	outcome := s.scripts[req.PayeeHandle]
	s.mu.Unlock()

	if outcome == OutcomeTimeout {
		<-ctx.Done()
		return PendingReceipt{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	merchantID := fmt.Sprintf("%05d-%08d-1", 29115, s.seq)
	checkoutID := fmt.Sprintf("ws_CO_%s%06d", s.clock.Now().UTC().Format(darajaTimestampLayout), s.seq)

	if outcome == OutcomeReject {
		return PendingReceipt{
			MerchantRequestID:   merchantID,
			CheckoutRequestID:   checkoutID,
			ResponseCode:        "1",
			ResponseDescription: "Rejected by sandbox",
		}, nil
	}

	s.collections[checkoutID] = sandboxCollection{request: req, outcome: outcome, seq: s.seq, at: s.clock.Now()}
	return PendingReceipt{
		MerchantRequestID:   merchantID,
		CheckoutRequestID:   checkoutID,
		ResponseCode:        ResultSuccess,
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

func (s *SandboxTransport) QueryStatus(ctx context.Context, accessToken, checkoutRequestID string) (StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollCalls++

	c, ok := s.collections[checkoutRequestID]
	if !ok {
		return StatusResult{}, fmt.Errorf("sandbox: unknown checkout request %q", checkoutRequestID)
	}
	res := StatusResult{CheckoutRequestID: checkoutRequestID}
	switch c.outcome {
	case OutcomeApprove:
		res.ResultCode = ResultSuccess
		res.ResultDesc = "The service request is processed successfully."
		res.SettledAmount = c.request.AmountKES
		res.Receipt = fmt.Sprintf("SBX%07d", c.seq)
		res.SettledAt = s.clock.Now().UTC()
	case OutcomeDecline:
		res.ResultCode = "1032"
		res.ResultDesc = "Request cancelled by user"
		res.SettledAmount = decimal.Zero
	default:
		if err := ctx.Err(); err != nil {
			return StatusResult{}, err
		}
		return StatusResult{}, fmt.Errorf("sandbox: %w", context.DeadlineExceeded)
	}
	return res, nil
}
