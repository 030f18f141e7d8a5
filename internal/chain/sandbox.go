package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vanshika/paybridge/backend/internal/clock"
	"github.com/vanshika/paybridge/backend/internal/domain"
)

// Gas figures reported by the sandbox chain.
const (
	SandboxGasSuccess uint64 = 1_000_000
	SandboxGasFailure uint64 = 500_000
)

// ErrSandboxOffline is returned while the sandbox simulates an outage.
var ErrSandboxOffline = errors.New("sandbox chain offline")

type sandboxEscrow struct {
	desc     EscrowDescriptor
	released map[int]bool
}

// SandboxClient is an in-memory escrow contract. An approver must be the
// client, a participant, or the operator address.
type SandboxClient struct {
	mu           sync.Mutex
	clock        clock.Clock
	operator     string
	escrows      map[string]*sandboxEscrow
	offline      bool
	createFail   string
	releaseFail  string
	seq          int
	createCalls  int
	releaseCalls int
}

// NewSandboxClient builds a sandbox. operator may be empty.
func NewSandboxClient(clk clock.Clock, operator string) *SandboxClient {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &SandboxClient{
		clock:    clk,
		operator: operator,
		escrows:  make(map[string]*sandboxEscrow),
	}
}

// SetOffline toggles a simulated connectivity outage.
func (s *SandboxClient) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailCreates makes escrow creation return a failed result with reason.
// An empty reason restores normal behaviour.
func (s *SandboxClient) FailCreates(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createFail = reason
}

// FailReleases makes milestone releases return a failed result with reason.
// An empty reason restores normal behaviour.
func (s *SandboxClient) FailReleases(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseFail = reason
}

// Calls reports how many create and release calls reached the sandbox.
func (s *SandboxClient) Calls() (create, release int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls, s.releaseCalls
}

func (s *SandboxClient) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (EscrowDescriptor, CallResult, error) {
	if err := ctx.Err(); err != nil {
		return EscrowDescriptor{}, CallResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.offline {
		return EscrowDescriptor{}, CallResult{}, ErrSandboxOffline
	}

	s.seq++
	txID := s.digest("create", req.ProjectID)
	if s.createFail != "" {
		return EscrowDescriptor{}, CallResult{TransactionID: txID, GasUsed: SandboxGasFailure, Status: CallFailed, Reason: s.createFail}, nil
	}

	participants := make([]domain.Allocation, len(req.Participants))
	copy(participants, req.Participants)
	desc := EscrowDescriptor{
		EscrowID:       s.digest("escrow", req.ProjectID),
		ProjectID:      req.ProjectID,
		TotalUSDC:      req.TotalUSDC,
		ClientAddress:  req.ClientAddress,
		Participants:   participants,
		MilestoneCount: req.MilestoneCount,
		State:          EscrowStateActive,
		TransactionID:  txID,
		GasUsed:        SandboxGasSuccess,
		CreatedAt:      s.clock.Now().UTC(),
	}
	s.escrows[desc.EscrowID] = &sandboxEscrow{desc: desc, released: make(map[int]bool)}
	return desc, CallResult{TransactionID: txID, GasUsed: SandboxGasSuccess, Status: CallSucceeded}, nil
}

func (s *SandboxClient) ReleaseMilestone(ctx context.Context, escrowID string, milestone int, approver string) (CallResult, error) {
	if err := ctx.Err(); err != nil {
		return CallResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseCalls++
	if s.offline {
		return CallResult{}, ErrSandboxOffline
	}

	s.seq++
	txID := s.digest("release", fmt.Sprintf("%s/%d", escrowID, milestone))
	fail := func(reason string) (CallResult, error) {
		return CallResult{TransactionID: txID, GasUsed: SandboxGasFailure, Status: CallFailed, Reason: reason}, nil
	}

	if s.releaseFail != "" {
		return fail(s.releaseFail)
	}
	e, ok := s.escrows[escrowID]
	if !ok {
		return fail("escrow not found")
	}
	if milestone < 1 || milestone > e.desc.MilestoneCount || !s.authorized(e, approver) {
		return fail("Insufficient permissions or invalid milestone")
	}
	if e.released[milestone] {
		return fail("milestone already released")
	}

	e.released[milestone] = true
	if len(e.released) == e.desc.MilestoneCount {
		e.desc.State = EscrowStateCompleted
	}
	return CallResult{TransactionID: txID, GasUsed: SandboxGasSuccess, Status: CallSucceeded}, nil
}

func (s *SandboxClient) EscrowStatus(ctx context.Context, escrowID string) (EscrowDescriptor, bool, error) {
	if err := ctx.Err(); err != nil {
		return EscrowDescriptor{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return EscrowDescriptor{}, false, ErrSandboxOffline
	}
	e, ok := s.escrows[escrowID]
	if !ok {
		return EscrowDescriptor{}, false, nil
	}
	desc := e.desc
	desc.Participants = append([]domain.Allocation(nil), e.desc.Participants...)
	desc.ReleasedMilestones = make([]int, 0, len(e.released))
	for m := range e.released {
		desc.ReleasedMilestones = append(desc.ReleasedMilestones, m)
	}
	sort.Ints(desc.ReleasedMilestones)
	return desc, true, nil
}

func (s *SandboxClient) authorized(e *sandboxEscrow, approver string) bool {
	if approver == "" {
		return false
	}
	if approver == e.desc.ClientAddress || approver == s.operator {
		return true
	}
	for _, p := range e.desc.Participants {
		if p.Address == approver {
			return true
		}
	}
	return false
}

// digest derives a 0x-prefixed 32-byte identifier. Callers hold s.mu.
func (s *SandboxClient) digest(kind, subject string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d", kind, subject, s.seq, s.clock.Now().UnixNano())))
	return "0x" + hex.EncodeToString(sum[:])
}
