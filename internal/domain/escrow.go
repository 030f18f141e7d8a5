package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowActive    EscrowStatus = "active"
	EscrowCompleted EscrowStatus = "completed"
	EscrowCancelled EscrowStatus = "cancelled"
)

// AllocationTolerance bounds how far allocation percentages may drift from 100.
var AllocationTolerance = decimal.RequireFromString("0.01")

var hundred = decimal.NewFromInt(100)

// Allocation is one participant's share of an escrow.
type Allocation struct {
	ParticipantID string
	Address       string
	Percentage    decimal.Decimal
	Skills        []string
}

// ValidateAllocations checks that percentages are positive and sum to 100
// within AllocationTolerance.
func ValidateAllocations(allocs []Allocation) error {
	if len(allocs) == 0 {
		return fmt.Errorf("%w: no participants", ErrAllocationInvalid)
	}
	sum := decimal.Zero
	for _, a := range allocs {
		if a.ParticipantID == "" {
			return fmt.Errorf("%w: participant id is required", ErrAllocationInvalid)
		}
		if !a.Percentage.IsPositive() {
			return fmt.Errorf("%w: participant %s has non-positive share %s", ErrAllocationInvalid, a.ParticipantID, a.Percentage)
		}
		sum = sum.Add(a.Percentage)
	}
	if sum.Sub(hundred).Abs().GreaterThan(AllocationTolerance) {
		return fmt.Errorf("%w: got %s%%", ErrAllocationInvalid, sum)
	}
	return nil
}

// MilestoneSpec is a caller-supplied milestone: either a percentage of the
// escrow total or an absolute USDC amount.
type MilestoneSpec struct {
	Name       string
	Percentage *decimal.Decimal
	AmountUSDC *decimal.Decimal
}

// Milestone is a named portion of an escrow, released at most once.
type Milestone struct {
	Name                 string
	Percentage           *decimal.Decimal
	AmountUSDC           decimal.Decimal
	Released             bool
	ReleasedAt           *time.Time
	ReleaseTransactionID string
}

// ResolveMilestones turns specs into milestones with concrete USDC amounts.
// When percentage milestones cover exactly 100% of the total, the last of
// them absorbs the rounding remainder so the amounts sum to total exactly.
func ResolveMilestones(total decimal.Decimal, specs []MilestoneSpec) ([]Milestone, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: at least one milestone is required", ErrInvalidMilestones)
	}
	out := make([]Milestone, len(specs))
	sum := decimal.Zero
	pctSum := decimal.Zero
	lastPct := -1
	for i, spec := range specs {
		m := Milestone{Name: spec.Name}
		if m.Name == "" {
			m.Name = fmt.Sprintf("Milestone %d", i+1)
		}
		switch {
		case spec.Percentage != nil && spec.AmountUSDC != nil:
			return nil, fmt.Errorf("%w: milestone %d sets both percentage and amount", ErrInvalidMilestones, i)
		case spec.Percentage != nil:
			pct := *spec.Percentage
			if !pct.IsPositive() || pct.GreaterThan(hundred) {
				return nil, fmt.Errorf("%w: milestone %d percentage %s out of range", ErrInvalidMilestones, i, pct)
			}
			m.Percentage = &pct
			m.AmountUSDC = QuantizeUSDC(total.Mul(pct).Div(hundred))
			pctSum = pctSum.Add(pct)
			lastPct = i
		case spec.AmountUSDC != nil:
			if !spec.AmountUSDC.IsPositive() {
				return nil, fmt.Errorf("%w: milestone %d amount must be positive", ErrInvalidMilestones, i)
			}
			m.AmountUSDC = QuantizeUSDC(*spec.AmountUSDC)
		default:
			return nil, fmt.Errorf("%w: milestone %d needs a percentage or an amount", ErrInvalidMilestones, i)
		}
		sum = sum.Add(m.AmountUSDC)
		out[i] = m
	}
	if lastPct >= 0 && pctSum.Equal(hundred) {
		remainder := total.Sub(sum)
		out[lastPct].AmountUSDC = out[lastPct].AmountUSDC.Add(remainder)
		sum = total
	}
	if sum.GreaterThan(total) {
		return nil, fmt.Errorf("%w: milestones total %s exceeds escrow total %s", ErrInvalidMilestones, sum, total)
	}
	return out, nil
}

// EscrowPayment is the off-chain record of a project escrow.
type EscrowPayment struct {
	ID                   string
	ProjectID            string
	ClientID             string
	TotalKES             decimal.Decimal
	TotalUSDC            decimal.Decimal
	Milestones           []Milestone
	Participants         []Allocation
	Status               EscrowStatus
	DepositTransactionID string
	ChainEscrowID        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Milestone returns the milestone at index or ErrMilestoneIndexInvalid.
func (e *EscrowPayment) Milestone(index int) (*Milestone, error) {
	if index < 0 || index >= len(e.Milestones) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrMilestoneIndexInvalid, index, len(e.Milestones))
	}
	return &e.Milestones[index], nil
}

// ReleaseMilestone marks one milestone released. Once every milestone is
// released the escrow is completed.
func (e *EscrowPayment) ReleaseMilestone(index int, transactionID string, now time.Time) error {
	if e.Status != EscrowActive {
		return fmt.Errorf("%w: escrow %s is %s", ErrEscrowNotActive, e.ID, e.Status)
	}
	m, err := e.Milestone(index)
	if err != nil {
		return err
	}
	if m.Released {
		return fmt.Errorf("%w: escrow %s milestone %d", ErrAlreadyReleased, e.ID, index)
	}
	m.Released = true
	m.ReleasedAt = &now
	m.ReleaseTransactionID = transactionID
	e.UpdatedAt = now
	if e.AllReleased() {
		e.Status = EscrowCompleted
	}
	return nil
}

// AllReleased reports whether no milestone remains locked.
func (e *EscrowPayment) AllReleased() bool {
	for _, m := range e.Milestones {
		if !m.Released {
			return false
		}
	}
	return true
}

// ReleasedUSDC sums the released milestone amounts.
func (e *EscrowPayment) ReleasedUSDC() decimal.Decimal {
	sum := decimal.Zero
	for _, m := range e.Milestones {
		if m.Released {
			sum = sum.Add(m.AmountUSDC)
		}
	}
	return sum
}

// Cancel is the administrative active → cancelled transition.
func (e *EscrowPayment) Cancel(now time.Time) error {
	if e.Status != EscrowActive {
		return fmt.Errorf("%w: escrow %s is %s", ErrInvalidTransition, e.ID, e.Status)
	}
	e.Status = EscrowCancelled
	e.UpdatedAt = now
	return nil
}

// Clone deep-copies the escrow so stored records cannot be mutated through
// returned values.
func (e EscrowPayment) Clone() EscrowPayment {
	ms := make([]Milestone, len(e.Milestones))
	for i, m := range e.Milestones {
		if m.Percentage != nil {
			p := *m.Percentage
			m.Percentage = &p
		}
		if m.ReleasedAt != nil {
			at := *m.ReleasedAt
			m.ReleasedAt = &at
		}
		ms[i] = m
	}
	e.Milestones = ms
	ps := make([]Allocation, len(e.Participants))
	for i, p := range e.Participants {
		p.Skills = append([]string(nil), p.Skills...)
		ps[i] = p
	}
	e.Participants = ps
	return e
}
