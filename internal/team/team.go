package team

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/domain"
)

// percentPlaces is the precision allocation percentages are split to.
const percentPlaces = 2

// Formation is what the team-formation recommender hands over: the chosen
// members and which member covers each required skill.
type Formation struct {
	Members       []string
	SkillCoverage map[string]string
}

// AddressFunc resolves a participant to a settlement address.
type AddressFunc func(participantID string) string

// DeriveAddress returns a deterministic 0x-prefixed 20-byte address for a
// participant that has not registered a wallet.
func DeriveAddress(participantID string) string {
	sum := sha256.Sum256([]byte(participantID))
	return "0x" + hex.EncodeToString(sum[:20])
}

// Allocations turns a formation into escrow allocations. Members without
// an override share what the overrides leave equally; the last of them
// absorbs the rounding remainder so the total is exactly 100.
func Allocations(f Formation, overrides map[string]decimal.Decimal, addressOf AddressFunc) ([]domain.Allocation, error) {
	if len(f.Members) == 0 {
		return nil, fmt.Errorf("%w: formation has no members", domain.ErrAllocationInvalid)
	}
	if addressOf == nil {
		addressOf = DeriveAddress
	}

	seen := make(map[string]bool, len(f.Members))
	for _, m := range f.Members {
		if m == "" {
			return nil, fmt.Errorf("%w: empty member id", domain.ErrAllocationInvalid)
		}
		if seen[m] {
			return nil, fmt.Errorf("%w: member %s listed twice", domain.ErrAllocationInvalid, m)
		}
		seen[m] = true
	}

	remaining := decimal.NewFromInt(100)
	var open []int
	for i, m := range f.Members {
		if p, ok := overrides[m]; ok {
			remaining = remaining.Sub(p)
			continue
		}
		open = append(open, i)
	}
	for id := range overrides {
		if !seen[id] {
			return nil, fmt.Errorf("%w: override for %s who is not a member", domain.ErrAllocationInvalid, id)
		}
	}

	shares := make([]decimal.Decimal, len(f.Members))
	for i, m := range f.Members {
		if p, ok := overrides[m]; ok {
			shares[i] = p
		}
	}
	if len(open) > 0 {
		if !remaining.IsPositive() {
			return nil, fmt.Errorf("%w: overrides leave %s%% for %d members", domain.ErrAllocationInvalid, remaining, len(open))
		}
		each := remaining.DivRound(decimal.NewFromInt(int64(len(open))), percentPlaces)
		assigned := decimal.Zero
		for n, i := range open {
			share := each
			if n == len(open)-1 {
				share = remaining.Sub(assigned)
			}
			shares[i] = share
			assigned = assigned.Add(share)
		}
	}

	skills := SkillsByMember(f.SkillCoverage)
	out := make([]domain.Allocation, len(f.Members))
	for i, m := range f.Members {
		out[i] = domain.Allocation{
			ParticipantID: m,
			Address:       addressOf(m),
			Percentage:    shares[i],
			Skills:        skills[m],
		}
	}
	if err := domain.ValidateAllocations(out); err != nil {
		return nil, err
	}
	return out, nil
}

// SkillsByMember inverts a skill→member coverage map. Skill lists are sorted.
func SkillsByMember(coverage map[string]string) map[string][]string {
	out := make(map[string][]string)
	for skill, member := range coverage {
		out[member] = append(out[member], skill)
	}
	for _, s := range out {
		sort.Strings(s)
	}
	return out
}
