// Package scenario describes scripted runs of the payment workflows. A
// scenario is a YAML document of ordered steps executed against an
// Orchestrator; later steps refer to the results of earlier ones by name.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/mobilemoney"
)

// Step actions.
const (
	ActionDeposit  = "deposit"
	ActionComplete = "complete"
	ActionEscrow   = "escrow"
	ActionRelease  = "release"
	ActionCancel   = "cancel"
	ActionSweep    = "sweep"
)

// Scenario is an ordered script.
type Scenario struct {
	Name string `yaml:"name"`
	// Outcomes scripts the sandbox gateway per payment handle
	// (approve, decline, reject, timeout, pending).
	Outcomes map[string]string `yaml:"outcomes,omitempty"`
	Steps    []Step            `yaml:"steps"`
}

// Step is one workflow call. Which fields apply depends on Action.
type Step struct {
	Action string `yaml:"action"`
	// Name labels the step's result for later references.
	Name string `yaml:"name,omitempty"`

	Participant string `yaml:"participant,omitempty"`
	Handle      string `yaml:"handle,omitempty"`
	AmountKES   string `yaml:"amount_kes,omitempty"`
	Reference   string `yaml:"reference,omitempty"`

	// Transaction is a step name or a literal transaction ID.
	Transaction string `yaml:"transaction,omitempty"`

	Project      string            `yaml:"project,omitempty"`
	Client       string            `yaml:"client,omitempty"`
	Milestones   []MilestoneStep   `yaml:"milestones,omitempty"`
	Participants []ParticipantStep `yaml:"participants,omitempty"`

	// Escrow is a step name or a literal escrow ID.
	Escrow    string `yaml:"escrow,omitempty"`
	Milestone int    `yaml:"milestone,omitempty"`
	Recipient string `yaml:"recipient,omitempty"`

	// ExpectError is the error kind the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// MilestoneStep is a milestone by percentage or absolute USDC amount.
type MilestoneStep struct {
	Name       string `yaml:"name"`
	Percentage string `yaml:"percentage,omitempty"`
	AmountUSDC string `yaml:"amount_usdc,omitempty"`
}

// ParticipantStep is an escrow participant. An empty percentage on every
// participant means an equal split.
type ParticipantStep struct {
	ID         string   `yaml:"id"`
	Address    string   `yaml:"address,omitempty"`
	Percentage string   `yaml:"percentage,omitempty"`
	Skills     []string `yaml:"skills,omitempty"`
}

// Load decodes a scenario, rejecting unknown keys.
func Load(r io.Reader) (Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return Scenario{}, errors.New("scenario is empty")
		}
		return Scenario{}, fmt.Errorf("decode scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// LoadFile reads a scenario from path.
func LoadFile(path string) (Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks the structure of every step. It does not check amounts
// or handles; the workflows do that.
func (sc Scenario) Validate() error {
	if len(sc.Steps) == 0 {
		return errors.New("scenario has no steps")
	}
	for handle, outcome := range sc.Outcomes {
		if _, err := ParseOutcome(outcome); err != nil {
			return fmt.Errorf("outcome for %s: %w", handle, err)
		}
	}
	names := make(map[string]int)
	for i, st := range sc.Steps {
		if st.Name != "" {
			if prev, dup := names[st.Name]; dup {
				return fmt.Errorf("step %d: name %q already used by step %d", i+1, st.Name, prev+1)
			}
			names[st.Name] = i
		}
		var missing string
		switch st.Action {
		case ActionDeposit:
			missing = firstEmpty("participant", st.Participant, "handle", st.Handle, "amount_kes", st.AmountKES)
		case ActionComplete:
			missing = firstEmpty("transaction", st.Transaction)
		case ActionEscrow:
			missing = firstEmpty("project", st.Project, "client", st.Client, "handle", st.Handle, "amount_kes", st.AmountKES)
		case ActionRelease:
			missing = firstEmpty("escrow", st.Escrow, "recipient", st.Recipient)
		case ActionCancel:
			missing = firstEmpty("escrow", st.Escrow)
		case ActionSweep:
		default:
			return fmt.Errorf("step %d: unknown action %q", i+1, st.Action)
		}
		if missing != "" {
			return fmt.Errorf("step %d (%s): %s is required", i+1, st.Action, missing)
		}
	}
	return nil
}

// firstEmpty takes name, value pairs and returns the first name whose value
// is empty.
func firstEmpty(pairs ...string) string {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return pairs[i]
		}
	}
	return ""
}

// ParseOutcome maps an outcome name to a sandbox outcome.
func ParseOutcome(name string) (mobilemoney.SandboxOutcome, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "approve", "":
		return mobilemoney.OutcomeApprove, nil
	case "decline":
		return mobilemoney.OutcomeDecline, nil
	case "reject":
		return mobilemoney.OutcomeReject, nil
	case "timeout":
		return mobilemoney.OutcomeTimeout, nil
	case "pending":
		return mobilemoney.OutcomePending, nil
	}
	return 0, fmt.Errorf("unknown outcome %q", name)
}

func parseAmount(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a number", domain.ErrInvalidAmount, field, value)
	}
	return d, nil
}

func parseOptionalAmount(field, value string) (*decimal.Decimal, error) {
	if value == "" {
		return nil, nil
	}
	d, err := parseAmount(field, value)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
