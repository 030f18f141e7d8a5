package scenario

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

// GeneratorConfig drives the synthetic scenario generator.
type GeneratorConfig struct {
	Deposits       int
	Projects       int
	MaxMilestones  int
	MaxTeamSize    int
	DeclineChance  float64
	ReleaseChance  float64
	MinAmountKES   int
	MaxAmountKES   int
	Seed           int64
	IncludeSweep   bool
	IncludeCancels bool
}

// DefaultGeneratorConfig returns a small mixed workload.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Deposits:       20,
		Projects:       5,
		MaxMilestones:  4,
		MaxTeamSize:    4,
		DeclineChance:  0.15,
		ReleaseChance:  0.6,
		MinAmountKES:   500,
		MaxAmountKES:   70000,
		Seed:           42,
		IncludeSweep:   true,
		IncludeCancels: true,
	}
}

// Generator produces synthetic scenarios.
type Generator struct {
	cfg  GeneratorConfig
	rand *rand.Rand
}

// NewGenerator returns a configured Generator. Zero fields take defaults.
func NewGenerator(cfg GeneratorConfig) *Generator {
	def := DefaultGeneratorConfig()
	if cfg.Deposits < 0 {
		cfg.Deposits = 0
	}
	if cfg.Projects < 0 {
		cfg.Projects = 0
	}
	if cfg.MaxMilestones <= 0 {
		cfg.MaxMilestones = def.MaxMilestones
	}
	if cfg.MaxTeamSize <= 0 {
		cfg.MaxTeamSize = def.MaxTeamSize
	}
	if cfg.MinAmountKES <= 0 {
		cfg.MinAmountKES = def.MinAmountKES
	}
	if cfg.MaxAmountKES < cfg.MinAmountKES {
		cfg.MaxAmountKES = cfg.MinAmountKES
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Generator{cfg: cfg, rand: rand.New(rand.NewSource(cfg.Seed))}
}

var (
	milestoneNames = []string{"Discovery", "Design Phase", "Development", "Integration", "Testing", "Launch"}
	skillPool      = []string{"go", "react", "design", "devops", "qa", "data", "mobile"}
)

// Generate synthesises a scenario. It respects context cancellation.
func (g *Generator) Generate(ctx context.Context) (Scenario, error) {
	sc := Scenario{
		Name:     fmt.Sprintf("generated-%d", g.cfg.Seed),
		Outcomes: map[string]string{},
	}

	for i := 0; i < g.cfg.Deposits; i++ {
		if err := ctx.Err(); err != nil {
			return Scenario{}, err
		}
		name := fmt.Sprintf("dep-%04d", i+1)
		handle := g.randomHandle()
		if g.rand.Float64() < g.cfg.DeclineChance {
			sc.Outcomes[handle] = "decline"
		}
		sc.Steps = append(sc.Steps,
			Step{
				Action:      ActionDeposit,
				Name:        name,
				Participant: fmt.Sprintf("CLT-%04d", g.rand.Intn(g.cfg.Deposits)+1),
				Handle:      handle,
				AmountKES:   g.randomAmount(),
				Reference:   "wallet top-up",
			},
			Step{Action: ActionComplete, Transaction: name},
		)
	}

	for i := 0; i < g.cfg.Projects; i++ {
		if err := ctx.Err(); err != nil {
			return Scenario{}, err
		}
		name := fmt.Sprintf("esc-%04d", i+1)
		milestones := g.randomMilestones()
		team := g.randomTeam()
		sc.Steps = append(sc.Steps, Step{
			Action:       ActionEscrow,
			Name:         name,
			Project:      fmt.Sprintf("PROJ_%03d", i+1),
			Client:       fmt.Sprintf("CLT-%04d", i+1),
			Handle:       g.randomHandle(),
			AmountKES:    g.randomAmount(),
			Milestones:   milestones,
			Participants: team,
		})

		released := 0
		for m := range milestones {
			if g.rand.Float64() >= g.cfg.ReleaseChance {
				continue
			}
			sc.Steps = append(sc.Steps, Step{
				Action:    ActionRelease,
				Escrow:    name,
				Milestone: m,
				Recipient: team[g.rand.Intn(len(team))].ID,
			})
			released++
		}
		if g.cfg.IncludeCancels && released < len(milestones) && g.rand.Float64() < 0.2 {
			sc.Steps = append(sc.Steps, Step{Action: ActionCancel, Escrow: name})
		}
	}

	if g.cfg.IncludeSweep {
		sc.Steps = append(sc.Steps, Step{Action: ActionSweep})
	}
	if len(sc.Outcomes) == 0 {
		sc.Outcomes = nil
	}
	return sc, nil
}

func (g *Generator) randomHandle() string {
	return fmt.Sprintf("07%08d", g.rand.Intn(100000000))
}

func (g *Generator) randomAmount() string {
	span := g.cfg.MaxAmountKES - g.cfg.MinAmountKES
	amount := g.cfg.MinAmountKES
	if span > 0 {
		amount += g.rand.Intn(span + 1)
	}
	return strconv.Itoa(amount)
}

// randomMilestones splits 100% into whole-number weights; the last
// milestone absorbs the rounding.
func (g *Generator) randomMilestones() []MilestoneStep {
	n := 1 + g.rand.Intn(g.cfg.MaxMilestones)
	if n > len(milestoneNames) {
		n = len(milestoneNames)
	}
	weights := make([]int, n)
	total := 0
	for i := range weights {
		weights[i] = 1 + g.rand.Intn(5)
		total += weights[i]
	}
	out := make([]MilestoneStep, n)
	assigned := 0
	for i := range out {
		pct := weights[i] * 100 / total
		if i == n-1 {
			pct = 100 - assigned
		}
		assigned += pct
		out[i] = MilestoneStep{Name: milestoneNames[i], Percentage: strconv.Itoa(pct)}
	}
	return out
}

func (g *Generator) randomTeam() []ParticipantStep {
	n := 1 + g.rand.Intn(g.cfg.MaxTeamSize)
	base := g.rand.Intn(1000)
	team := make([]ParticipantStep, n)
	for i := range team {
		team[i] = ParticipantStep{
			ID:     fmt.Sprintf("DEV-%04d", base+i+1),
			Skills: []string{skillPool[g.rand.Intn(len(skillPool))]},
		}
	}
	return team
}
