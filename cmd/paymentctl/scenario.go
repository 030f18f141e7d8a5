package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vanshika/paybridge/backend/internal/app"
	"github.com/vanshika/paybridge/backend/internal/scenario"
)

func generateCmd() *cobra.Command {
	def := scenario.DefaultGeneratorConfig()
	cfg := def
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic payment scenario as YAML",
		Long: `Generate a synthetic scenario of deposits, project escrows and
milestone releases. The output can be replayed with "paymentctl run".

Examples:
  paymentctl generate --deposits 50 --projects 10 -o load.yaml
  paymentctl generate --seed 7 --decline-chance 0.3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := scenario.NewGenerator(cfg).Generate(cmd.Context())
			if err != nil {
				return fmt.Errorf("generate scenario: %w", err)
			}
			if output == "" || output == "-" {
				return scenario.Encode(cmd.OutOrStdout(), sc)
			}
			if err := scenario.WriteFile(output, sc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d steps to %s\n", len(sc.Steps), output)
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.Deposits, "deposits", def.Deposits, "number of standalone deposits")
	cmd.Flags().IntVar(&cfg.Projects, "projects", def.Projects, "number of project escrows")
	cmd.Flags().IntVar(&cfg.MaxMilestones, "max-milestones", def.MaxMilestones, "maximum milestones per escrow")
	cmd.Flags().IntVar(&cfg.MaxTeamSize, "max-team", def.MaxTeamSize, "maximum participants per escrow")
	cmd.Flags().Float64Var(&cfg.DeclineChance, "decline-chance", def.DeclineChance, "probability a deposit payer declines")
	cmd.Flags().Float64Var(&cfg.ReleaseChance, "release-chance", def.ReleaseChance, "probability each milestone is released")
	cmd.Flags().IntVar(&cfg.MinAmountKES, "min-kes", def.MinAmountKES, "minimum KES amount")
	cmd.Flags().IntVar(&cfg.MaxAmountKES, "max-kes", def.MaxAmountKES, "maximum KES amount")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", def.Seed, "random seed (0 picks one from the clock)")
	cmd.Flags().BoolVar(&cfg.IncludeSweep, "sweep", def.IncludeSweep, "finish with a sweep of pending deposits")
	cmd.Flags().BoolVar(&cfg.IncludeCancels, "cancels", def.IncludeCancels, "occasionally cancel escrows")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [scenario.yaml]",
		Short: "Replay a scenario against the configured engine",
		Long: `Replay a scenario file step by step and print a report.

Gateway outcomes in the scenario only apply when MOBILE_MONEY_MODE is
sandbox. The command exits non-zero when any step fails unexpectedly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := scenario.LoadFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, engine *app.App) error {
				runner := scenario.NewRunner(engine.Orchestrator, engine.MobileSandbox, nil)
				report, err := runner.Run(ctx, sc)
				if err != nil {
					return err
				}
				scenario.RenderReport(cmd.OutOrStdout(), report)
				if report.Failures > 0 {
					return fmt.Errorf("%d of %d steps failed", report.Failures, len(report.Results))
				}
				return nil
			})
		},
	}
}
