package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/repro/internal/graph"
	"github.com/roach88/repro/internal/ir"
)

// SeedTable lists the seed each stage receives.
type SeedTable struct {
	WorkflowSeed int64       `json:"workflow_seed"`
	Stages       []StageSeed `json:"stages"`
}

// StageSeed is the derived seed of one stage.
type StageSeed struct {
	ID   string `json:"id"`
	Seed int64  `json:"seed"`
}

// NewSeedsCommand creates the seeds command.
func NewSeedsCommand(rootOpts *RootOptions) *cobra.Command {
	var override int64

	cmd := &cobra.Command{
		Use:   "seeds <workflow.yaml>",
		Short: "Show the seed derived for every stage",
		Long: `Show the seed each stage receives, in execution order. Stage seeds are
derived from the workflow seed and the stage id, so they are stable across
runs and independent of which other stages run.

Example:
  repro seeds experiment.yaml
  repro seeds --seed 7 experiment.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var seed *int64
			if cmd.Flags().Changed("seed") {
				seed = &override
			}
			return runSeeds(rootOpts, cmd, args[0], seed)
		},
	}
	cmd.Flags().Int64Var(&override, "seed", 0, "override the workflow random seed")

	return cmd
}

func runSeeds(opts *RootOptions, cmd *cobra.Command, path string, override *int64) error {
	f := opts.formatter(cmd)

	doc, err := loadDocument(f, path, nil)
	if err != nil {
		return err
	}
	wf := doc.Workflow

	workflowSeed := wf.Reproduction.RandomSeed
	if override != nil {
		workflowSeed = override
	}
	if workflowSeed == nil {
		return f.fail(ExitCommandError, ErrCodeConfig,
			"workflow has no reproduction.random_seed; pass --seed", nil)
	}

	g, err := graph.Build(wf.Stages)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeConfig, err.Error(), err)
	}

	table := SeedTable{WorkflowSeed: *workflowSeed}
	for _, id := range g.TopologicalOrder() {
		table.Stages = append(table.Stages, StageSeed{ID: id, Seed: ir.DeriveSeed(*workflowSeed, id)})
	}

	if f.IsJSON() {
		return f.Success(table)
	}
	fmt.Fprintf(f.Writer, "Workflow seed: %d\n\n", table.WorkflowSeed)
	tw := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSEED")
	for _, s := range table.Stages {
		fmt.Fprintf(tw, "%s\t%d\n", s.ID, s.Seed)
	}
	return tw.Flush()
}
