package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/repro/internal/graph"
	"github.com/roach88/repro/internal/ir"
)

// Plan is the execution plan of a workflow.
type Plan struct {
	Title  string      `json:"title"`
	Digest string      `json:"digest"`
	Seed   *int64      `json:"seed,omitempty"`
	Target string      `json:"target,omitempty"`
	Stages []PlanStage `json:"stages"`
}

// PlanStage is one stage of a Plan, in execution order.
type PlanStage struct {
	ID              string       `json:"id"`
	Handler         string       `json:"handler"`
	Dependencies    []string     `json:"dependencies,omitempty"`
	Timeout         string       `json:"timeout,omitempty"`
	SkipIfUnchanged bool         `json:"skip_if_unchanged,omitempty"`
	Outputs         []PlanOutput `json:"outputs,omitempty"`
}

// PlanOutput is one declared output of a PlanStage.
type PlanOutput struct {
	Path     string `json:"path"`
	Mode     string `json:"mode"`
	Shared   bool   `json:"shared,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Recorded bool   `json:"recorded"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "plan <workflow.yaml>",
		Short: "Show the execution order of a workflow",
		Long: `Show the stages a run would execute, in order, with their dependencies,
handlers and declared outputs. Nothing is executed.

Example:
  repro plan experiment.yaml
  repro plan --stage train --format json experiment.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(rootOpts, cmd, args[0], target)
		},
	}
	cmd.Flags().StringVar(&target, "stage", "", "plan only this stage and its dependencies")

	return cmd
}

func runPlan(opts *RootOptions, cmd *cobra.Command, path, target string) error {
	f := opts.formatter(cmd)

	// Planning does not need handlers, only their names.
	doc, err := loadDocument(f, path, nil)
	if err != nil {
		return err
	}

	plan, err := buildPlan(doc.Workflow, target)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeConfig, err.Error(), err)
	}

	if f.IsJSON() {
		return f.Success(plan)
	}
	renderPlan(f.Writer, plan)
	return nil
}

// buildPlan orders wf's stages, restricted to target and its dependencies
// when target is set.
func buildPlan(wf *ir.Workflow, target string) (Plan, error) {
	g, err := graph.Build(wf.Stages)
	if err != nil {
		return Plan{}, err
	}
	if target != "" {
		if g, err = g.Subgraph(target); err != nil {
			return Plan{}, err
		}
	}
	digest, err := ir.WorkflowDigest(wf)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Title:  wf.Metadata.Title,
		Digest: digest,
		Seed:   wf.Reproduction.RandomSeed,
		Target: target,
		Stages: make([]PlanStage, 0, g.Len()),
	}
	for _, id := range g.TopologicalOrder() {
		st, _ := g.Stage(id)
		ps := PlanStage{
			ID:              st.ID,
			Handler:         st.HandlerRef,
			Dependencies:    st.Dependencies,
			SkipIfUnchanged: st.SkipIfUnchanged,
		}
		if st.Timeout > 0 {
			ps.Timeout = st.Timeout.String()
		}
		for _, o := range st.Outputs {
			ps.Outputs = append(ps.Outputs, PlanOutput{
				Path:     o.Path,
				Mode:     o.PolicyOrDefault().Mode(),
				Shared:   o.Shared,
				Optional: o.Optional,
				Recorded: o.HasBaseline(),
			})
		}
		plan.Stages = append(plan.Stages, ps)
	}
	return plan, nil
}

func renderPlan(w io.Writer, p Plan) {
	fmt.Fprintln(w, p.Title)
	if p.Seed != nil {
		fmt.Fprintf(w, "Seed: %d\n", *p.Seed)
	}
	if p.Target != "" {
		fmt.Fprintf(w, "Target: %s\n", p.Target)
	}
	fmt.Fprintln(w)

	for i, s := range p.Stages {
		attrs := []string{"handler=" + s.Handler}
		if len(s.Dependencies) > 0 {
			attrs = append(attrs, "after="+strings.Join(s.Dependencies, ","))
		}
		if s.Timeout != "" {
			attrs = append(attrs, "timeout="+s.Timeout)
		}
		if s.SkipIfUnchanged {
			attrs = append(attrs, "skip-if-unchanged")
		}
		fmt.Fprintf(w, "%d. %s  %s\n", i+1, s.ID, strings.Join(attrs, "  "))

		for _, o := range s.Outputs {
			tags := []string{o.Mode}
			if o.Shared {
				tags = append(tags, "shared")
			}
			if o.Optional {
				tags = append(tags, "optional")
			}
			if o.Recorded {
				tags = append(tags, "recorded")
			}
			fmt.Fprintf(w, "     %s  [%s]\n", o.Path, strings.Join(tags, ", "))
		}
	}
}
