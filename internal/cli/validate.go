package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/roach88/repro/internal/graph"
	"github.com/roach88/repro/internal/workflow"
)

// ValidationReport holds validate command results.
type ValidationReport struct {
	Valid  bool    `json:"valid"`
	Stages int     `json:"stages,omitempty"`
	Errors []Issue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow document without running it",
		Long: `Validate a workflow document: schema, stage graph, handler references
and reproduction policies. Every problem found is reported.

Exits 1 when the document is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	doc, err := workflow.Load(path, opts.Registry)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return formatter.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("document not found: %s", path), err)
		}
		return outputValidationErrors(formatter, issues(err))
	}

	// Load has already checked the graph; building it again yields the order.
	g, err := graph.Build(doc.Workflow.Stages)
	if err != nil {
		return outputValidationErrors(formatter, issues(err))
	}
	formatter.VerboseLog("Execution order: %v", g.TopologicalOrder())

	if formatter.IsJSON() {
		return formatter.Success(ValidationReport{Valid: true, Stages: g.Len()})
	}
	fmt.Fprintf(formatter.Writer, "✓ %s is valid (%d stage(s))\n", path, g.Len())
	return nil
}

// outputValidationErrors reports document problems. Invalid documents
// exit 1, like a failed check.
func outputValidationErrors(formatter *OutputFormatter, errs []Issue) error {
	if formatter.IsJSON() {
		resp := CLIResponse{
			Status: "error",
			Data:   ValidationReport{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    ErrCodeConfig,
				Message: errs[0].Message,
			},
		}
		if err := formatter.encode(resp); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range errs {
		if e.Field != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n", e.Field, e.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s\n", e.Message)
		}
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
