package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/roach88/repro/internal/ir"
	"github.com/roach88/repro/internal/store"
)

// statusMark is the one-character status prefix in text output.
func statusMark(s ir.Status) string {
	switch s {
	case ir.StatusCompleted:
		return "✓"
	case ir.StatusSkipped:
		return "="
	case ir.StatusFailed:
		return "✗"
	default:
		return "-"
	}
}

// renderManifest writes a human-readable run report.
func renderManifest(w io.Writer, m *ir.RunManifest) {
	fmt.Fprintf(w, "Run %s (%s)", m.RunID, m.Mode)
	if m.Title != "" {
		fmt.Fprintf(w, " %s", m.Title)
	}
	fmt.Fprintln(w)
	if m.WorkflowSeed != nil {
		fmt.Fprintf(w, "Seed: %d\n", *m.WorkflowSeed)
	}
	if m.Target != "" {
		fmt.Fprintf(w, "Target: %s\n", m.Target)
	}
	fmt.Fprintln(w)

	for _, e := range m.Entries() {
		line := fmt.Sprintf("%s %s  %s", statusMark(e.Status), e.StageID, e.Status)
		if e.Duration > 0 {
			line += "  " + e.Duration.Round(time.Millisecond).String()
		}
		if e.Seed != nil {
			line += fmt.Sprintf("  seed=%d", *e.Seed)
		}
		fmt.Fprintln(w, line)
		if e.Failure != nil {
			fmt.Fprintf(w, "    %s: %s\n", e.Failure.Kind, e.Failure.Message)
		}
		for _, o := range e.Outputs {
			fmt.Fprintf(w, "    %s  %s\n", o.Path, outputState(o))
			if o.Validation != nil {
				for _, d := range o.Validation.Diffs {
					fmt.Fprintf(w, "      %s: %s\n", d.Field, d.Reason)
				}
			}
		}
	}

	s := m.Summary()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d completed, %d skipped, %d failed, %d blocked, %d cancelled",
		s.Completed, s.Skipped, s.Failed, s.Blocked, s.Cancelled)
	if m.Mode == ir.ModeReproduction {
		fmt.Fprintf(w, "; %d match, %d mismatch, %d missing", s.Matches, s.Mismatches, s.Missing)
	}
	fmt.Fprintln(w)
	if m.Succeeded() {
		fmt.Fprintln(w, "✓ Run succeeded")
	} else {
		fmt.Fprintln(w, "✗ Run failed")
	}
}

// outputState describes one output record in a single phrase.
func outputState(o ir.OutputRecord) string {
	if v := o.Validation; v != nil {
		s := string(v.Verdict) + " (" + v.Mode + ")"
		if v.Detail != "" {
			s += ": " + v.Detail
		}
		return s
	}
	if !o.Capture.Exists {
		return "missing"
	}
	fp := o.Capture.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return fmt.Sprintf("%s:%s", o.Capture.HashMethod, fp)
}

// renderRuns writes a run history table.
func renderRuns(w io.Writer, runs []store.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tMODE\tRESULT\tSTAGES\tFAILED\tMISMATCHES\tTITLE")
	for _, r := range runs {
		result := "ok"
		if !r.Succeeded {
			result = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RunID,
			r.StartedAt.UTC().Format(time.RFC3339),
			r.Mode,
			result,
			r.Stages,
			r.Failed,
			r.Mismatches,
			strings.TrimSpace(r.Title),
		)
	}
	tw.Flush()
}
