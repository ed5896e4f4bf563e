package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/repro/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or show one run's manifest",
		Long: `List runs recorded in the manifest store, newest first. With a run id,
show that run's full manifest.

Example:
  repro history --db ./runs.db
  repro history --db ./runs.db 01930c5e-7f3a-7b6c-9d2e-4f5a6b7c8d9e`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return runHistory(cmd, opts, runID)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "manifest store DSN: SQLite path or postgres:// URL (env REPRO_DATABASE_URL)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs to list (0 for all)")

	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions, runID string) error {
	f := opts.formatter(cmd)
	logger := opts.Logger()
	ctx := commandContext(cmd)

	dsn := databaseURL(opts.Database)
	if dsn == "" {
		return f.fail(ExitCommandError, ErrCodeConfig, "no manifest store configured; pass --db or set REPRO_DATABASE_URL", nil)
	}
	st, err := openStore(ctx, f, dsn, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing manifest store", "error", closeErr)
		}
	}()

	if runID != "" {
		m, err := st.LoadManifest(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return f.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("run not found: %s", runID), err)
		}
		if err != nil {
			return f.fail(ExitCommandError, ErrCodeStore, "failed to load manifest", err)
		}
		if f.IsJSON() {
			return f.encode(CLIResponse{Status: "ok", Data: m, RunID: m.RunID})
		}
		renderManifest(f.Writer, m)
		return nil
	}

	runs, err := st.ListRuns(ctx, opts.Limit)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to list runs", err)
	}
	if f.IsJSON() {
		return f.Success(runs)
	}
	renderRuns(f.Writer, runs)
	return nil
}
