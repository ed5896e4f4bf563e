package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/repro/internal/artifact"
	"github.com/roach88/repro/internal/env"
	"github.com/roach88/repro/internal/ir"
	"github.com/roach88/repro/internal/runner"
	"github.com/roach88/repro/internal/seed"
	"github.com/roach88/repro/internal/store"
)

// RunOptions holds flags for the run and reproduce commands.
type RunOptions struct {
	*RootOptions

	Mode           string
	Stage          string
	FailFast       bool
	StopOnMismatch bool
	SkipUnchanged  bool
	Timeout        time.Duration
	Seed           int64
	BaseDir        string
	Database       string
	Write          bool
	Archive        bool

	// RunIDs overrides run id generation (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs runner.RunIDGenerator

	// Clock overrides wall-clock time (for testing).
	Clock func() time.Time

	seedSet    bool
	timeoutSet bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow and record or validate its outputs",
		Long: `Run every stage of a workflow in dependency order.

In experiment mode (the default) the fingerprint of every declared output is
recorded and written back into the document as its new baseline. In
reproduction mode each output is validated against its baseline instead.

Outputs are written under --base-dir (default: the document's directory):
  experiment/     experiment mode outputs
  reproduction/   reproduction mode outputs
  shared/         outputs declared shared

Example:
  repro run experiment.yaml
  repro run --mode reproduction --db ./runs.db experiment.yaml
  repro run --stage train --seed 7 experiment.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.seedSet = cmd.Flags().Changed("seed")
			opts.timeoutSet = cmd.Flags().Changed("timeout")
			return runWorkflow(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", string(ir.ModeExperiment), "run mode (experiment|reproduction)")
	addRunFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.Write, "write", true, "write recorded baselines back into the document (experiment mode)")

	return cmd
}

// NewReproduceCommand creates the reproduce command, a run in reproduction mode.
func NewReproduceCommand(rootOpts *RootOptions) *cobra.Command {
	return newReproduceCommand(&RunOptions{RootOptions: rootOpts})
}

func newReproduceCommand(opts *RunOptions) *cobra.Command {
	opts.Mode = string(ir.ModeReproduction)
	cmd := &cobra.Command{
		Use:   "reproduce <workflow.yaml>",
		Short: "Re-run a workflow and validate outputs against their baselines",
		Long: `Re-run a workflow in reproduction mode.

Equivalent to "repro run --mode reproduction". Exits 1 when a stage fails or
a shared or strict output does not match its baseline.

Example:
  repro reproduce experiment.yaml
  repro reproduce --stop-on-mismatch --format json experiment.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.seedSet = cmd.Flags().Changed("seed")
			opts.timeoutSet = cmd.Flags().Changed("timeout")
			return runWorkflow(cmd, opts, args[0])
		},
	}
	addRunFlags(cmd, opts)

	return cmd
}

func addRunFlags(cmd *cobra.Command, opts *RunOptions) {
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "run only this stage and its dependencies")
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "cancel remaining stages after the first failure")
	cmd.Flags().BoolVar(&opts.StopOnMismatch, "stop-on-mismatch", false, "cancel remaining stages after a run-failing mismatch")
	cmd.Flags().BoolVar(&opts.SkipUnchanged, "skip-unchanged", false, "skip stages whose outputs already match their baselines")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "default per-stage timeout (env REPRO_STAGE_TIMEOUT)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "override the workflow random seed")
	cmd.Flags().StringVar(&opts.BaseDir, "base-dir", "", "directory for stage outputs (default: the document's directory)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "manifest store DSN: SQLite path or postgres:// URL (env REPRO_DATABASE_URL)")
	cmd.Flags().BoolVar(&opts.Archive, "archive", false, "archive strict outputs to the object store (experiment mode)")
}

func runWorkflow(cmd *cobra.Command, opts *RunOptions, path string) error {
	f := opts.formatter(cmd)
	logger := opts.Logger()

	mode, err := ir.ParseMode(opts.Mode)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeConfig, err.Error(), err)
	}

	doc, err := loadDocument(f, path, opts.Registry)
	if err != nil {
		return err
	}

	runOpts, err := opts.runnerOptions(f, mode, path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, f, databaseURL(opts.Database), logger)
	if err != nil {
		return err
	}
	if st != nil {
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing manifest store", "error", closeErr)
			}
		}()
		digest, err := ir.WorkflowDigest(doc.Workflow)
		if err != nil {
			return f.fail(ExitCommandError, ErrCodeConfig, "workflow cannot be fingerprinted", err)
		}
		prior, err := st.LatestManifest(ctx, digest, ir.ModeExperiment)
		switch {
		case errors.Is(err, store.ErrNotFound):
			f.VerboseLog("No prior experiment run for this workflow")
		case err != nil:
			return f.fail(ExitCommandError, ErrCodeStore, "failed to load prior manifest", err)
		default:
			f.VerboseLog("Using baselines from run %s", prior.RunID)
			runOpts.Prior = prior
		}
	}

	if mode == ir.ModeExperiment {
		a, err := openArchive(ctx, f, opts.Archive, logger)
		if err != nil {
			return err
		}
		runOpts.Archive = a
	}

	m, err := runner.Run(ctx, doc.Workflow, runOpts)
	if err != nil {
		if ir.IsConfigurationError(err) {
			return f.fail(ExitCommandError, ErrCodeConfig, "workflow cannot run", err)
		}
		return f.fail(ExitCommandError, ErrCodeRunFailed, "run could not start", err)
	}

	if st != nil {
		// The run itself is over; a cancelled context must not lose its record.
		saved, err := st.SaveManifest(context.WithoutCancel(ctx), m)
		if err != nil {
			return f.fail(ExitCommandError, ErrCodeStore, "failed to save manifest", err)
		}
		if !saved {
			logger.Warn("manifest already stored", "run_id", m.RunID)
		}
	}

	if mode == ir.ModeExperiment && opts.Write {
		n, err := doc.ApplyManifest(m)
		if err != nil {
			return f.fail(ExitCommandError, ErrCodeWriteFailed, "failed to apply baselines", err)
		}
		if n > 0 {
			if err := doc.Save(""); err != nil {
				return f.fail(ExitCommandError, ErrCodeWriteFailed, "failed to write document", err)
			}
			f.VerboseLog("Recorded %d baseline(s) in %s", n, doc.Path)
		}
	}

	if f.IsJSON() {
		if err := f.encode(CLIResponse{Status: "ok", Data: m, RunID: m.RunID}); err != nil {
			return err
		}
	} else {
		renderManifest(f.Writer, m)
	}

	if !m.Succeeded() {
		s := m.Summary()
		return NewExitError(ExitFailure, fmt.Sprintf("%s: run %s failed (%d failed, %d blocked, %d cancelled, %d run-failing mismatches)",
			ErrCodeRunFailed, m.RunID, s.Failed, s.Blocked, s.Cancelled, s.FailingMismatches))
	}
	return nil
}

// runnerOptions resolves flags and environment defaults into runner options.
func (opts *RunOptions) runnerOptions(f *OutputFormatter, mode ir.Mode, path string) (runner.Options, error) {
	logger := opts.Logger()

	timeout := opts.Timeout
	if !opts.timeoutSet {
		d, err := env.Duration(env.StageTimeout, 0)
		if err != nil {
			return runner.Options{}, f.fail(ExitCommandError, ErrCodeConfig, "invalid stage timeout", err)
		}
		timeout = d
	}
	workers, err := env.Int(env.HashWorkers, 0)
	if err != nil {
		return runner.Options{}, f.fail(ExitCommandError, ErrCodeConfig, "invalid hash worker count", err)
	}

	base := opts.BaseDir
	if base == "" {
		base = filepath.Dir(path)
	}

	seeds := seed.NewManager(logger)
	seeds.Register("env", seed.EnvBackend{Name: "REPRO_SEED"})
	seeds.Register("rand", seed.NewRandBackend())

	runOpts := runner.Options{
		Mode:           mode,
		Target:         opts.Stage,
		FailFast:       opts.FailFast,
		StopOnMismatch: opts.StopOnMismatch,
		SkipUnchanged:  opts.SkipUnchanged,
		StageTimeout:   timeout,
		Layout:         runner.DefaultLayout(base),
		Recorder:       &artifact.Recorder{Workers: workers, Logger: logger},
		Seeds:          seeds,
		Logger:         logger,
		Clock:          opts.Clock,
		RunIDs:         opts.RunIDs,
	}
	if opts.seedSet {
		s := opts.Seed
		runOpts.Seed = &s
	}
	return runOpts, nil
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
