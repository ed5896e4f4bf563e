package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/repro/internal/artifact"
	"github.com/roach88/repro/internal/graph"
	"github.com/roach88/repro/internal/ir"
	"github.com/roach88/repro/internal/seed"
	"github.com/roach88/repro/internal/validation"
)

// Run executes wf and returns its manifest.
//
// The error is non-nil only for problems found before any stage runs: an
// invalid graph, an unknown target, a stage without a handler, an unknown
// hash method, seed backends that cannot be initialized, or output
// directories that cannot be created. Everything that happens afterwards is
// recorded in the manifest. wf is never modified.
func Run(ctx context.Context, wf *ir.Workflow, opts Options) (*ir.RunManifest, error) {
	if wf == nil {
		return nil, ir.NewConfigurationError("workflow", "workflow is nil")
	}
	opts = opts.withDefaults()
	if _, err := ir.ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}

	g, err := graph.Build(wf.Stages)
	if err != nil {
		return nil, err
	}
	if opts.Target != "" {
		if g, err = g.Subgraph(opts.Target); err != nil {
			return nil, err
		}
	}
	order := g.TopologicalOrder()
	if err := checkStages(g, order); err != nil {
		return nil, err
	}

	digest, err := ir.WorkflowDigest(wf)
	if err != nil {
		return nil, &ir.ConfigurationError{Field: "stages", Message: "workflow cannot be fingerprinted", Err: err}
	}

	workflowSeed := wf.Reproduction.RandomSeed
	if opts.Seed != nil {
		workflowSeed = opts.Seed
	}
	if workflowSeed != nil {
		s := *workflowSeed
		workflowSeed = &s
		if err := opts.Seeds.Initialize(s); err != nil {
			return nil, fmt.Errorf("initialize seeds: %w", err)
		}
	}

	for _, dir := range []string{opts.Layout.OutputDir(opts.Mode), opts.Layout.Shared()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	runID := opts.RunIDs.Generate()
	r := &run{
		opts:     opts,
		graph:    g,
		logger:   opts.Logger.With("run_id", runID),
		seeded:   workflowSeed != nil,
		status:   make(map[string]ir.Status, len(order)),
		executed: make(map[string]bool, len(order)),
		manifest: ir.NewRunManifest(runID, digest, wf.Metadata.Title, opts.Mode, workflowSeed, opts.Target, opts.Clock()),
	}

	r.logger.Info("run started", "mode", opts.Mode, "stages", len(order), "target", opts.Target)
	for _, id := range order {
		st, _ := g.Stage(id)
		r.step(ctx, st)
	}
	r.manifest.Finish(opts.Clock())

	s := r.manifest.Summary()
	r.logger.Info("run finished",
		"completed", s.Completed,
		"failed", s.Failed,
		"blocked", s.Blocked,
		"skipped", s.Skipped,
		"cancelled", s.Cancelled,
		"mismatches", s.Mismatches,
		"succeeded", r.manifest.Succeeded(),
	)
	return r.manifest, nil
}

// checkStages rejects workflows the runner cannot execute at all.
func checkStages(g *graph.Graph, order []string) error {
	for _, id := range order {
		st, _ := g.Stage(id)
		if st.Handler == nil {
			ref := st.HandlerRef
			if ref == "" {
				ref = "(none)"
			}
			return ir.NewConfigurationError("stages."+id+".code_handler",
				fmt.Sprintf("no handler resolved for %s", ref))
		}
		for i, out := range st.Outputs {
			if out.Path == "" {
				return ir.NewConfigurationError(fmt.Sprintf("stages.%s.outputs[%d].path", id, i), "output path is empty")
			}
			if _, err := artifact.NormalizeMethod(out.HashMethod); err != nil {
				return fmt.Errorf("stage %q output %q: %w", id, out.Path, err)
			}
		}
	}
	return nil
}

// run is the state of one Run call.
type run struct {
	opts     Options
	graph    *graph.Graph
	manifest *ir.RunManifest
	seq      sequence
	logger   *slog.Logger
	seeded   bool

	status   map[string]ir.Status
	executed map[string]bool

	// abort, once set, cancels every stage that has not started.
	abort *ir.Failure
}

func (r *run) step(ctx context.Context, st ir.Stage) {
	entry := ir.StageEntry{StageID: st.ID}

	switch {
	case r.abort != nil:
		r.cancelled(&entry)
	case ctx.Err() != nil:
		r.abortWith(ir.FailureCancelled, fmt.Sprintf("run cancelled: %v", context.Cause(ctx)))
		r.cancelled(&entry)
	default:
		if dep, status, ok := r.blockedBy(st); ok {
			entry.Status = ir.StatusBlocked
			entry.Failure = &ir.Failure{
				Kind:    ir.FailureDependency,
				Message: fmt.Sprintf("dependency %q %s", dep, status),
			}
			break
		}
		if outputs, ok := r.trySkip(ctx, st); ok {
			entry.Status = ir.StatusSkipped
			entry.Outputs = outputs
			break
		}
		r.execute(ctx, st, &entry)
	}

	entry.Seq = r.seq.next()
	r.record(entry)
}

func (r *run) cancelled(entry *ir.StageEntry) {
	f := *r.abort
	entry.Status = ir.StatusCancelled
	entry.Failure = &f
}

func (r *run) abortWith(kind ir.FailureKind, message string) {
	if r.abort != nil {
		return
	}
	r.abort = &ir.Failure{Kind: kind, Message: message}
	r.logger.Warn("aborting remaining stages", "reason", kind, "detail", message)
}

// blockedBy returns the first direct dependency that did not succeed.
// Blocked stages propagate, so transitive failures are covered too.
func (r *run) blockedBy(st ir.Stage) (string, ir.Status, bool) {
	for _, dep := range r.graph.Dependencies(st.ID) {
		switch s := r.status[dep]; s {
		case ir.StatusFailed, ir.StatusBlocked, ir.StatusCancelled:
			return dep, s, true
		}
	}
	return "", "", false
}

// trySkip reports whether a stage may be skipped: it opted in, none of its
// dependencies ran in this run, and every output exists and matches its
// baseline. The returned records carry the validations that justified it.
func (r *run) trySkip(ctx context.Context, st ir.Stage) ([]ir.OutputRecord, bool) {
	if !r.opts.SkipUnchanged && !st.SkipIfUnchanged {
		return nil, false
	}
	if len(st.Outputs) == 0 {
		return nil, false
	}
	for _, dep := range r.graph.Dependencies(st.ID) {
		if r.executed[dep] {
			return nil, false
		}
	}

	records := make([]ir.OutputRecord, 0, len(st.Outputs))
	for _, out := range st.Outputs {
		policy := out.PolicyOrDefault()
		if _, ok := policy.(ir.IgnorePolicy); ok {
			return nil, false
		}
		b := r.baseline(st.ID, out)
		if b == nil {
			return nil, false
		}
		rec := r.newRecord(out)
		c, err := r.opts.Recorder.Capture(ctx, rec.ResolvedPath, b.HashMethod, ir.NeedsFields(policy))
		if err != nil || !c.Exists {
			return nil, false
		}
		res := validation.Compare(policy, b, c)
		if res.Verdict != ir.VerdictMatch {
			return nil, false
		}
		res.Path = out.Path
		rec.Capture = c
		rec.Validation = &res
		records = append(records, rec)
	}
	r.logger.Debug("outputs unchanged, skipping", "stage", st.ID)
	return records, true
}

func (r *run) execute(ctx context.Context, st ir.Stage, entry *ir.StageEntry) {
	started := r.opts.Clock()
	defer func() { entry.Duration = r.opts.Clock().Sub(started) }()

	r.executed[st.ID] = true
	r.logger.Debug("stage started", "stage", st.ID)

	if err := r.invoke(ctx, st, entry); err != nil {
		r.fail(st, entry, err)
		return
	}

	outputs, err := r.captureOutputs(ctx, st)
	entry.Outputs = outputs
	if err != nil {
		r.fail(st, entry, err)
		return
	}
	entry.Status = ir.StatusCompleted

	if !r.opts.StopOnMismatch {
		return
	}
	for _, o := range outputs {
		if o.Validation != nil && o.Validation.FailsRun(o.Shared) {
			r.abortWith(ir.FailureMismatch, fmt.Sprintf("stage %q output %q does not match its baseline", st.ID, o.Path))
			return
		}
	}
}

func (r *run) fail(st ir.Stage, entry *ir.StageEntry, err error) {
	entry.Failure = ir.FailureFromError(err)
	if entry.Failure.Kind == ir.FailureCancelled {
		entry.Status = ir.StatusCancelled
		r.abortWith(ir.FailureCancelled, fmt.Sprintf("run cancelled during stage %q", st.ID))
		return
	}
	entry.Status = ir.StatusFailed
	if r.opts.FailFast {
		r.abortWith(ir.FailureFailFast, fmt.Sprintf("stage %q failed", st.ID))
	}
}

// invoke calls the handler inside the stage's seed bracket. Unseeded
// workflows skip the bracket and hand out an unseeded generator.
func (r *run) invoke(ctx context.Context, st ir.Stage, entry *ir.StageEntry) error {
	sc := &stageContext{
		id:     st.ID,
		mode:   r.opts.Mode,
		layout: r.opts.Layout,
		logger: r.logger.With("stage", st.ID),
	}
	if !r.seeded {
		sc.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		return r.call(ctx, st, sc)
	}

	entered := false
	err := r.opts.Seeds.Bracket(st.ID, func(s int64) error {
		entered = true
		entry.Seed = &s
		sc.seed = s
		sc.seeded = true
		sc.rng = seed.NewRand(s)
		return r.call(ctx, st, sc)
	})
	if err != nil && !entered {
		return &ir.StageError{Kind: ir.FailureHandler, StageID: st.ID, Err: fmt.Errorf("install stage seed: %w", err)}
	}
	return err
}

// call runs the handler on its own goroutine under the stage timeout and
// waits for it to return before the seed bracket closes.
// A timed-out handler has its context cancelled and gets TimeoutGrace to
// return. Outliving the grace period aborts the run: every stage that has
// not started is cancelled.
func (r *run) call(ctx context.Context, st ir.Stage, sc ir.StageContext) error {
	timeout := r.opts.StageTimeout
	if st.Timeout > 0 {
		timeout = st.Timeout
	}
	hctx, cancel := context.WithCancel(ctx)
	var expired <-chan time.Time
	if timeout > 0 {
		cancel()
		hctx, cancel = context.WithTimeout(ctx, timeout)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("handler panicked: %v", p)
			}
		}()
		done <- st.Handler(hctx, ir.CloneParameters(st.Parameters), sc)
	}()

	var err error
	select {
	case err = <-done:
	case <-expired:
		cancel()
		grace := time.NewTimer(r.opts.TimeoutGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			r.abortWith(ir.FailureCancelled, fmt.Sprintf("stage %q still running %s after its timeout", st.ID, r.opts.TimeoutGrace))
		}
		return timeoutError(st.ID, timeout)
	}

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return &ir.StageError{Kind: ir.FailureCancelled, StageID: st.ID, Err: context.Cause(ctx)}
	case errors.Is(err, context.DeadlineExceeded) && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return timeoutError(st.ID, timeout)
	}
	return &ir.StageError{Kind: ir.FailureHandler, StageID: st.ID, Err: err}
}

func timeoutError(stageID string, timeout time.Duration) error {
	return &ir.StageError{Kind: ir.FailureTimeout, StageID: stageID,
		Err: fmt.Errorf("handler exceeded %s: %w", timeout, context.DeadlineExceeded)}
}

// captureOutputs records every declared output, even after one fails, and
// returns the first failure.
func (r *run) captureOutputs(ctx context.Context, st ir.Stage) ([]ir.OutputRecord, error) {
	records := make([]ir.OutputRecord, 0, len(st.Outputs))
	var first error
	for _, out := range st.Outputs {
		rec, err := r.captureOutput(ctx, st, out)
		records = append(records, rec)
		if err != nil && first == nil {
			first = err
		}
	}
	return records, first
}

func (r *run) captureOutput(ctx context.Context, st ir.Stage, out ir.OutputSpec) (ir.OutputRecord, error) {
	policy := out.PolicyOrDefault()
	rec := r.newRecord(out)

	var b *ir.Baseline
	method := out.HashMethod
	if r.opts.Mode == ir.ModeReproduction {
		b = r.baseline(st.ID, out)
		if b != nil && b.HashMethod != "" {
			method = b.HashMethod
		}
	}

	c, err := r.opts.Recorder.Capture(ctx, rec.ResolvedPath, method, ir.NeedsFields(policy))
	if err != nil {
		if ctx.Err() != nil {
			return rec, &ir.StageError{Kind: ir.FailureCancelled, StageID: st.ID, Path: out.Path, Err: context.Cause(ctx)}
		}
		return rec, &ir.StageError{Kind: ir.FailureIO, StageID: st.ID, Path: out.Path, Err: err}
	}
	rec.Capture = c

	if !c.Exists {
		res := validation.Compare(policy, b, c)
		res.Path = out.Path
		rec.Validation = &res
		r.logger.Warn("output missing", "stage", st.ID, "path", rec.ResolvedPath, "optional", out.Optional)
		if out.Optional {
			return rec, nil
		}
		return rec, &ir.StageError{Kind: ir.FailureMissingOutput, StageID: st.ID, Path: out.Path,
			Err: fmt.Errorf("declared output %s was not produced", rec.ResolvedPath)}
	}

	switch r.opts.Mode {
	case ir.ModeReproduction:
		res := validation.Compare(policy, b, c)
		res.Path = out.Path
		rec.Validation = &res
		level := slog.LevelDebug
		if res.Verdict == ir.VerdictMismatch {
			level = slog.LevelWarn
		}
		r.logger.Log(ctx, level, "output validated", "stage", st.ID, "path", out.Path, "verdict", res.Verdict, "detail", res.Detail)
	case ir.ModeExperiment:
		if err := r.archive(ctx, policy, rec.ResolvedPath, c); err != nil {
			return rec, &ir.StageError{Kind: ir.FailureIO, StageID: st.ID, Path: out.Path, Err: err}
		}
	}
	return rec, nil
}

func (r *run) newRecord(out ir.OutputSpec) ir.OutputRecord {
	return ir.OutputRecord{
		Path:         out.Path,
		ResolvedPath: r.opts.Layout.Resolve(out.Path, out.Shared, r.opts.Mode),
		Shared:       out.Shared,
	}
}

// baseline prefers the prior manifest's capture over the hash recorded in
// the document. Captures from stages that did not succeed are not baselines.
func (r *run) baseline(stageID string, out ir.OutputSpec) *ir.Baseline {
	if r.opts.Prior != nil {
		if c, ok := r.opts.Prior.Recorded(stageID, out.Path); ok {
			if b := ir.BaselineFromCapture(c); b != nil {
				return b
			}
		}
	}
	return ir.BaselineFromSpec(out)
}

// archive stores strict outputs, directories file by file.
func (r *run) archive(ctx context.Context, policy ir.Policy, path string, c ir.Capture) error {
	if r.opts.Archive == nil {
		return nil
	}
	if _, strict := policy.(ir.StrictPolicy); !strict {
		return nil
	}
	if !c.IsDir {
		return r.opts.Archive.Put(ctx, c.HashMethod, c.Fingerprint, path)
	}
	for _, f := range c.Files {
		if err := r.opts.Archive.Put(ctx, c.HashMethod, f.Fingerprint, filepath.Join(path, filepath.FromSlash(f.Path))); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) record(e ir.StageEntry) {
	r.status[e.StageID] = e.Status
	if err := r.manifest.Append(e); err != nil {
		r.logger.Error("manifest append", "stage", e.StageID, "error", err)
		return
	}

	args := []any{"stage", e.StageID, "status", e.Status, "seq", e.Seq, "duration", e.Duration.Round(time.Millisecond)}
	if e.Seed != nil {
		args = append(args, "seed", *e.Seed)
	}
	level := slog.LevelInfo
	if e.Failure != nil {
		level = slog.LevelWarn
		args = append(args, "failure", e.Failure.Kind, "error", e.Failure.Message)
	}
	r.logger.Log(context.Background(), level, "stage finished", args...)
}
