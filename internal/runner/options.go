package runner

import (
	"log/slog"
	"time"

	"github.com/roach88/repro/internal/archive"
	"github.com/roach88/repro/internal/artifact"
	"github.com/roach88/repro/internal/ir"
	"github.com/roach88/repro/internal/seed"
)

// DefaultTimeoutGrace bounds the wait for a handler that ignored its
// stage timeout.
const DefaultTimeoutGrace = 5 * time.Second

// Options configures one Run. The zero value runs an experiment over the
// whole workflow in the current directory.
type Options struct {
	// Mode is experiment (record) or reproduction (validate).
	// Empty means experiment.
	Mode ir.Mode

	// Target restricts the run to one stage and its transitive dependencies.
	Target string

	// FailFast cancels every remaining stage after the first failure.
	// Without it, only the failed stage's dependents are blocked.
	FailFast bool

	// StopOnMismatch cancels every remaining stage after a run-failing
	// mismatch (shared or strict output).
	StopOnMismatch bool

	// SkipUnchanged skips any stage whose outputs already validate against
	// their baselines. Stages can also opt in individually.
	SkipUnchanged bool

	// Prior is a previous manifest whose captures serve as baselines, in
	// preference to the hashes recorded in the workflow document.
	Prior *ir.RunManifest

	// StageTimeout bounds each handler call. Stage.Timeout overrides it.
	// Zero means no limit.
	StageTimeout time.Duration

	// TimeoutGrace is how long a timed-out handler may take to return after
	// its context is cancelled. Zero means DefaultTimeoutGrace.
	TimeoutGrace time.Duration

	// Seed overrides the workflow's random_seed.
	Seed *int64

	Layout Layout

	// Recorder captures outputs. Nil means a zero Recorder.
	Recorder *artifact.Recorder

	// Seeds brackets seed installation. Nil means a manager with no
	// backends, which still derives and records stage seeds.
	Seeds *seed.Manager

	// Archive receives strict outputs in experiment mode. Nil disables it.
	Archive archive.Archiver

	Logger *slog.Logger

	// Clock supplies wall-clock time for timestamps and durations.
	// Nil means time.Now.
	Clock func() time.Time

	// RunIDs generates the run id. Nil means UUIDv7Generator.
	RunIDs RunIDGenerator
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ir.ModeExperiment
	}
	o.Layout = o.Layout.withDefaults()
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Recorder == nil {
		o.Recorder = &artifact.Recorder{Logger: o.Logger}
	}
	if o.Seeds == nil {
		o.Seeds = seed.NewManager(o.Logger)
	}
	if o.TimeoutGrace <= 0 {
		o.TimeoutGrace = DefaultTimeoutGrace
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.RunIDs == nil {
		o.RunIDs = UUIDv7Generator{}
	}
	return o
}
