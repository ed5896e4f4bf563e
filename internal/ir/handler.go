package ir

import (
	"context"
	"log/slog"
	"math/rand/v2"
)

// Handler is the resolved capability behind a stage's code_handler reference.
//
// The runner treats it as opaque: it is called with a private copy of the
// stage parameters and a StageContext, and may fail. Its only contract with
// the runner is that it writes the stage's declared outputs.
type Handler func(ctx context.Context, params map[string]any, sc StageContext) error

// StageContext is what a running handler may know about its invocation.
type StageContext interface {
	// StageID is the id of the stage being executed.
	StageID() string

	// Mode is the mode of the enclosing run.
	Mode() Mode

	// Seed is the stage seed installed for this invocation. It is zero when
	// the workflow is unseeded.
	Seed() int64

	// Seeded reports whether a stage seed was installed. It is false when
	// the workflow has no random seed.
	Seeded() bool

	// Rand is a generator seeded with Seed. It is only valid during the call.
	Rand() *rand.Rand

	// OutputPath resolves a declared output path to its location for this
	// run (shared data directory or mode-specific output directory).
	OutputPath(path string, shared bool) string

	// Logger returns a logger annotated with the stage id.
	Logger() *slog.Logger
}
