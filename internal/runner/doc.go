// Package runner executes a workflow's stages and records a RunManifest.
//
// Execution is sequential. Stages run in the graph's topological order (ties
// broken by declaration order), one at a time, on the calling goroutine; only
// the handler itself runs on a separate goroutine so that a timeout can be
// enforced. For each stage the runner:
//
//  1. decides whether it can run at all (blocked by a failed dependency,
//     cancelled by the caller, aborted by fail-fast or stop-on-mismatch, or
//     skipped because its outputs already validate)
//  2. installs the stage seed through the seed manager bracket
//  3. invokes the handler with a private copy of its parameters
//  4. captures every declared output
//  5. records the captures (experiment) or validates them against their
//     baselines (reproduction)
//
// Stage failures never surface as errors from Run. They are entries in the
// manifest; Run only returns an error when the workflow itself is unusable.
//
// Every entry carries a seq number from a logical sequence, so the manifest
// order is reproducible and independent of wall-clock time.
package runner
