// Package ir provides the canonical in-memory representation shared by every
// repro package: the workflow definition, run manifests, validation verdicts
// and the error taxonomy.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal. This keeps the
// data model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - A Workflow is immutable once loaded. Producers of derived workflows
//     (e.g. baseline rewrites) return copies.
//   - A RunManifest is append-only. Completed entries are never mutated.
//   - Fingerprints depend on artifact bytes only, never on paths or timestamps.
//   - All JSON tags use snake_case.
//   - Ordering inside a manifest uses the logical seq counter, never wall time.
package ir
