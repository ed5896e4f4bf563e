// Package store keeps the history of run manifests.
//
// The history is append-only:
//   - runs: one row per RunManifest, keyed by run id
//   - stage_entries: one row per StageEntry, keyed by (run id, stage id)
//
// Saving a manifest whose run id is already stored is a no-op, and entries
// are never updated. Entries are read back in seq order, so a loaded
// manifest lists stages in the order they ran.
//
// # Backends
//
// A DSN starting with postgres:// or postgresql:// opens PostgreSQL through
// the pgx database/sql driver. Anything else is a SQLite path, configured
// with:
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
//
// Queries are written with ? placeholders and rebound to $n for PostgreSQL.
package store
