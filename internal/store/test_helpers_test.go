package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/repro/internal/ir"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestStore creates a new SQLite store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// stores returns a SQLite store plus a PostgreSQL store when
// REPRO_TEST_DATABASE_URL is set.
func stores(t *testing.T) map[string]*Store {
	t.Helper()
	out := map[string]*Store{"sqlite": createTestStore(t)}
	if dsn := os.Getenv("REPRO_TEST_DATABASE_URL"); dsn != "" {
		s, err := OpenConfig(context.Background(), Config{DSN: dsn, MaxRetries: 1})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		out["postgres"] = s
	}
	return out
}

func ptr[T any](v T) *T { return &v }

// createTestManifest builds a finished manifest with a completed, a failed
// and a blocked stage.
func createTestManifest(t *testing.T, runID, digest string, mode ir.Mode, started time.Time) *ir.RunManifest {
	t.Helper()
	m := ir.NewRunManifest(runID, digest, "Digit classifier", mode, ptr(int64(42)), "", started)
	require.NoError(t, m.Append(ir.StageEntry{
		Seq: 1, StageID: "prepare", Status: ir.StatusCompleted, Seed: ptr(int64(-7)), Duration: 1500 * time.Millisecond,
		Outputs: []ir.OutputRecord{{
			Path: "data.csv", ResolvedPath: "/tmp/shared/data.csv", Shared: true,
			Capture: ir.Capture{
				Exists: true, Fingerprint: "aaa", HashMethod: "sha256", Size: 8,
				Fields: map[string]any{"rows": 2.0, "a<b": "x&y"},
			},
			Validation: &ir.ValidationResult{Path: "data.csv", Mode: ir.PolicyStrict, Verdict: ir.VerdictMatch, Expected: "aaa", Actual: "aaa"},
		}},
	}))
	require.NoError(t, m.Append(ir.StageEntry{
		Seq: 2, StageID: "train", Status: ir.StatusFailed, Seed: ptr(int64(9)), Duration: time.Second,
		Failure: &ir.Failure{Kind: ir.FailureTimeout, Message: "stage train timed out after 1s"},
	}))
	require.NoError(t, m.Append(ir.StageEntry{
		Seq: 3, StageID: "report", Status: ir.StatusBlocked,
		Failure: &ir.Failure{Kind: ir.FailureDependency, Message: "dependency train failed"},
	}))
	m.Finish(started.Add(3 * time.Second))
	return m
}
