package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/repro/internal/ir"
	"github.com/roach88/repro/internal/store"
)

// seedHistory stores two runs and returns the database path.
func seedHistory(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()
	st, err := store.Open(ctx, db)
	require.NoError(t, err)
	defer st.Close()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := int64(42)

	first := ir.NewRunManifest("run-0001", "digest", "History test", ir.ModeExperiment, &seed, "", start)
	require.NoError(t, first.Append(ir.StageEntry{Seq: 1, StageID: "prepare", Status: ir.StatusCompleted, Duration: time.Second}))
	first.Finish(start.Add(time.Second))

	second := ir.NewRunManifest("run-0002", "digest", "History test", ir.ModeReproduction, &seed, "", start.Add(time.Hour))
	require.NoError(t, second.Append(ir.StageEntry{
		Seq:     1,
		StageID: "prepare",
		Status:  ir.StatusFailed,
		Failure: &ir.Failure{Kind: ir.FailureHandler, Message: "disk full"},
	}))
	second.Finish(start.Add(time.Hour + time.Second))

	for _, m := range []*ir.RunManifest{first, second} {
		saved, err := st.SaveManifest(ctx, m)
		require.NoError(t, err)
		require.True(t, saved)
	}
	return db
}

func TestHistoryList(t *testing.T) {
	isolateEnv(t)
	db := seedHistory(t)

	out, err := execute(NewHistoryCommand(testRootOptions("text")), "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "RUN ID")
	assert.Contains(t, out, "run-0001  2026-03-01T12:00:00Z  experiment")
	assert.Less(t, strings.Index(out, "run-0002"), strings.Index(out, "run-0001"))

	out, err = execute(NewHistoryCommand(testRootOptions("text")), "--db", db, "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "run-0002")
	assert.NotContains(t, out, "run-0001")
}

func TestHistoryListJSON(t *testing.T) {
	isolateEnv(t)
	db := seedHistory(t)

	out, err := execute(NewHistoryCommand(testRootOptions("json")), "--db", db)
	require.NoError(t, err)

	var resp struct {
		Data []store.RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "run-0002", resp.Data[0].RunID)
	assert.False(t, resp.Data[0].Succeeded)
	assert.Equal(t, 1, resp.Data[0].Failed)
	assert.True(t, resp.Data[1].Succeeded)
}

func TestHistoryShowRun(t *testing.T) {
	isolateEnv(t)
	db := seedHistory(t)

	out, err := execute(NewHistoryCommand(testRootOptions("text")), "--db", db, "run-0002")
	require.NoError(t, err)
	assert.Contains(t, out, "Run run-0002 (reproduction) History test")
	assert.Contains(t, out, "✗ prepare  failed")
	assert.Contains(t, out, "handler: disk full")
	assert.Contains(t, out, "✗ Run failed")
}

func TestHistoryErrors(t *testing.T) {
	isolateEnv(t)

	out, err := execute(NewHistoryCommand(testRootOptions("text")))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error ["+ErrCodeConfig+"]")

	db := seedHistory(t)
	out, err = execute(NewHistoryCommand(testRootOptions("text")), "--db", db, "run-9999")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error ["+ErrCodeNotFound+"]: run not found: run-9999")
}

func TestHistoryEmptyStore(t *testing.T) {
	isolateEnv(t)
	t.Setenv("REPRO_DATABASE_URL", filepath.Join(t.TempDir(), "empty.db"))

	out, err := execute(NewHistoryCommand(testRootOptions("text")))
	require.NoError(t, err)
	assert.Equal(t, "No runs recorded\n", out)
}
