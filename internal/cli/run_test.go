package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/repro/internal/ir"
	"github.com/roach88/repro/internal/testutil"
)

func newTestRunCommand(format string, ids *testutil.SequentialRunIDs) *RunOptions {
	return &RunOptions{
		RootOptions: testRootOptions(format),
		RunIDs:      ids,
		Clock:       testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), time.Millisecond).Now,
	}
}

func TestRunExperimentRecordsBaselines(t *testing.T) {
	isolateEnv(t)
	path := writeDocument(t, testDocument)
	dir := filepath.Dir(path)

	out, err := execute(newRunCommand(newTestRunCommand("text", testutil.NewSequentialRunIDs("run"))), path)
	require.NoError(t, err)

	assert.Contains(t, out, "Run run-0001 (experiment) CLI test")
	assert.Contains(t, out, "Seed: 42")
	assert.Contains(t, out, "✓ prepare  completed")
	assert.Contains(t, out, "✓ report  completed")
	assert.Contains(t, out, "data.csv  sha256:")
	assert.Contains(t, out, "2 completed, 0 skipped, 0 failed, 0 blocked, 0 cancelled")
	assert.Contains(t, out, "✓ Run succeeded")

	assert.Equal(t, "a,b\n1,2\n", testutil.ReadFile(t, filepath.Join(dir, "shared", "data.csv")))
	assert.Equal(t, "accuracy 0.93\n", testutil.ReadFile(t, filepath.Join(dir, "experiment", "report.txt")))

	doc := testutil.ReadFile(t, path)
	assert.Contains(t, doc, "# CLI test workflow.")
	assert.Equal(t, 2, strings.Count(doc, "hash: "))
}

func TestRunWithoutWriteLeavesDocument(t *testing.T) {
	isolateEnv(t)
	path := writeDocument(t, testDocument)

	_, err := execute(newRunCommand(newTestRunCommand("text", testutil.NewSequentialRunIDs("run"))), "--write=false", path)
	require.NoError(t, err)
	assert.Equal(t, testDocument, testutil.ReadFile(t, path))
}

func TestReproduceAfterExperiment(t *testing.T) {
	isolateEnv(t)
	path := writeDocument(t, testDocument)
	ids := testutil.NewSequentialRunIDs("run")

	_, err := execute(newRunCommand(newTestRunCommand("text", ids)), path)
	require.NoError(t, err)

	out, err := execute(newReproduceCommand(newTestRunCommand("text", ids)), path)
	require.NoError(t, err)

	assert.Contains(t, out, "Run run-0002 (reproduction)")
	assert.Contains(t, out, "data.csv  match (strict)")
	assert.Contains(t, out, "report.txt  match (standard)")
	assert.Contains(t, out, "2 match, 0 mismatch, 0 missing")
	assert.FileExists(t, filepath.Join(filepath.Dir(path), "reproduction", "report.txt"))
}

func TestReproduceStrictMismatchFailsRun(t *testing.T) {
	isolateEnv(t)
	path := writeDocument(t, testDocument)
	ids := testutil.NewSequentialRunIDs("run")

	_, err := execute(newRunCommand(newTestRunCommand("text", ids)), path)
	require.NoError(t, err)

	// Change what prepare writes while keeping the recorded hash.
	doc := testutil.ReadFile(t, path)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(doc, `a,b\n1,2\n`, `a,b\n1,3\n`, 1)), 0o644))

	out, err := execute(newReproduceCommand(newTestRunCommand("text", ids)), path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeRunFailed)
	assert.Contains(t, out, "data.csv  mismatch (strict)")
	assert.Contains(t, out, "✗ Run failed")
}

func TestRunFailedStageBlocksDependents(t *testing.T) {
	isolateEnv(t)
	path := writeDocument(t, `version: "1.0"
metadata:
  title: failing
stages:
  - id: broken
    code_handler: exec
    parameters:
      command: "echo nope >&2; exit 3"
  - id: after
    dependencies: [broken]
    code_handler: write
    parameters:
      path: out.txt
      content: x
`)

	out, err := execute(newRunCommand(newTestRunCommand("text", testutil.NewSequentialRunIDs("run"))), path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ broken  failed")
	assert.Contains(t, out, "exit status 3: nope")
	assert.Contains(t, out, "- after  blocked")
	assert.Contains(t, out, "1 failed, 1 blocked")
}

func TestRunJSON(t *testing.T) {
	isolateEnv(t)
	path := writeDocument(t, testDocument)

	out, err := execute(newRunCommand(newTestRunCommand("json", testutil.NewSequentialRunIDs("run"))), "--seed", "7", path)
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		RunID  string `json:"run_id"`
		Data   struct {
			Mode         ir.Mode         `json:"mode"`
			WorkflowSeed int64           `json:"workflow_seed"`
			Succeeded    bool            `json:"succeeded"`
			Summary      ir.Summary      `json:"summary"`
			Entries      []ir.StageEntry `json:"entries"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-0001", resp.RunID)
	assert.Equal(t, ir.ModeExperiment, resp.Data.Mode)
	assert.Equal(t, int64(7), resp.Data.WorkflowSeed)
	assert.True(t, resp.Data.Succeeded)
	assert.Equal(t, 2, resp.Data.Summary.Completed)
	require.Len(t, resp.Data.Entries, 2)
	require.NotNil(t, resp.Data.Entries[0].Seed)
	assert.Equal(t, ir.DeriveSeed(7, "prepare"), *resp.Data.Entries[0].Seed)
}

func TestRunTargetStage(t *testing.T) {
	isolateEnv(t)
	path := writeDocument(t, testDocument)

	out, err := execute(newRunCommand(newTestRunCommand("text", testutil.NewSequentialRunIDs("run"))), "--stage", "prepare", "--write=false", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Target: prepare")
	assert.Contains(t, out, "✓ prepare")
	assert.NotContains(t, out, "report")
}

func TestRunStoresManifestAndReusesPrior(t *testing.T) {
	isolateEnv(t)
	path := writeDocument(t, testDocument)
	db := filepath.Join(t.TempDir(), "runs.db")
	ids := testutil.NewSequentialRunIDs("run")

	_, err := execute(newRunCommand(newTestRunCommand("text", ids)), "--db", db, "--write=false", path)
	require.NoError(t, err)

	// The document has no hashes; baselines come from the stored experiment.
	out, err := execute(newReproduceCommand(newTestRunCommand("text", ids)), "--db", db, path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 match, 0 mismatch, 0 missing")

	out, err = execute(NewHistoryCommand(testRootOptions("text")), "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "run-0001")
	assert.Contains(t, out, "run-0002")
}

func TestRunCommandErrors(t *testing.T) {
	isolateEnv(t)
	valid := writeDocument(t, testDocument)

	tests := []struct {
		name string
		args []string
		code string
	}{
		{"missing document", []string{filepath.Join(t.TempDir(), "nope.yaml")}, ErrCodeNotFound},
		{"invalid document", []string{writeDocument(t, "version: [")}, ErrCodeConfig},
		{"unknown handler", []string{writeDocument(t, strings.ReplaceAll(testDocument, "code_handler: write", "code_handler: train"))}, ErrCodeConfig},
		{"unknown mode", []string{"--mode", "rehearsal", valid}, ErrCodeConfig},
		{"unknown target", []string{"--stage", "deploy", valid}, ErrCodeConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(newRunCommand(newTestRunCommand("text", testutil.NewSequentialRunIDs("run"))), tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "Error ["+tt.code+"]")
		})
	}
}

func TestRunStageTimeoutFromEnv(t *testing.T) {
	isolateEnv(t)
	t.Setenv("REPRO_STAGE_TIMEOUT", "soon")
	path := writeDocument(t, testDocument)

	_, err := execute(newRunCommand(newTestRunCommand("text", testutil.NewSequentialRunIDs("run"))), path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "REPRO_STAGE_TIMEOUT")
}
