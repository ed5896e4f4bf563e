package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/repro/internal/ir"
	"github.com/roach88/repro/internal/testutil"
	"github.com/roach88/repro/internal/workflow"
)

func TestPlanText(t *testing.T) {
	path := writeDocument(t, testDocument)

	out, err := execute(NewPlanCommand(testRootOptions("text")), path)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "plan_text", []byte(out))
}

func TestPlanJSON(t *testing.T) {
	path := writeDocument(t, testDocument)
	doc, err := workflow.Load(path, nil)
	require.NoError(t, err)
	digest, err := ir.WorkflowDigest(doc.Workflow)
	require.NoError(t, err)

	out, err := execute(NewPlanCommand(testRootOptions("json")), path)
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   Plan   `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, digest, resp.Data.Digest)
	require.Len(t, resp.Data.Stages, 2)
	assert.Equal(t, "prepare", resp.Data.Stages[0].ID)
	assert.Equal(t, []PlanOutput{{Path: "data.csv", Mode: "strict", Shared: true}}, resp.Data.Stages[0].Outputs)
	assert.Equal(t, []string{"prepare"}, resp.Data.Stages[1].Dependencies)
	assert.Equal(t, "30s", resp.Data.Stages[1].Timeout)
}

func TestPlanTargetAndRecordedBaselines(t *testing.T) {
	isolateEnv(t)
	path := writeDocument(t, testDocument)
	_, err := execute(newRunCommand(newTestRunCommand("text", testutil.NewSequentialRunIDs("run"))), path)
	require.NoError(t, err)

	out, err := execute(NewPlanCommand(testRootOptions("text")), "--stage", "prepare", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Target: prepare")
	assert.Contains(t, out, "data.csv  [strict, shared, recorded]")
	assert.NotContains(t, out, "report")
}

func TestPlanErrors(t *testing.T) {
	cycle := writeDocument(t, `version: "1"
metadata: {title: loop}
stages:
  - {id: a, code_handler: write, dependencies: [b]}
  - {id: b, code_handler: write, dependencies: [a]}
`)

	tests := []struct {
		name string
		args []string
		code string
	}{
		{"missing document", []string{filepath.Join(t.TempDir(), "nope.yaml")}, ErrCodeNotFound},
		{"cycle", []string{cycle}, ErrCodeConfig},
		{"unknown target", []string{"--stage", "deploy", writeDocument(t, testDocument)}, ErrCodeConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(NewPlanCommand(testRootOptions("text")), tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "Error ["+tt.code+"]")
		})
	}
}
