package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/repro/internal/ir"
)

// writeHandler writes parameters.content to parameters.path.
func writeHandler(_ context.Context, p map[string]any, sc ir.StageContext) error {
	shared, _ := p["shared"].(bool)
	path := sc.OutputPath(p["path"].(string), shared)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(p["content"].(string)), 0o644)
}

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.MustRegister("write", writeHandler)
	return reg
}

func TestLoadExampleDocument(t *testing.T) {
	doc, err := Load(filepath.Join("testdata", "experiment.yaml"), testRegistry())
	require.NoError(t, err)
	wf := doc.Workflow

	assert.Equal(t, filepath.Join("testdata", "experiment.yaml"), doc.Path)
	assert.Equal(t, "1.0", wf.Version)
	assert.Equal(t, "Digit classifier", wf.Metadata.Title)
	require.Len(t, wf.Metadata.Authors, 1)
	assert.Equal(t, "Example Lab", wf.Metadata.Authors[0].Affiliation)
	assert.Equal(t, []string{"mnist", "cnn"}, wf.Metadata.Keywords)
	assert.Equal(t, "pip", wf.Environment["manager"])
	require.NotNil(t, wf.Reproduction.RandomSeed)
	assert.Equal(t, int64(42), *wf.Reproduction.RandomSeed)

	require.Len(t, wf.Stages, 3)
	prepare, train, report := wf.Stages[0], wf.Stages[1], wf.Stages[2]

	assert.Equal(t, "write", prepare.HandlerRef)
	assert.NotNil(t, prepare.Handler)
	assert.True(t, prepare.Outputs[0].Shared)
	assert.Equal(t, ir.StrictPolicy{}, prepare.Outputs[0].PolicyOrDefault())
	assert.False(t, prepare.Outputs[0].Optional)

	assert.Equal(t, []string{"prepare"}, train.Dependencies)
	assert.Equal(t, 90*time.Second, train.Timeout)
	tol, ok := train.Outputs[0].Policy.(ir.TolerantPolicy)
	require.True(t, ok)
	assert.Equal(t, 0.01, *tol.Absolute)
	assert.Nil(t, tol.Relative)
	assert.True(t, train.Outputs[1].Optional)

	assert.Equal(t, 30*time.Second, report.Timeout)
	assert.True(t, report.SkipIfUnchanged)
	assert.Equal(t, ir.StandardPolicy{Critical: []string{"#text"}}, report.Outputs[0].Policy)
}

func TestParseWithoutRegistryLeavesHandlersUnresolved(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "experiment.yaml"))
	require.NoError(t, err)

	doc, err := Parse(data, nil)
	require.NoError(t, err)
	for _, s := range doc.Workflow.Stages {
		assert.Nil(t, s.Handler)
		assert.Equal(t, "write", s.HandlerRef)
	}
}

func TestParseKeepsVersionLiteral(t *testing.T) {
	doc, err := Parse([]byte(minimal("version: 1.10")), nil)
	require.NoError(t, err)
	assert.Equal(t, "1.10", doc.Workflow.Version)
}

func TestParseDefaultMode(t *testing.T) {
	src := `version: "1"
metadata: {title: t}
reproduction: {default_mode: ignore}
stages:
  - id: a
    code_handler: write
    outputs:
      - path: out.txt
      - path: strict.txt
        reproduction: {mode: strict}
`
	doc, err := Parse([]byte(src), nil)
	require.NoError(t, err)
	outs := doc.Workflow.Stages[0].Outputs
	assert.Equal(t, ir.IgnorePolicy{}, outs[0].Policy)
	assert.Equal(t, ir.StrictPolicy{}, outs[1].Policy)
}

func TestParseNormalizesValues(t *testing.T) {
	src := `version: "1"
metadata: {title: t}
stages:
  - id: a
    code_handler: write
    parameters:
      lr: 0.1
      epochs: 3
      lookup: {1: one, 2: two}
    outputs:
      - path: o
        hash_method: SHA512
        baseline: {loss: 0.5, n: 3}
`
	doc, err := Parse([]byte(src), nil)
	require.NoError(t, err)
	st := doc.Workflow.Stages[0]
	assert.Equal(t, map[string]any{"1": "one", "2": "two"}, st.Parameters["lookup"])
	assert.Equal(t, 3, st.Parameters["epochs"])
	assert.Equal(t, "sha512", st.Outputs[0].HashMethod)
	assert.Equal(t, map[string]any{"loss": 0.5, "n": 3}, st.Outputs[0].Baseline)

	_, err = ir.WorkflowDigest(doc.Workflow)
	assert.NoError(t, err, "normalized parameters are canonicalizable")
}

// minimal returns a one-stage document with the given version line.
func minimal(version string) string {
	return version + `
metadata:
  title: t
stages:
  - id: a
    code_handler: write
`
}

func TestParseErrors(t *testing.T) {
	stage := func(body string) string {
		return "version: \"1\"\nmetadata: {title: t}\nstages:\n" + body
	}
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"invalid yaml", "version: [", "document"},
		{"empty", "", "document"},
		{"missing title", "version: \"1\"\nmetadata: {}\nstages: [{id: a, code_handler: write}]\n", "title"},
		{"no stages", "version: \"1\"\nmetadata: {title: t}\nstages: []\n", "stages"},
		{"unknown top-level key", minimal("version: \"1\"") + "extra: 1\n", "extra"},
		{"stage without id", stage("  - code_handler: write\n"), "id"},
		{"stage without handler", stage("  - id: a\n"), "code_handler"},
		{"unknown handler", stage("  - id: a\n    code_handler: nope\n"), "stages[0].code_handler"},
		{"unknown policy mode", stage("  - id: a\n    code_handler: write\n    outputs:\n      - path: o\n        reproduction: {mode: fuzzy}\n"), "mode"},
		{"standard without critical", stage("  - id: a\n    code_handler: write\n    outputs:\n      - path: o\n        reproduction: {mode: standard}\n"), "stages[0].outputs[0].reproduction.critical"},
		{"parameter not allowed for mode", stage("  - id: a\n    code_handler: write\n    outputs:\n      - path: o\n        reproduction: {mode: strict, critical: [x]}\n"), "stages[0].outputs[0].reproduction.critical"},
		{"negative tolerance", stage("  - id: a\n    code_handler: write\n    outputs:\n      - path: o\n        reproduction: {mode: tolerant, tolerance_relative: -1}\n"), "tolerance_relative"},
		{"unknown hash method", stage("  - id: a\n    code_handler: write\n    outputs:\n      - path: o\n        hash_method: crc32\n"), "stages[0].outputs[0].hash_method"},
		{"empty output path", stage("  - id: a\n    code_handler: write\n    outputs:\n      - path: \"\"\n"), "path"},
		{"bad timeout", stage("  - id: a\n    code_handler: write\n    timeout: soon\n"), "stages[0].timeout"},
		{"negative timeout", stage("  - id: a\n    code_handler: write\n    timeout: -5\n"), "stages[0].timeout"},
		{"seed not an integer", "version: \"1\"\nmetadata: {title: t}\nreproduction: {random_seed: 1.5}\nstages: [{id: a, code_handler: write}]\n", "random_seed"},
		{"duplicate stage", stage("  - {id: a, code_handler: write}\n  - {id: a, code_handler: write}\n"), "a"},
		{"unknown dependency", stage("  - {id: a, code_handler: write, dependencies: [ghost]}\n"), "ghost"},
		{"cycle", stage("  - {id: a, code_handler: write, dependencies: [b]}\n  - {id: b, code_handler: write, dependencies: [a]}\n"), "cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), testRegistry())
			require.Error(t, err)
			assert.True(t, ir.IsConfigurationError(err), "got %T: %v", err, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.True(t, ir.IsConfigurationError(err))
}

func TestFieldPath(t *testing.T) {
	assert.Equal(t, "stages[0].outputs[1].path", fieldPath([]string{"#Workflow", "stages", "0", "outputs", "1", "path"}))
	assert.Equal(t, "metadata.title", fieldPath([]string{"metadata", "title"}))
	assert.Equal(t, "document", fieldPath(nil))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("b", writeHandler))
	require.NoError(t, reg.Register("a", writeHandler))

	assert.ErrorContains(t, reg.Register("a", writeHandler), "already registered")
	assert.Error(t, reg.Register("", writeHandler))
	assert.Error(t, reg.Register("c", nil))
	assert.Panics(t, func() { reg.MustRegister("a", writeHandler) })

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	h, ok := reg.Resolve("a")
	assert.True(t, ok)
	assert.NotNil(t, h)
	_, ok = reg.Resolve("z")
	assert.False(t, ok)
}

func TestUnknownHandlerListsRegistered(t *testing.T) {
	_, err := Parse([]byte(strings.Replace(minimal("version: \"1\""), "code_handler: write", "code_handler: train", 1)), testRegistry())
	assert.ErrorContains(t, err, `unknown handler "train" (registered: write)`)
}
