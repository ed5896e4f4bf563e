package cli

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"

	"github.com/roach88/repro/internal/env"
	"github.com/roach88/repro/internal/handlers"
	"github.com/roach88/repro/internal/testutil"
)

const testDocument = `# CLI test workflow.
version: "1.0"
metadata:
  title: CLI test
reproduction:
  random_seed: 42
stages:
  - id: prepare
    code_handler: write
    parameters:
      path: data.csv
      content: "a,b\n1,2\n"
      shared: true
    outputs:
      - path: data.csv
        shared: true
  - id: report
    dependencies: [prepare]
    code_handler: write
    timeout: 30s
    parameters:
      path: report.txt
      content: "accuracy 0.93\n"
    outputs:
      - path: report.txt
        reproduction:
          mode: standard
          critical: ["#text"]
`

// writeDocument writes content as workflow.yaml in a fresh directory and
// returns its path.
func writeDocument(t *testing.T, content string) string {
	t.Helper()
	return testutil.WriteFile(t, t.TempDir(), "workflow.yaml", content)
}

// isolateEnv clears the environment variables the commands read.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		env.DatabaseURL,
		env.StageTimeout,
		env.HashWorkers,
		env.ArchiveEnabled,
		"REPRO_SEED",
	} {
		t.Setenv(key, "")
	}
}

func testRootOptions(format string) *RootOptions {
	return &RootOptions{Format: format, Registry: handlers.Builtins()}
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
