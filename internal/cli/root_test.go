package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/repro/internal/handlers"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand(handlers.Builtins())
	require.NotNil(t, cmd)
	assert.Equal(t, "repro", cmd.Use)
	assert.Contains(t, cmd.Long, "reproduction run")
}

func TestRootCommandNilRegistry(t *testing.T) {
	cmd := NewRootCommand(nil)
	require.NotNil(t, cmd)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(handlers.Builtins())
	commands := []string{"run", "reproduce", "plan", "validate", "seeds", "history"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand(handlers.Builtins())

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand(handlers.Builtins())
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	modeFlag := runCmd.Flags().Lookup("mode")
	require.NotNil(t, modeFlag)
	assert.Equal(t, "experiment", modeFlag.DefValue)

	writeFlag := runCmd.Flags().Lookup("write")
	require.NotNil(t, writeFlag)
	assert.Equal(t, "true", writeFlag.DefValue)

	for _, name := range []string{"stage", "fail-fast", "stop-on-mismatch", "skip-unchanged", "timeout", "seed", "base-dir", "db", "archive"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s", name)
	}
}

func TestReproduceCommandFlags(t *testing.T) {
	cmd := NewRootCommand(handlers.Builtins())
	reproduceCmd, _, err := cmd.Find([]string{"reproduce"})
	require.NoError(t, err)

	// Reproduction never writes baselines and has a fixed mode.
	assert.Nil(t, reproduceCmd.Flags().Lookup("mode"))
	assert.Nil(t, reproduceCmd.Flags().Lookup("write"))
	assert.NotNil(t, reproduceCmd.Flags().Lookup("stop-on-mismatch"))
}

func TestHistoryCommandFlags(t *testing.T) {
	cmd := NewRootCommand(handlers.Builtins())
	historyCmd, _, err := cmd.Find([]string{"history"})
	require.NoError(t, err)

	limitFlag := historyCmd.Flags().Lookup("limit")
	require.NotNil(t, limitFlag)
	assert.Equal(t, "20", limitFlag.DefValue)
}

func TestFormatValidation(t *testing.T) {
	// Test valid formats
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	// Test invalid formats
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand(handlers.Builtins())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "invalid", "validate", "workflow.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRootExecutesValidate(t *testing.T) {
	path := writeDocument(t, testDocument)
	cmd := NewRootCommand(handlers.Builtins())

	out, err := execute(cmd, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid (2 stage(s))")
}
