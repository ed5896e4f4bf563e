package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	assert.Equal(t, "fallback", String("REPRO_ENV_TEST_UNSET", "fallback"))

	t.Setenv("REPRO_ENV_TEST_STRING", "value")
	assert.Equal(t, "value", String("REPRO_ENV_TEST_STRING", "fallback"))

	t.Setenv("REPRO_ENV_TEST_EMPTY", "")
	assert.Equal(t, "", String("REPRO_ENV_TEST_EMPTY", "fallback"), "set but empty is still set")
}

func TestDuration(t *testing.T) {
	got, err := Duration("REPRO_ENV_TEST_UNSET", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, got)

	t.Setenv("REPRO_ENV_TEST_DURATION", "250ms")
	got, err = Duration("REPRO_ENV_TEST_DURATION", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, got)

	t.Setenv("REPRO_ENV_TEST_DURATION", "not-a-duration")
	_, err = Duration("REPRO_ENV_TEST_DURATION", 5*time.Second)
	assert.ErrorContains(t, err, "REPRO_ENV_TEST_DURATION")
}

func TestBool(t *testing.T) {
	got, err := Bool("REPRO_ENV_TEST_UNSET", true)
	require.NoError(t, err)
	assert.True(t, got)

	t.Setenv("REPRO_ENV_TEST_BOOL", "false")
	got, err = Bool("REPRO_ENV_TEST_BOOL", true)
	require.NoError(t, err)
	assert.False(t, got)

	t.Setenv("REPRO_ENV_TEST_BOOL", "  ")
	got, err = Bool("REPRO_ENV_TEST_BOOL", true)
	require.NoError(t, err)
	assert.True(t, got, "blank falls back to the default")

	t.Setenv("REPRO_ENV_TEST_BOOL", "nope")
	_, err = Bool("REPRO_ENV_TEST_BOOL", false)
	assert.Error(t, err)
}

func TestInt(t *testing.T) {
	got, err := Int("REPRO_ENV_TEST_UNSET", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	t.Setenv("REPRO_ENV_TEST_INT", "7")
	got, err = Int("REPRO_ENV_TEST_INT", 42)
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	t.Setenv("REPRO_ENV_TEST_INT", "nope")
	_, err = Int("REPRO_ENV_TEST_INT", 42)
	assert.Error(t, err)
}
