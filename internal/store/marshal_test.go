package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/repro/internal/ir"
)

func TestMarshalOutputs_Empty(t *testing.T) {
	got, err := marshalOutputs(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", got)

	out, err := unmarshalOutputs(got)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestMarshalOutputs_NoHTMLEscaping(t *testing.T) {
	got, err := marshalOutputs([]ir.OutputRecord{{
		Path:    "a<b>.txt",
		Capture: ir.Capture{Exists: true, Fields: map[string]any{"x&y": 1}},
	}})
	require.NoError(t, err)
	assert.Contains(t, got, `"a<b>.txt"`)
	assert.Contains(t, got, `"x&y":1`)
	assert.NotContains(t, got, "\n")
}

func TestUnmarshalOutputs_InvalidJSON(t *testing.T) {
	_, err := unmarshalOutputs("{not json")
	assert.ErrorContains(t, err, "unmarshal outputs")
}

func TestMarshalFailure(t *testing.T) {
	null, err := marshalFailure(nil)
	require.NoError(t, err)
	assert.False(t, null.Valid)

	f, err := unmarshalFailure(null)
	require.NoError(t, err)
	assert.Nil(t, f)

	in := &ir.Failure{Kind: ir.FailureIO, Message: "cannot read", Path: "out/model.bin"}
	data, err := marshalFailure(in)
	require.NoError(t, err)
	assert.True(t, data.Valid)

	f, err = unmarshalFailure(data)
	require.NoError(t, err)
	assert.Equal(t, in, f)

	_, err = unmarshalFailure(sql.NullString{String: "[", Valid: true})
	assert.Error(t, err)
}

func TestNullableHelpers(t *testing.T) {
	assert.False(t, nullInt64(nil).Valid)
	assert.Nil(t, int64Ptr(sql.NullInt64{}))
	assert.Equal(t, int64(-3), *int64Ptr(nullInt64(ptr(int64(-3)))))

	assert.Zero(t, unixNanos(time.Time{}))
	assert.True(t, fromUnixNanos(0).IsZero())
	assert.True(t, epoch.Equal(fromUnixNanos(unixNanos(epoch))))

	assert.Equal(t, 1, boolInt(true))
	assert.Equal(t, 0, boolInt(false))
}
