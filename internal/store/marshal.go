package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/repro/internal/ir"
)

// marshalJSON encodes v as compact JSON TEXT with HTML escaping disabled,
// so paths and field names are stored as written.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// marshalOutputs converts a stage's output records to JSON TEXT.
func marshalOutputs(outputs []ir.OutputRecord) (string, error) {
	if outputs == nil {
		outputs = []ir.OutputRecord{}
	}
	data, err := marshalJSON(outputs)
	if err != nil {
		return "", fmt.Errorf("marshal outputs: %w", err)
	}
	return data, nil
}

// unmarshalOutputs parses JSON TEXT to output records. Field values come
// back as JSON numbers decoded to float64.
func unmarshalOutputs(data string) ([]ir.OutputRecord, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var out []ir.OutputRecord
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	return out, nil
}

// marshalFailure converts a failure to nullable JSON TEXT.
func marshalFailure(f *ir.Failure) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	data, err := marshalJSON(f)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal failure: %w", err)
	}
	return sql.NullString{String: data, Valid: true}, nil
}

// unmarshalFailure parses nullable JSON TEXT to a failure.
func unmarshalFailure(data sql.NullString) (*ir.Failure, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var f ir.Failure
	if err := json.Unmarshal([]byte(data.String), &f); err != nil {
		return nil, fmt.Errorf("unmarshal failure: %w", err)
	}
	return &f, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// unixNanos stores the zero time as 0 so it survives a round trip.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
