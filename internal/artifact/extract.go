package artifact

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Field names produced for unstructured text.
const (
	// TextField holds the text with every numeric token replaced by "#".
	TextField = "#text"

	// RootField names the value of a JSON or YAML document that is a scalar.
	RootField = "$"
)

var numberToken = regexp.MustCompile(`[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`)

// ExtractFields returns a flat map of named fields from a structured file.
//
// Field naming:
//   - .json, .yaml, .yml: nested keys joined by ".", array elements as "[i]",
//     e.g. "metrics.loss", "history[2].acc"
//   - .csv: "row[i].column" using the header row for column names
//   - other UTF-8 text: "#0", "#1", ... for numeric tokens in order of
//     appearance, plus TextField for the remaining skeleton
//   - binary content: no fields
//
// Values are normalized to float64, string, bool or nil. A structured file
// that fails to parse falls back to text extraction.
func ExtractFields(path string, data []byte) map[string]any {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if fields, ok := extractJSON(data); ok {
			return fields
		}
	case ".yaml", ".yml":
		if fields, ok := extractYAML(data); ok {
			return fields
		}
	case ".csv":
		if fields, ok := extractCSV(data); ok {
			return fields
		}
	}
	return extractText(data)
}

func extractJSON(data []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false // trailing content
	}
	fields := make(map[string]any)
	flatten(fields, "", doc)
	return fields, true
}

func extractYAML(data []byte) (map[string]any, bool) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, false
	}
	fields := make(map[string]any)
	flatten(fields, "", doc)
	return fields, true
}

func extractCSV(data []byte) (map[string]any, bool) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil || len(records) == 0 {
		return nil, false
	}

	header := records[0]
	fields := make(map[string]any)
	for i, rec := range records[1:] {
		for j, cell := range rec {
			col := strconv.Itoa(j)
			if j < len(header) && header[j] != "" {
				col = header[j]
			}
			fields[fmt.Sprintf("row[%d].%s", i, col)] = parseScalar(cell)
		}
	}
	return fields, true
}

func extractText(data []byte) map[string]any {
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return nil
	}
	fields := make(map[string]any)
	i := 0
	skeleton := numberToken.ReplaceAllStringFunc(string(data), func(tok string) string {
		key := "#" + strconv.Itoa(i)
		i++
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			fields[key] = normalizeFloat(f)
		} else {
			fields[key] = tok // out of float64 range
		}
		return "#"
	})
	fields[TextField] = skeleton
	return fields
}

// flatten walks a decoded document and records every leaf value.
func flatten(out map[string]any, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			flatten(out, joinKey(prefix, k), child)
		}
	case map[any]any:
		for k, child := range val {
			flatten(out, joinKey(prefix, fmt.Sprint(k)), child)
		}
	case []any:
		for i, child := range val {
			flatten(out, fmt.Sprintf("%s[%d]", prefix, i), child)
		}
	default:
		if prefix == "" {
			prefix = RootField
		}
		out[prefix] = normalizeValue(val)
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// normalizeValue maps decoded scalars onto float64, string, bool or nil.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string:
		return val
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return normalizeFloat(f)
	case float64:
		return normalizeFloat(val)
	case float32:
		return normalizeFloat(float64(val))
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	default:
		return fmt.Sprint(val)
	}
}

// normalizeFloat keeps finite values numeric. NaN and infinities cannot be
// stored in a JSON manifest, so they are recorded by name.
func normalizeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	return f
}

func parseScalar(s string) any {
	t := strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return normalizeFloat(f)
	}
	switch strings.ToLower(t) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
