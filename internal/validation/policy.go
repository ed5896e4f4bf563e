// Package validation decides whether a reproduced artifact matches its
// recorded baseline.
//
// Policies are the closed set defined in ir (strict, standard, tolerant,
// ignore). ParsePolicy turns a document's reproduction block into one of them;
// Compare applies it. Compare is pure: it never touches the filesystem and
// never mutates the baseline.
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/repro/internal/ir"
)

// Parameter names accepted in a reproduction block.
const (
	ParamMode              = "mode"
	ParamRequired          = "required"
	ParamCritical          = "critical"
	ParamIgnore            = "ignore"
	ParamFields            = "fields"
	ParamToleranceAbsolute = "tolerance_absolute"
	ParamToleranceRelative = "tolerance_relative"
)

// allowedParams lists, per mode, the parameters besides mode and required.
var allowedParams = map[string][]string{
	ir.PolicyStrict:   {},
	ir.PolicyIgnore:   {},
	ir.PolicyStandard: {ParamCritical, ParamIgnore},
	ir.PolicyTolerant: {ParamToleranceAbsolute, ParamToleranceRelative, ParamFields, ParamCritical, ParamIgnore},
}

// Parsed is a validated reproduction block.
type Parsed struct {
	Policy ir.Policy

	// Required outputs fail their stage when missing. Defaults to true.
	Required bool
}

// ParsePolicy validates a reproduction block. A nil block yields the
// default mode with no parameters. field locates the block in error messages.
//
// Every problem is an *ir.ConfigurationError: unknown mode, a parameter the
// mode does not accept, a wrong parameter type, standard without critical
// fields, tolerant without any tolerance, or a negative tolerance.
func ParsePolicy(field string, raw map[string]any, defaultMode string) (Parsed, error) {
	out := Parsed{Required: true}

	mode := defaultMode
	if v, ok := raw[ParamMode]; ok {
		s, ok := v.(string)
		if !ok {
			return Parsed{}, typeError(field, ParamMode, "a string", v)
		}
		mode = s
	}
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ir.PolicyStrict
	}

	allowed, ok := allowedParams[mode]
	if !ok {
		return Parsed{}, ir.NewConfigurationError(join(field, ParamMode),
			fmt.Sprintf("unknown reproduction mode %q (want strict, standard, tolerant or ignore)", mode))
	}

	for _, k := range ir.SortedKeys(raw) {
		if k == ParamMode || k == ParamRequired || slices.Contains(allowed, k) {
			continue
		}
		return Parsed{}, ir.NewConfigurationError(join(field, k),
			fmt.Sprintf("parameter not supported by %s mode", mode))
	}

	if v, ok := raw[ParamRequired]; ok {
		b, ok := v.(bool)
		if !ok {
			return Parsed{}, typeError(field, ParamRequired, "a boolean", v)
		}
		out.Required = b
	}

	critical, err := stringList(field, raw, ParamCritical)
	if err != nil {
		return Parsed{}, err
	}
	ignore, err := stringList(field, raw, ParamIgnore)
	if err != nil {
		return Parsed{}, err
	}

	switch mode {
	case ir.PolicyStrict:
		out.Policy = ir.StrictPolicy{}
	case ir.PolicyIgnore:
		out.Policy = ir.IgnorePolicy{}
	case ir.PolicyStandard:
		if len(critical) == 0 {
			return Parsed{}, ir.NewConfigurationError(join(field, ParamCritical),
				"standard mode requires a non-empty list of critical fields")
		}
		out.Policy = ir.StandardPolicy{Critical: critical, Ignore: ignore}
	case ir.PolicyTolerant:
		abs, err := tolerance(field, raw, ParamToleranceAbsolute)
		if err != nil {
			return Parsed{}, err
		}
		rel, err := tolerance(field, raw, ParamToleranceRelative)
		if err != nil {
			return Parsed{}, err
		}
		if abs == nil && rel == nil {
			return Parsed{}, ir.NewConfigurationError(field,
				"tolerant mode requires tolerance_absolute and/or tolerance_relative")
		}
		fields, err := stringList(field, raw, ParamFields)
		if err != nil {
			return Parsed{}, err
		}
		out.Policy = ir.TolerantPolicy{Absolute: abs, Relative: rel, Fields: fields, Critical: critical, Ignore: ignore}
	}
	return out, nil
}

func stringList(field string, raw map[string]any, key string) ([]string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return slices.Clone(list), nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, ir.NewConfigurationError(fmt.Sprintf("%s[%d]", join(field, key), i),
					fmt.Sprintf("expected a non-empty field name, got %v", item))
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return []string{list}, nil
	}
	return nil, typeError(field, key, "a list of field names", v)
}

func tolerance(field string, raw map[string]any, key string) (*float64, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil, typeError(field, key, "a number", v)
		}
		f = parsed
	default:
		return nil, typeError(field, key, "a number", v)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ir.NewConfigurationError(join(field, key), fmt.Sprintf("tolerance must be a finite non-negative number, got %v", f))
	}
	return &f, nil
}

func typeError(field, key, want string, got any) error {
	return ir.NewConfigurationError(join(field, key), fmt.Sprintf("expected %s, got %T", want, got))
}

func join(field, key string) string {
	if field == "" {
		return key
	}
	return field + "." + key
}
