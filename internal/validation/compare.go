package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/repro/internal/ir"
)

// Compare validates current against baseline under p.
//
// Verdicts:
//   - Missing when the current artifact does not exist
//   - Skipped under the ignore policy or when there is no baseline
//   - Match when fingerprints are identical under the same hash method,
//     whatever the policy
//   - otherwise the policy decides (see StrictPolicy, StandardPolicy and
//     TolerantPolicy)
func Compare(p ir.Policy, baseline *ir.Baseline, current ir.Capture) ir.ValidationResult {
	if p == nil {
		p = ir.StrictPolicy{}
	}
	res := ir.ValidationResult{
		Mode:   p.Mode(),
		Actual: current.Fingerprint,
	}

	if !current.Exists {
		res.Verdict = ir.VerdictMissing
		res.Detail = "artifact not found"
		return res
	}
	if _, ok := p.(ir.IgnorePolicy); ok {
		res.Verdict = ir.VerdictSkipped
		res.Detail = "validation disabled"
		return res
	}
	if baseline == nil || baseline.Fingerprint == "" {
		res.Verdict = ir.VerdictSkipped
		res.Detail = "no baseline recorded"
		return res
	}
	res.Expected = baseline.Fingerprint

	sameMethod := methodOrDefault(baseline.HashMethod) == methodOrDefault(current.HashMethod)
	if sameMethod && baseline.Fingerprint == current.Fingerprint {
		res.Verdict = ir.VerdictMatch
		res.Detail = "identical fingerprint"
		return res
	}

	switch pol := p.(type) {
	case ir.StrictPolicy:
		res.Verdict = ir.VerdictMismatch
		if !sameMethod {
			res.Detail = fmt.Sprintf("hash method differs: baseline %s, current %s",
				methodOrDefault(baseline.HashMethod), methodOrDefault(current.HashMethod))
			return res
		}
		res.Detail = "fingerprint differs"
		if baseline.Files != nil && current.Files != nil {
			res.Diffs = fileDiffs(baseline.Files, current.Files)
		}
	case ir.StandardPolicy:
		var compared int
		res.Diffs, compared = compareStandard(pol, baseline.Fields, current.Fields)
		res.Verdict, res.Detail = fieldVerdict(res.Diffs, compared, "critical fields match")
	case ir.TolerantPolicy:
		var compared int
		res.Diffs, compared = compareTolerant(pol, baseline.Fields, current.Fields)
		res.Verdict, res.Detail = fieldVerdict(res.Diffs, compared, "all fields within tolerance")
	default:
		// Unreachable while Policy stays sealed.
		res.Verdict = ir.VerdictMismatch
		res.Detail = fmt.Sprintf("unsupported policy %T", p)
	}
	return res
}

// RunFailing reports whether a result fails the whole run: a mismatch on a
// shared output or under the strict policy does.
func RunFailing(r ir.ValidationResult, shared bool) bool {
	return r.FailsRun(shared)
}

func methodOrDefault(m string) string {
	if m == "" || m == "file" || m == "content" {
		return "sha256"
	}
	return strings.ToLower(m)
}

// fieldVerdict runs only after fingerprints differ: comparing no field at
// all is a mismatch.
func fieldVerdict(diffs []ir.FieldDiff, compared int, matchDetail string) (ir.Verdict, string) {
	if len(diffs) == 0 && compared == 0 {
		return ir.VerdictMismatch, "fingerprint differs and no comparable fields"
	}
	if len(diffs) == 0 {
		return ir.VerdictMatch, matchDetail
	}
	return ir.VerdictMismatch, fmt.Sprintf("%d field(s) differ", len(diffs))
}

func fileDiffs(baseline, current []ir.FileDigest) []ir.FieldDiff {
	base := make(map[string]string, len(baseline))
	for _, f := range baseline {
		base[f.Path] = f.Fingerprint
	}
	cur := make(map[string]string, len(current))
	for _, f := range current {
		cur[f.Path] = f.Fingerprint
	}

	var diffs []ir.FieldDiff
	for p, fb := range base {
		fc, ok := cur[p]
		switch {
		case !ok:
			diffs = append(diffs, ir.FieldDiff{Field: p, Expected: fb, Reason: "file removed"})
		case fc != fb:
			diffs = append(diffs, ir.FieldDiff{Field: p, Expected: fb, Actual: fc, Reason: "file content differs"})
		}
	}
	for p, fc := range cur {
		if _, ok := base[p]; !ok {
			diffs = append(diffs, ir.FieldDiff{Field: p, Actual: fc, Reason: "file added"})
		}
	}
	sortDiffs(diffs)
	return diffs
}

func compareStandard(p ir.StandardPolicy, baseline, current map[string]any) ([]ir.FieldDiff, int) {
	var (
		diffs    []ir.FieldDiff
		compared = make(map[string]bool)
	)
	for _, pattern := range p.Critical {
		names := expand(pattern, baseline, p.Ignore)
		if len(names) == 0 {
			if !ignored(pattern, p.Ignore) {
				diffs = append(diffs, ir.FieldDiff{Field: pattern, Reason: "critical field not in baseline"})
			}
			continue
		}
		for _, name := range names {
			compared[name] = true
			if d, ok := exact(name, baseline, current); !ok {
				diffs = append(diffs, d)
			}
		}
	}
	sortDiffs(diffs)
	return dedupe(diffs), len(compared)
}

func compareTolerant(p ir.TolerantPolicy, baseline, current map[string]any) ([]ir.FieldDiff, int) {
	var (
		diffs    []ir.FieldDiff
		compared = make(map[string]bool)
	)

	var numeric []string
	if len(p.Fields) > 0 {
		for _, pattern := range p.Fields {
			names := expand(pattern, baseline, p.Ignore)
			if len(names) == 0 && !ignored(pattern, p.Ignore) {
				diffs = append(diffs, ir.FieldDiff{Field: pattern, Reason: "field not in baseline"})
			}
			numeric = append(numeric, names...)
		}
	} else {
		for _, name := range ir.SortedKeys(baseline) {
			if _, ok := toFloat(baseline[name]); ok && !ignored(name, p.Ignore) {
				numeric = append(numeric, name)
			}
		}
	}

	for _, name := range numeric {
		if compared[name] {
			continue
		}
		compared[name] = true

		b, bok := toFloat(baseline[name])
		if !bok {
			// Non-numeric baseline values fall back to exact comparison.
			if d, ok := exact(name, baseline, current); !ok {
				diffs = append(diffs, d)
			}
			continue
		}
		cv, present := current[name]
		if !present {
			diffs = append(diffs, ir.FieldDiff{Field: name, Expected: b, Reason: "missing in current"})
			continue
		}
		c, cok := toFloat(cv)
		if !cok {
			diffs = append(diffs, ir.FieldDiff{Field: name, Expected: b, Actual: cv, Reason: "not numeric in current"})
			continue
		}
		if !withinTolerance(b, c, p.Absolute, p.Relative) {
			diffs = append(diffs, ir.FieldDiff{Field: name, Expected: b, Actual: c, Reason: toleranceReason(b, c, p)})
		}
	}

	// Non-numeric content: declared critical fields, or every non-numeric
	// baseline field when none are declared.
	var exactNames []string
	if len(p.Critical) > 0 {
		for _, pattern := range p.Critical {
			names := expand(pattern, baseline, p.Ignore)
			if len(names) == 0 && !ignored(pattern, p.Ignore) {
				diffs = append(diffs, ir.FieldDiff{Field: pattern, Reason: "critical field not in baseline"})
			}
			exactNames = append(exactNames, names...)
		}
	} else {
		for _, name := range ir.SortedKeys(baseline) {
			if _, isNum := toFloat(baseline[name]); !isNum && !ignored(name, p.Ignore) {
				exactNames = append(exactNames, name)
			}
		}
	}
	for _, name := range exactNames {
		if compared[name] {
			continue
		}
		compared[name] = true
		if d, ok := exact(name, baseline, current); !ok {
			diffs = append(diffs, d)
		}
	}

	sortDiffs(diffs)
	return diffs, len(compared)
}

// exact compares one field for equality on both sides.
func exact(name string, baseline, current map[string]any) (ir.FieldDiff, bool) {
	b, bok := baseline[name]
	c, cok := current[name]
	switch {
	case !bok:
		return ir.FieldDiff{Field: name, Actual: c, Reason: "missing in baseline"}, false
	case !cok:
		return ir.FieldDiff{Field: name, Expected: b, Reason: "missing in current"}, false
	case !equalValues(b, c):
		return ir.FieldDiff{Field: name, Expected: b, Actual: c, Reason: "value differs"}, false
	}
	return ir.FieldDiff{}, true
}

func equalValues(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// toFloat accepts the numeric types produced by document and artifact
// decoding.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// withinTolerance accepts b≈c if either configured bound holds.
func withinTolerance(b, c float64, abs, rel *float64) bool {
	if b == c {
		return true
	}
	diff := math.Abs(b - c)
	if abs != nil && diff <= *abs {
		return true
	}
	if rel != nil {
		scale := math.Max(math.Abs(b), math.Abs(c))
		if scale == 0 || diff/scale <= *rel {
			return true
		}
	}
	return false
}

func toleranceReason(b, c float64, p ir.TolerantPolicy) string {
	diff := math.Abs(b - c)
	var parts []string
	if p.Absolute != nil {
		parts = append(parts, fmt.Sprintf("|diff| %g > %g", diff, *p.Absolute))
	}
	if p.Relative != nil {
		scale := math.Max(math.Abs(b), math.Abs(c))
		parts = append(parts, fmt.Sprintf("relative %g > %g", diff/scale, *p.Relative))
	}
	return "outside tolerance: " + strings.Join(parts, ", ")
}

// expand resolves a field pattern against the baseline's field names,
// dropping ignored ones.
func expand(pattern string, baseline map[string]any, ignore []string) []string {
	if !strings.Contains(pattern, "*") {
		if ignored(pattern, ignore) {
			return nil
		}
		if _, ok := baseline[pattern]; !ok {
			return nil
		}
		return []string{pattern}
	}
	var out []string
	for _, name := range ir.SortedKeys(baseline) {
		if matchField(pattern, name) && !ignored(name, ignore) {
			out = append(out, name)
		}
	}
	return out
}

func ignored(name string, ignore []string) bool {
	for _, pattern := range ignore {
		if matchField(pattern, name) {
			return true
		}
	}
	return false
}

// matchField matches name against pattern, where "*" matches any run of
// characters and everything else is literal.
func matchField(pattern, name string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	rest := name[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(rest, part)
		if i < 0 {
			return false
		}
		rest = rest[i+len(part):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}

func sortDiffs(diffs []ir.FieldDiff) {
	slices.SortStableFunc(diffs, func(a, b ir.FieldDiff) int { return strings.Compare(a.Field, b.Field) })
}

func dedupe(diffs []ir.FieldDiff) []ir.FieldDiff {
	return slices.CompactFunc(diffs, func(a, b ir.FieldDiff) bool { return a.Field == b.Field })
}
