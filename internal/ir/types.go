package ir

import (
	"fmt"
	"time"
)

// Mode selects what a run does with captured fingerprints.
type Mode string

const (
	// ModeExperiment records captured fingerprints as the new baseline.
	ModeExperiment Mode = "experiment"

	// ModeReproduction validates captured fingerprints against the baseline.
	ModeReproduction Mode = "reproduction"
)

// ParseMode converts a user-supplied mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeExperiment, ModeReproduction:
		return Mode(s), nil
	}
	return "", NewConfigurationError("mode", fmt.Sprintf("unknown run mode %q (want experiment or reproduction)", s))
}

// Workflow is a validated, immutable experiment description.
// It is built once per invocation by a loader and never mutated afterwards.
type Workflow struct {
	Version      string             `json:"version"`
	Metadata     Metadata           `json:"metadata"`
	Environment  map[string]any     `json:"environment,omitempty"` // opaque to the runner
	Reproduction ReproductionConfig `json:"reproduction"`
	Stages       []Stage            `json:"stages"`
}

// Metadata describes the experiment for humans and reports.
type Metadata struct {
	Title       string   `json:"title"`
	Authors     []Author `json:"authors,omitempty"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	License     string   `json:"license,omitempty"`
	Repository  string   `json:"repository,omitempty"`
}

// Author identifies a contributor to the experiment.
type Author struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	Email       string `json:"email,omitempty"`
	ORCID       string `json:"orcid,omitempty"`
}

// ReproductionConfig holds workflow-wide reproduction defaults.
type ReproductionConfig struct {
	// RandomSeed is the workflow seed. Nil means the workflow is not seeded.
	RandomSeed *int64 `json:"random_seed,omitempty"`

	// DefaultMode is the policy mode applied to outputs without their own
	// reproduction block. Empty means strict.
	DefaultMode string `json:"default_mode,omitempty"`
}

// Stage is a named unit of work with declared dependencies and outputs.
type Stage struct {
	ID           string       `json:"id"`
	Description  string       `json:"description,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Outputs      []OutputSpec `json:"outputs,omitempty"`

	// HandlerRef is the symbolic reference from the document (code_handler).
	HandlerRef string `json:"code_handler"`

	// Handler is the capability HandlerRef resolved to by the loader.
	Handler Handler `json:"-"`

	Parameters map[string]any `json:"parameters,omitempty"`

	// Timeout overrides the runner's default stage timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`

	// SkipIfUnchanged opts this stage into skipping when its outputs already
	// validate against their baselines.
	SkipIfUnchanged bool `json:"skip_if_unchanged,omitempty"`
}

// OutputSpec declares one artifact a stage produces.
type OutputSpec struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`

	// Shared outputs live in the shared data directory and are compared
	// across modes; others live in the mode-specific output directory.
	Shared bool `json:"shared"`

	// Hash is the recorded baseline fingerprint (written by experiment runs).
	Hash string `json:"hash,omitempty"`

	// HashMethod names the digest used for Hash. Empty means sha256.
	HashMethod string `json:"hash_method,omitempty"`

	// Baseline holds recorded field summaries used by standard and
	// tolerant comparison.
	Baseline map[string]any `json:"baseline,omitempty"`

	// Policy is the parsed reproduction policy. Nil means strict; the
	// document loader resolves default_mode into it.
	Policy Policy `json:"-"`

	// Optional outputs may be missing without failing the stage.
	Optional bool `json:"optional,omitempty"`
}

// HasBaseline reports whether the output carries a recorded fingerprint.
func (o OutputSpec) HasBaseline() bool {
	return o.Hash != ""
}

// StageByID returns the stage with the given id.
func (w *Workflow) StageByID(id string) (Stage, bool) {
	for _, s := range w.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// Clone returns a deep copy of the workflow definition. Handlers are shared;
// they are capabilities, not data.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	out.Environment = cloneMap(w.Environment)
	out.Metadata.Authors = append([]Author(nil), w.Metadata.Authors...)
	out.Metadata.Keywords = append([]string(nil), w.Metadata.Keywords...)
	if w.Reproduction.RandomSeed != nil {
		seed := *w.Reproduction.RandomSeed
		out.Reproduction.RandomSeed = &seed
	}
	out.Stages = make([]Stage, len(w.Stages))
	for i, s := range w.Stages {
		cp := s
		cp.Dependencies = append([]string(nil), s.Dependencies...)
		cp.Parameters = cloneMap(s.Parameters)
		cp.Outputs = make([]OutputSpec, len(s.Outputs))
		for j, o := range s.Outputs {
			oc := o
			oc.Baseline = cloneMap(o.Baseline)
			cp.Outputs[j] = oc
		}
		out.Stages[i] = cp
	}
	return &out
}

// cloneMap deep-copies the JSON-like values produced by document decoding.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, e := range val {
			cp[i] = cloneValue(e)
		}
		return cp
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

// CloneParameters returns a deep copy of a parameter map so handlers cannot
// mutate the workflow definition through it.
func CloneParameters(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return cloneMap(params)
}
