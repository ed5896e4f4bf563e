// Package workflow loads workflow documents and writes recorded baselines
// back into them.
//
// A document is YAML. Loading decodes it with yaml.v3, validates its shape
// against an embedded CUE schema, parses each output's reproduction policy,
// resolves code_handler references through a Registry and checks the stage
// graph. Every problem is an *ir.ConfigurationError naming the field.
//
// The decoded yaml.Node tree is kept, so ApplyManifest can update hashes and
// baselines in place without losing comments or key order.
package workflow

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/repro/internal/artifact"
	"github.com/roach88/repro/internal/graph"
	"github.com/roach88/repro/internal/ir"
	"github.com/roach88/repro/internal/validation"
)

// Document is a loaded workflow document.
type Document struct {
	// Path is where the document was loaded from. Empty for Parse.
	Path string

	// Workflow is the validated definition.
	Workflow *ir.Workflow

	root yaml.Node
}

// Load reads and parses the document at path.
func Load(path string, reg *Registry) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ir.ConfigurationError{Field: "document", Message: "cannot read " + path, Err: err}
	}
	doc, err := Parse(data, reg)
	if err != nil {
		return nil, err
	}
	doc.Path = path
	return doc, nil
}

// Parse parses a document. A nil registry leaves handlers unresolved, which
// is enough for planning and seed listing but not for running.
func Parse(data []byte, reg *Registry) (*Document, error) {
	doc := &Document{}
	if err := yaml.Unmarshal(data, &doc.root); err != nil {
		return nil, &ir.ConfigurationError{Field: "document", Message: "invalid YAML", Err: err}
	}
	if doc.root.Kind != yaml.DocumentNode || len(doc.root.Content) == 0 {
		return nil, ir.NewConfigurationError("document", "document is empty")
	}

	var raw any
	if err := doc.root.Decode(&raw); err != nil {
		return nil, &ir.ConfigurationError{Field: "document", Message: "invalid YAML", Err: err}
	}
	if err := validateSchema(normalize(raw)); err != nil {
		return nil, err
	}

	var d document
	if err := doc.root.Decode(&d); err != nil {
		return nil, &ir.ConfigurationError{Field: "document", Message: "cannot decode document", Err: err}
	}

	wf, err := d.build(reg)
	if err != nil {
		return nil, err
	}
	if _, err := graph.Build(wf.Stages); err != nil {
		return nil, err
	}
	doc.Workflow = wf
	return doc, nil
}

// document mirrors the YAML layout.
type document struct {
	Version      scalar         `yaml:"version"`
	Metadata     metadata       `yaml:"metadata"`
	Environment  map[string]any `yaml:"environment"`
	Reproduction struct {
		RandomSeed  *int64 `yaml:"random_seed"`
		DefaultMode string `yaml:"default_mode"`
	} `yaml:"reproduction"`
	Stages []stage `yaml:"stages"`
}

type metadata struct {
	Title       string      `yaml:"title"`
	Authors     []ir.Author `yaml:"authors"`
	Description string      `yaml:"description"`
	Keywords    []string    `yaml:"keywords"`
	License     string      `yaml:"license"`
	Repository  string      `yaml:"repository"`
}

type stage struct {
	ID              string         `yaml:"id"`
	Description     string         `yaml:"description"`
	Dependencies    []string       `yaml:"dependencies"`
	CodeHandler     string         `yaml:"code_handler"`
	Parameters      map[string]any `yaml:"parameters"`
	Timeout         scalar         `yaml:"timeout"`
	SkipIfUnchanged bool           `yaml:"skip_if_unchanged"`
	Outputs         []output       `yaml:"outputs"`
}

type output struct {
	Path         string         `yaml:"path"`
	Description  string         `yaml:"description"`
	Shared       bool           `yaml:"shared"`
	Hash         string         `yaml:"hash"`
	HashMethod   string         `yaml:"hash_method"`
	Baseline     map[string]any `yaml:"baseline"`
	Reproduction map[string]any `yaml:"reproduction"`
}

// scalar keeps a YAML scalar's literal text, so "version: 1.10" stays
// "1.10" instead of becoming a float.
type scalar struct {
	value string
	tag   string
}

func (s *scalar) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", n.Line)
	}
	s.value = n.Value
	s.tag = n.ShortTag()
	return nil
}

func (d *document) build(reg *Registry) (*ir.Workflow, error) {
	wf := &ir.Workflow{
		Version: d.Version.value,
		Metadata: ir.Metadata{
			Title:       d.Metadata.Title,
			Authors:     d.Metadata.Authors,
			Description: d.Metadata.Description,
			Keywords:    d.Metadata.Keywords,
			License:     d.Metadata.License,
			Repository:  d.Metadata.Repository,
		},
		Environment: normalizeMap(d.Environment),
		Reproduction: ir.ReproductionConfig{
			RandomSeed:  d.Reproduction.RandomSeed,
			DefaultMode: d.Reproduction.DefaultMode,
		},
		Stages: make([]ir.Stage, 0, len(d.Stages)),
	}

	for i, s := range d.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		st := ir.Stage{
			ID:              s.ID,
			Description:     s.Description,
			Dependencies:    s.Dependencies,
			HandlerRef:      s.CodeHandler,
			Parameters:      normalizeMap(s.Parameters),
			SkipIfUnchanged: s.SkipIfUnchanged,
		}

		timeout, err := parseTimeout(field+".timeout", s.Timeout)
		if err != nil {
			return nil, err
		}
		st.Timeout = timeout

		if reg != nil {
			h, ok := reg.Resolve(s.CodeHandler)
			if !ok {
				return nil, ir.NewConfigurationError(field+".code_handler",
					fmt.Sprintf("unknown handler %q (registered: %s)", s.CodeHandler, strings.Join(reg.Names(), ", ")))
			}
			st.Handler = h
		}

		for j, o := range s.Outputs {
			spec, err := o.build(fmt.Sprintf("%s.outputs[%d]", field, j), wf.Reproduction.DefaultMode)
			if err != nil {
				return nil, err
			}
			st.Outputs = append(st.Outputs, spec)
		}
		wf.Stages = append(wf.Stages, st)
	}
	return wf, nil
}

func (o output) build(field, defaultMode string) (ir.OutputSpec, error) {
	parsed, err := validation.ParsePolicy(field+".reproduction", normalizeMap(o.Reproduction), defaultMode)
	if err != nil {
		return ir.OutputSpec{}, err
	}
	method := ""
	if o.HashMethod != "" {
		if method, err = artifact.NormalizeMethod(o.HashMethod); err != nil {
			return ir.OutputSpec{}, ir.NewConfigurationError(field+".hash_method",
				fmt.Sprintf("unknown hash method %q (want one of %s)", o.HashMethod, strings.Join(artifact.Methods(), ", ")))
		}
	}
	return ir.OutputSpec{
		Path:        o.Path,
		Description: o.Description,
		Shared:      o.Shared,
		Hash:        o.Hash,
		HashMethod:  method,
		Baseline:    normalizeMap(o.Baseline),
		Policy:      parsed.Policy,
		Optional:    !parsed.Required,
	}, nil
}

// parseTimeout accepts a Go duration string ("90s", "1h30m") or a number of
// seconds.
func parseTimeout(field string, s scalar) (time.Duration, error) {
	if s.value == "" {
		return 0, nil
	}
	var d time.Duration
	switch s.tag {
	case "!!int", "!!float":
		secs, err := strconv.ParseFloat(s.value, 64)
		if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, ir.NewConfigurationError(field, fmt.Sprintf("invalid timeout %q", s.value))
		}
		d = time.Duration(secs * float64(time.Second))
	default:
		parsed, err := time.ParseDuration(s.value)
		if err != nil {
			return 0, &ir.ConfigurationError{Field: field, Message: fmt.Sprintf("invalid timeout %q", s.value), Err: err}
		}
		d = parsed
	}
	if d < 0 {
		return 0, ir.NewConfigurationError(field, "timeout must not be negative")
	}
	return d, nil
}

// normalize rewrites decoded YAML into JSON-like values: mappings with
// non-string keys become map[string]any.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeMap(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

// Bytes renders the document's current YAML tree.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&d.root); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return buf.Bytes(), nil
}
