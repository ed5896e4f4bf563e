package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the terminal state of a stage within one run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"   // a dependency failed; never executed
	StatusSkipped   Status = "skipped"   // outputs already validated; not executed
	StatusCancelled Status = "cancelled" // run cancelled or aborted before it started
)

// Verdict is the outcome of validating one output.
type Verdict string

const (
	VerdictMatch    Verdict = "match"
	VerdictMismatch Verdict = "mismatch"
	VerdictMissing  Verdict = "missing"
	VerdictSkipped  Verdict = "skipped"
)

// FileDigest is the fingerprint of one file inside a directory artifact.
type FileDigest struct {
	Path        string `json:"path"` // slash-separated, relative to the directory
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
}

// Capture is what the artifact recorder observed for one declared output.
type Capture struct {
	Exists      bool           `json:"exists"`
	IsDir       bool           `json:"is_dir,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	HashMethod  string         `json:"hash_method,omitempty"`
	Size        int64          `json:"size"`
	FileCount   int            `json:"file_count,omitempty"`
	Files       []FileDigest   `json:"files,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Baseline is the recorded reference an output is validated against.
type Baseline struct {
	Fingerprint string
	HashMethod  string
	Files       []FileDigest
	Fields      map[string]any
}

// BaselineFromSpec returns the baseline recorded in a workflow document,
// or nil if the output has never been recorded.
func BaselineFromSpec(o OutputSpec) *Baseline {
	if !o.HasBaseline() {
		return nil
	}
	return &Baseline{
		Fingerprint: o.Hash,
		HashMethod:  o.HashMethod,
		Fields:      o.Baseline,
	}
}

// BaselineFromCapture returns the baseline a prior capture represents,
// or nil if the artifact did not exist.
func BaselineFromCapture(c Capture) *Baseline {
	if !c.Exists || c.Fingerprint == "" {
		return nil
	}
	return &Baseline{
		Fingerprint: c.Fingerprint,
		HashMethod:  c.HashMethod,
		Files:       c.Files,
		Fields:      c.Fields,
	}
}

// FieldDiff describes one field that failed comparison.
type FieldDiff struct {
	Field    string `json:"field"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Reason   string `json:"reason"`
}

// ValidationResult is the verdict for one output plus diagnostics.
type ValidationResult struct {
	Path     string      `json:"path"`
	Mode     string      `json:"mode"`
	Verdict  Verdict     `json:"verdict"`
	Detail   string      `json:"detail,omitempty"`
	Expected string      `json:"expected,omitempty"` // baseline fingerprint
	Actual   string      `json:"actual,omitempty"`   // current fingerprint
	Diffs    []FieldDiff `json:"diffs,omitempty"`
}

// FailsRun reports whether this result makes the whole run fail.
// By convention a mismatch on a shared or strict output does.
func (r ValidationResult) FailsRun(shared bool) bool {
	return r.Verdict == VerdictMismatch && (shared || r.Mode == PolicyStrict)
}

// Failure is the manifest form of a stage error.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Path    string      `json:"path,omitempty"`
}

// OutputRecord is everything recorded about one declared output in a run.
type OutputRecord struct {
	Path         string            `json:"path"`
	ResolvedPath string            `json:"resolved_path"`
	Shared       bool              `json:"shared"`
	Capture      Capture           `json:"capture"`
	Validation   *ValidationResult `json:"validation,omitempty"`
}

// StageEntry is the immutable record of one stage in one run.
type StageEntry struct {
	Seq      int64          `json:"seq"`
	StageID  string         `json:"stage_id"`
	Status   Status         `json:"status"`
	Seed     *int64         `json:"seed,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	Failure  *Failure       `json:"failure,omitempty"`
	Outputs  []OutputRecord `json:"outputs,omitempty"`
}

// RunManifest is the durable record of one run.
//
// Entries are append-only: Append rejects a second entry for a stage, and
// every accessor returns copies. The manifest is owned by the run that
// creates it; external readers must wait until the run returns.
type RunManifest struct {
	RunID          string
	WorkflowDigest string
	Title          string
	Mode           Mode
	WorkflowSeed   *int64
	Target         string
	StartedAt      time.Time
	FinishedAt     time.Time

	entries []StageEntry
	index   map[string]int
}

// NewRunManifest creates an empty manifest for a run.
func NewRunManifest(runID, digest, title string, mode Mode, seed *int64, target string, startedAt time.Time) *RunManifest {
	m := &RunManifest{
		RunID:          runID,
		WorkflowDigest: digest,
		Title:          title,
		Mode:           mode,
		Target:         target,
		StartedAt:      startedAt,
		index:          make(map[string]int),
	}
	if seed != nil {
		s := *seed
		m.WorkflowSeed = &s
	}
	return m
}

// Append adds a completed stage entry. Entries are never replaced.
func (m *RunManifest) Append(e StageEntry) error {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if _, exists := m.index[e.StageID]; exists {
		return fmt.Errorf("manifest already has an entry for stage %q", e.StageID)
	}
	m.index[e.StageID] = len(m.entries)
	m.entries = append(m.entries, copyEntry(e))
	return nil
}

// Finish stamps the completion time.
func (m *RunManifest) Finish(at time.Time) {
	m.FinishedAt = at
}

// Len returns the number of entries.
func (m *RunManifest) Len() int { return len(m.entries) }

// Entries returns copies of all entries in execution order.
func (m *RunManifest) Entries() []StageEntry {
	out := make([]StageEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = copyEntry(e)
	}
	return out
}

// Entry returns a copy of the entry for a stage.
func (m *RunManifest) Entry(stageID string) (StageEntry, bool) {
	i, ok := m.index[stageID]
	if !ok {
		return StageEntry{}, false
	}
	return copyEntry(m.entries[i]), true
}

// Output returns the recorded output for a stage and declared path.
func (m *RunManifest) Output(stageID, path string) (OutputRecord, bool) {
	e, ok := m.Entry(stageID)
	if !ok {
		return OutputRecord{}, false
	}
	for _, o := range e.Outputs {
		if o.Path == path {
			return o, true
		}
	}
	return OutputRecord{}, false
}

// Recorded returns the capture a stage produced for path, if the stage
// completed (or was skipped as unchanged) and the output exists. Only such
// captures may serve as baselines.
func (m *RunManifest) Recorded(stageID, path string) (Capture, bool) {
	e, ok := m.Entry(stageID)
	if !ok || (e.Status != StatusCompleted && e.Status != StatusSkipped) {
		return Capture{}, false
	}
	rec, ok := m.Output(stageID, path)
	if !ok || !rec.Capture.Exists || rec.Capture.Fingerprint == "" {
		return Capture{}, false
	}
	return rec.Capture, true
}

// Summary aggregates stage statuses and verdicts.
type Summary struct {
	Stages    int `json:"stages"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`

	Matches           int `json:"matches"`
	Mismatches        int `json:"mismatches"`
	Missing           int `json:"missing"`
	Unvalidated       int `json:"unvalidated"`
	FailingMismatches int `json:"failing_mismatches"`
}

// Summary computes the aggregate counts for the manifest.
func (m *RunManifest) Summary() Summary {
	var s Summary
	for _, e := range m.entries {
		s.Stages++
		switch e.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusBlocked:
			s.Blocked++
		case StatusSkipped:
			s.Skipped++
		case StatusCancelled:
			s.Cancelled++
		}
		for _, o := range e.Outputs {
			if o.Validation == nil {
				continue
			}
			switch o.Validation.Verdict {
			case VerdictMatch:
				s.Matches++
			case VerdictMismatch:
				s.Mismatches++
				if o.Validation.FailsRun(o.Shared) {
					s.FailingMismatches++
				}
			case VerdictMissing:
				s.Missing++
			case VerdictSkipped:
				s.Unvalidated++
			}
		}
	}
	return s
}

// Succeeded reports whether the run as a whole passed: no stage failed,
// was blocked or cancelled, and no shared or strict output mismatched.
func (m *RunManifest) Succeeded() bool {
	s := m.Summary()
	return s.Failed == 0 && s.Blocked == 0 && s.Cancelled == 0 && s.FailingMismatches == 0
}

// manifestJSON is the serialized form of a RunManifest.
type manifestJSON struct {
	ManifestVersion string       `json:"manifest_version"`
	RunnerVersion   string       `json:"runner_version"`
	RunID           string       `json:"run_id"`
	WorkflowDigest  string       `json:"workflow_digest"`
	Title           string       `json:"title,omitempty"`
	Mode            Mode         `json:"mode"`
	WorkflowSeed    *int64       `json:"workflow_seed,omitempty"`
	Target          string       `json:"target,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
	Succeeded       bool         `json:"succeeded"`
	Summary         Summary      `json:"summary"`
	Entries         []StageEntry `json:"entries"`
}

// MarshalJSON implements json.Marshaler.
func (m *RunManifest) MarshalJSON() ([]byte, error) {
	entries := m.entries
	if entries == nil {
		entries = []StageEntry{}
	}
	return json.Marshal(manifestJSON{
		ManifestVersion: ManifestVersion,
		RunnerVersion:   RunnerVersion,
		RunID:           m.RunID,
		WorkflowDigest:  m.WorkflowDigest,
		Title:           m.Title,
		Mode:            m.Mode,
		WorkflowSeed:    m.WorkflowSeed,
		Target:          m.Target,
		StartedAt:       m.StartedAt,
		FinishedAt:      m.FinishedAt,
		Succeeded:       m.Succeeded(),
		Summary:         m.Summary(),
		Entries:         entries,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *RunManifest) UnmarshalJSON(data []byte) error {
	var raw manifestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = RunManifest{
		RunID:          raw.RunID,
		WorkflowDigest: raw.WorkflowDigest,
		Title:          raw.Title,
		Mode:           raw.Mode,
		WorkflowSeed:   raw.WorkflowSeed,
		Target:         raw.Target,
		StartedAt:      raw.StartedAt,
		FinishedAt:     raw.FinishedAt,
		index:          make(map[string]int, len(raw.Entries)),
	}
	for _, e := range raw.Entries {
		if err := m.Append(e); err != nil {
			return err
		}
	}
	return nil
}

func copyEntry(e StageEntry) StageEntry {
	out := e
	if e.Seed != nil {
		s := *e.Seed
		out.Seed = &s
	}
	if e.Failure != nil {
		f := *e.Failure
		out.Failure = &f
	}
	if e.Outputs != nil {
		out.Outputs = make([]OutputRecord, len(e.Outputs))
		for i, o := range e.Outputs {
			out.Outputs[i] = copyOutput(o)
		}
	}
	return out
}

func copyOutput(o OutputRecord) OutputRecord {
	out := o
	out.Capture.Files = append([]FileDigest(nil), o.Capture.Files...)
	out.Capture.Fields = cloneMap(o.Capture.Fields)
	if o.Validation != nil {
		v := *o.Validation
		v.Diffs = append([]FieldDiff(nil), o.Validation.Diffs...)
		out.Validation = &v
	}
	return out
}
