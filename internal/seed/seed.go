// Package seed owns the process-wide randomness configuration of a run.
//
// Stage code is opaque, so the only way to make it repeatable is to seed every
// randomness source it may draw from before it runs. The embedding application
// registers those sources as Backends; the Manager installs a per-stage seed
// into all of them on EnterStage and restores the workflow baseline on
// ExitStage.
//
// Lifecycle:
//
//	m := seed.NewManager(logger)
//	m.Register("rand", seed.NewRandBackend())
//	m.Initialize(workflowSeed)        // baseline installed everywhere
//	s, _ := m.EnterStage("train")     // derived seed installed
//	...                               // stage runs
//	m.ExitStage()                     // baseline (or exact prior state) restored
//
// The bracket is the only mutation path after Initialize, and at most one
// bracket is active at a time.
package seed

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/repro/internal/ir"
)

var (
	// ErrNotInitialized is returned by EnterStage before Initialize.
	ErrNotInitialized = errors.New("seed manager not initialized")

	// ErrBracketActive is returned by EnterStage while another stage holds
	// the bracket.
	ErrBracketActive = errors.New("seed bracket already active")

	// ErrNoBracket is returned by ExitStage without a matching EnterStage.
	ErrNoBracket = errors.New("no active seed bracket")
)

// Backend is a randomness source that can be reseeded.
type Backend interface {
	SetSeed(seed int64) error
}

// Snapshotter is implemented by backends that can capture and restore their
// exact state. For these, ExitStage restores the state observed at
// EnterStage instead of reseeding with the baseline.
type Snapshotter interface {
	Snapshot() (any, error)
	Restore(state any) error
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(seed int64) error

// SetSeed calls f(seed).
func (f BackendFunc) SetSeed(seed int64) error { return f(seed) }

type registered struct {
	name    string
	backend Backend
}

// Manager derives per-stage seeds and brackets their installation.
// It is safe for concurrent use; brackets never overlap.
type Manager struct {
	mu sync.Mutex

	backends     []registered
	initialized  bool
	workflowSeed int64

	active    string
	hasActive bool
	snapshots map[string]any

	logger *slog.Logger
}

// NewManager creates a manager with no backends.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Register adds a backend. Backends are seeded in registration order and
// restored in reverse. Registering a name twice replaces the earlier backend.
func (m *Manager) Register(name string, b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.backends {
		if r.name == name {
			m.backends[i].backend = b
			return
		}
	}
	m.backends = append(m.backends, registered{name: name, backend: b})
}

// Backends returns the registered backend names in registration order.
func (m *Manager) Backends() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.backends))
	for i, r := range m.backends {
		names[i] = r.name
	}
	return names
}

// Initialize sets the workflow seed and installs it as the baseline in every
// backend. It may be called again between runs, never inside a bracket.
func (m *Manager) Initialize(workflowSeed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasActive {
		return fmt.Errorf("initialize during stage %q: %w", m.active, ErrBracketActive)
	}

	var errs []error
	for _, r := range m.backends {
		if err := r.backend.SetSeed(workflowSeed); err != nil {
			errs = append(errs, fmt.Errorf("backend %q: %w", r.name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("install baseline seed: %w", err)
	}

	m.workflowSeed = workflowSeed
	m.initialized = true
	m.logger.Debug("seed baseline installed", "seed", workflowSeed, "backends", len(m.backends))
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// WorkflowSeed returns the baseline seed.
func (m *Manager) WorkflowSeed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workflowSeed
}

// DeriveStageSeed returns the deterministic seed for a stage. No registration
// of stage ids is required.
func (m *Manager) DeriveStageSeed(stageID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ir.DeriveSeed(m.workflowSeed, stageID)
}

// EnterStage installs the stage's derived seed into every backend and returns
// it. If any backend fails, the backends already touched are restored before
// the error is returned and no bracket is left active.
func (m *Manager) EnterStage(stageID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return 0, ErrNotInitialized
	}
	if m.hasActive {
		return 0, fmt.Errorf("enter stage %q while %q is active: %w", stageID, m.active, ErrBracketActive)
	}

	seed := ir.DeriveSeed(m.workflowSeed, stageID)
	m.snapshots = make(map[string]any)

	for i, r := range m.backends {
		if s, ok := r.backend.(Snapshotter); ok {
			state, err := s.Snapshot()
			if err != nil {
				m.restore(m.backends[:i])
				return 0, fmt.Errorf("snapshot backend %q: %w", r.name, err)
			}
			m.snapshots[r.name] = state
		}
		if err := r.backend.SetSeed(seed); err != nil {
			m.restore(m.backends[:i+1])
			return 0, fmt.Errorf("seed backend %q for stage %q: %w", r.name, stageID, err)
		}
	}

	m.active = stageID
	m.hasActive = true
	m.logger.Debug("stage seed installed", "stage", stageID, "seed", seed)
	return seed, nil
}

// ExitStage restores every backend to its pre-stage state and closes the
// bracket. Restoration is attempted on every backend even if some fail.
func (m *Manager) ExitStage() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasActive {
		return ErrNoBracket
	}
	stageID := m.active
	err := m.restore(m.backends)
	m.active = ""
	m.hasActive = false
	m.snapshots = nil

	if err != nil {
		return fmt.Errorf("restore seeds after stage %q: %w", stageID, err)
	}
	m.logger.Debug("stage seed restored", "stage", stageID)
	return nil
}

// Active returns the stage holding the bracket, if any.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.hasActive
}

// Bracket runs fn between EnterStage and ExitStage. The exit runs even if fn
// panics; the panic is then re-raised.
func (m *Manager) Bracket(stageID string, fn func(seed int64) error) (err error) {
	seed, err := m.EnterStage(stageID)
	if err != nil {
		return err
	}
	defer func() {
		if exitErr := m.ExitStage(); exitErr != nil {
			err = errors.Join(err, exitErr)
		}
	}()
	return fn(seed)
}

// restore returns the given backends, in reverse order, to their snapshot or
// to the baseline seed. Callers hold m.mu.
func (m *Manager) restore(backends []registered) error {
	var errs []error
	for i := len(backends) - 1; i >= 0; i-- {
		r := backends[i]
		if state, ok := m.snapshots[r.name]; ok {
			if err := r.backend.(Snapshotter).Restore(state); err != nil {
				errs = append(errs, fmt.Errorf("backend %q: %w", r.name, err))
			}
			continue
		}
		if err := r.backend.SetSeed(m.workflowSeed); err != nil {
			errs = append(errs, fmt.Errorf("backend %q: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}
