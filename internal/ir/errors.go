package ir

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error taxonomy. Typed errors below match them via
// errors.Is, so callers can classify without knowing the concrete type.
var (
	// ErrConfiguration marks malformed workflows: bad graphs, unknown
	// dependencies, unsupported policy parameters. Fatal before any stage runs.
	ErrConfiguration = errors.New("configuration error")

	// ErrHandler marks a failure raised by an external stage handler.
	ErrHandler = errors.New("handler error")

	// ErrIO marks an artifact that exists but cannot be read.
	ErrIO = errors.New("artifact io error")

	// ErrMissingOutput marks a required declared output that was not produced.
	ErrMissingOutput = errors.New("missing output")

	// ErrTimeout marks a stage handler that exceeded its timeout.
	ErrTimeout = errors.New("stage timeout")
)

// FailureKind categorizes why a stage did not complete.
type FailureKind string

const (
	FailureHandler       FailureKind = "handler"
	FailureIO            FailureKind = "io"
	FailureMissingOutput FailureKind = "missing_output"
	FailureTimeout       FailureKind = "timeout"
	FailureCancelled     FailureKind = "cancelled"
	FailureFailFast      FailureKind = "fail_fast"
	FailureMismatch      FailureKind = "mismatch"
	FailureDependency    FailureKind = "dependency"
	FailureConfiguration FailureKind = "configuration"
)

// ConfigurationError reports an invalid workflow or policy definition.
type ConfigurationError struct {
	// Field locates the problem, e.g. "stages[2].outputs[0].reproduction".
	Field string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// NewConfigurationError creates a ConfigurationError for a field.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

func (e *ConfigurationError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Field != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, msg)
	}
	return "configuration error: " + msg
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// StageError is a stage-local failure. It never aborts the run by itself;
// the runner records it and blocks the stage's dependents.
type StageError struct {
	Kind    FailureKind
	StageID string
	Path    string // output path for io/missing_output failures
	Err     error
}

func (e *StageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("stage %q: %s (%s): %v", e.StageID, e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("stage %q: %s: %v", e.StageID, e.Kind, e.Err)
}

// Is maps the failure kind onto the sentinel errors.
func (e *StageError) Is(target error) bool {
	switch e.Kind {
	case FailureHandler:
		return target == ErrHandler
	case FailureIO:
		return target == ErrIO
	case FailureMissingOutput:
		return target == ErrMissingOutput
	case FailureTimeout:
		return target == ErrTimeout
	}
	return false
}

func (e *StageError) Unwrap() error { return e.Err }

// IOError reports an artifact path that exists but could not be read.
// It is distinct from a missing artifact.
type IOError struct {
	Op   string // "stat", "open", "read", "walk"
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Path, e.Err)
}

// Is reports whether target is ErrIO.
func (e *IOError) Is(target error) bool { return target == ErrIO }

func (e *IOError) Unwrap() error { return e.Err }

// IsConfigurationError returns true if err is or wraps a configuration error.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsIOError returns true if err is or wraps an artifact IO error.
func IsIOError(err error) bool {
	return errors.Is(err, ErrIO)
}

// IsTimeout returns true if err is or wraps a stage timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// FailureFromError converts a stage error into its manifest form.
func FailureFromError(err error) *Failure {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		msg := err.Error()
		if se.Err != nil {
			msg = se.Err.Error()
		}
		return &Failure{Kind: se.Kind, Message: msg, Path: se.Path}
	}
	if IsConfigurationError(err) {
		return &Failure{Kind: FailureConfiguration, Message: err.Error()}
	}
	return &Failure{Kind: FailureHandler, Message: err.Error()}
}
