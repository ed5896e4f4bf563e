package graph

import (
	"fmt"
	"strings"

	"github.com/roach88/repro/internal/ir"
)

// DuplicateStageError reports two stages declaring the same id.
type DuplicateStageError struct {
	StageID string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("configuration error: duplicate stage id %q", e.StageID)
}

// Is reports whether target is ir.ErrConfiguration.
func (e *DuplicateStageError) Is(target error) bool { return target == ir.ErrConfiguration }

// UnknownDependencyError reports a dependency on a stage that is not declared.
type UnknownDependencyError struct {
	Stage      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("configuration error: stage %q depends on unknown stage %q", e.Stage, e.Dependency)
}

// Is reports whether target is ir.ErrConfiguration.
func (e *UnknownDependencyError) Is(target error) bool { return target == ir.ErrConfiguration }

// CycleError reports a dependency cycle. Path starts and ends with the same
// stage and follows dependency edges.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "configuration error: dependency cycle"
	}
	return "configuration error: dependency cycle: " + strings.Join(e.Path, " -> ")
}

// Is reports whether target is ir.ErrConfiguration.
func (e *CycleError) Is(target error) bool { return target == ir.ErrConfiguration }
