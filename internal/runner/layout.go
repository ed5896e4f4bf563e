package runner

import (
	"path/filepath"

	"github.com/roach88/repro/internal/ir"
)

// Layout maps declared output paths onto the filesystem.
//
// Shared outputs (typically inputs or data reused across modes) live in
// SharedDir. Everything else is written to a directory per mode, so an
// experiment's outputs are never overwritten by its reproduction.
// Relative directories are resolved against BaseDir.
type Layout struct {
	BaseDir         string
	ExperimentDir   string
	ReproductionDir string
	SharedDir       string
}

// DefaultLayout returns the conventional layout rooted at base.
func DefaultLayout(base string) Layout {
	return Layout{BaseDir: base}.withDefaults()
}

func (l Layout) withDefaults() Layout {
	if l.BaseDir == "" {
		l.BaseDir = "."
	}
	if l.ExperimentDir == "" {
		l.ExperimentDir = "experiment"
	}
	if l.ReproductionDir == "" {
		l.ReproductionDir = "reproduction"
	}
	if l.SharedDir == "" {
		l.SharedDir = "shared"
	}
	return l
}

// OutputDir is the mode-specific output directory.
func (l Layout) OutputDir(mode ir.Mode) string {
	l = l.withDefaults()
	if mode == ir.ModeReproduction {
		return l.under(l.ReproductionDir)
	}
	return l.under(l.ExperimentDir)
}

// Shared is the shared data directory.
func (l Layout) Shared() string {
	l = l.withDefaults()
	return l.under(l.SharedDir)
}

// Resolve returns where a declared output lives in a run of the given mode.
// Absolute paths are used as is.
func (l Layout) Resolve(path string, shared bool, mode ir.Mode) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	if shared {
		return filepath.Join(l.Shared(), filepath.FromSlash(path))
	}
	return filepath.Join(l.OutputDir(mode), filepath.FromSlash(path))
}

func (l Layout) under(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(l.BaseDir, dir)
}
