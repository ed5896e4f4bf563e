package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/roach88/repro/internal/archive"
	"github.com/roach88/repro/internal/env"
	"github.com/roach88/repro/internal/ir"
	"github.com/roach88/repro/internal/store"
	"github.com/roach88/repro/internal/workflow"
)

// Issue is one problem found in a workflow document.
type Issue struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// loadDocument loads path, reporting failures through f as command errors.
func loadDocument(f *OutputFormatter, path string, reg *workflow.Registry) (*workflow.Document, error) {
	doc, err := workflow.Load(path, reg)
	if err == nil {
		f.VerboseLog("Loaded %s (%d stage(s))", path, len(doc.Workflow.Stages))
		return doc, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, f.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("document not found: %s", path), err)
	}
	return nil, f.fail(ExitCommandError, ErrCodeConfig, "invalid workflow document", err)
}

// issues flattens a load error into one Issue per configuration problem.
func issues(err error) []Issue {
	var out []Issue
	var walk func(error)
	walk = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		var cfg *ir.ConfigurationError
		if errors.As(err, &cfg) {
			msg := cfg.Message
			if cfg.Err != nil {
				msg = fmt.Sprintf("%s: %v", msg, cfg.Err)
			}
			out = append(out, Issue{Field: cfg.Field, Message: msg})
			return
		}
		out = append(out, Issue{Message: strings.TrimPrefix(err.Error(), "configuration error: ")})
	}
	walk(err)
	return out
}

// databaseURL returns flag, or REPRO_DATABASE_URL when flag is empty.
func databaseURL(flag string) string {
	if flag != "" {
		return flag
	}
	return env.String(env.DatabaseURL, "")
}

// openStore opens the manifest store, or returns nil when dsn is empty.
func openStore(ctx context.Context, f *OutputFormatter, dsn string, logger *slog.Logger) (*store.Store, error) {
	if dsn == "" {
		return nil, nil
	}
	st, err := store.OpenConfig(ctx, store.Config{DSN: dsn, Logger: logger})
	if err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeStore, "failed to open manifest store", err)
	}
	return st, nil
}

// openArchive connects to the configured object store. force enables it
// even when REPRO_ARCHIVE_ENABLED is unset. Returns nil when disabled.
func openArchive(ctx context.Context, f *OutputFormatter, force bool, logger *slog.Logger) (archive.Archiver, error) {
	cfg, err := archive.ConfigFromEnv()
	if err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeArchive, "invalid archive configuration", err)
	}
	if !cfg.Enabled && !force {
		return nil, nil
	}
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeArchive, "invalid archive configuration", err)
	}
	a, err := archive.NewMinIO(cfg, logger)
	if err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeArchive, "failed to create archive client", err)
	}
	if err := a.EnsureBucket(ctx); err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeArchive, "failed to prepare archive bucket", err)
	}
	return a, nil
}
