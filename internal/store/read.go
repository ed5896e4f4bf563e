package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/repro/internal/ir"
)

// RunSummary is one row of run history.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	WorkflowDigest string    `json:"workflow_digest"`
	Title          string    `json:"title"`
	Mode           ir.Mode   `json:"mode"`
	WorkflowSeed   *int64    `json:"workflow_seed,omitempty"`
	Target         string    `json:"target,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Succeeded      bool      `json:"succeeded"`
	Stages         int       `json:"stages"`
	Failed         int       `json:"failed"` // failed, blocked or cancelled
	Mismatches     int       `json:"mismatches"`
}

const runColumns = `run_id, workflow_digest, title, mode, workflow_seed, target,
	started_at_ns, finished_at_ns, succeeded, stages, failed, mismatches`

// LoadManifest returns the stored manifest for runID, with entries in seq
// order. Returns ErrNotFound if the run is not stored.
func (s *Store) LoadManifest(ctx context.Context, runID string) (*ir.RunManifest, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`), runID)
	sum, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load manifest %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", runID, err)
	}

	m := ir.NewRunManifest(sum.RunID, sum.WorkflowDigest, sum.Title, sum.Mode, sum.WorkflowSeed, sum.Target, sum.StartedAt)
	m.Finish(sum.FinishedAt)

	entries, err := s.readEntries(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", runID, err)
	}
	for _, e := range entries {
		if err := m.Append(e); err != nil {
			return nil, fmt.Errorf("load manifest %s: %w", runID, err)
		}
	}
	return m, nil
}

// LatestManifest returns the most recently started run of a workflow in the
// given mode. Returns ErrNotFound if there is none.
func (s *Store) LatestManifest(ctx context.Context, digest string, mode ir.Mode) (*ir.RunManifest, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT run_id FROM runs
		WHERE workflow_digest = ? AND mode = ?
		ORDER BY started_at_ns DESC, run_id DESC
		LIMIT 1
	`), digest, string(mode)).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest %s manifest: %w", mode, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s manifest: %w", mode, err)
	}
	return s.LoadManifest(ctx, runID)
}

// ListRuns returns up to limit runs, newest first. A limit of zero or less
// returns every run.
//
// Returns an empty slice (not nil) if no runs are stored.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at_ns DESC, run_id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		sum, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// readEntries returns a run's stage entries ordered by seq, then stage id.
func (s *Store) readEntries(ctx context.Context, runID string) ([]ir.StageEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT seq, stage_id, status, seed, duration_ns, failure, outputs
		FROM stage_entries
		WHERE run_id = ?
		ORDER BY seq ASC, stage_id ASC
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("query stage entries: %w", err)
	}
	defer rows.Close()

	var entries []ir.StageEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage entries: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunSummary, error) {
	var (
		sum       RunSummary
		mode      string
		seed      sql.NullInt64
		started   int64
		finished  int64
		succeeded int64
	)
	if err := row.Scan(
		&sum.RunID,
		&sum.WorkflowDigest,
		&sum.Title,
		&mode,
		&seed,
		&sum.Target,
		&started,
		&finished,
		&succeeded,
		&sum.Stages,
		&sum.Failed,
		&sum.Mismatches,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunSummary{}, err
		}
		return RunSummary{}, fmt.Errorf("scan run: %w", err)
	}
	sum.Mode = ir.Mode(mode)
	sum.WorkflowSeed = int64Ptr(seed)
	sum.StartedAt = fromUnixNanos(started)
	sum.FinishedAt = fromUnixNanos(finished)
	sum.Succeeded = succeeded != 0
	return sum, nil
}

func scanEntry(row scanner) (ir.StageEntry, error) {
	var (
		e        ir.StageEntry
		status   string
		seed     sql.NullInt64
		duration int64
		failure  sql.NullString
		outputs  string
	)
	if err := row.Scan(&e.Seq, &e.StageID, &status, &seed, &duration, &failure, &outputs); err != nil {
		return ir.StageEntry{}, fmt.Errorf("scan stage entry: %w", err)
	}
	e.Status = ir.Status(status)
	e.Seed = int64Ptr(seed)
	e.Duration = time.Duration(duration)

	f, err := unmarshalFailure(failure)
	if err != nil {
		return ir.StageEntry{}, fmt.Errorf("stage %s: %w", e.StageID, err)
	}
	e.Failure = f

	if e.Outputs, err = unmarshalOutputs(outputs); err != nil {
		return ir.StageEntry{}, fmt.Errorf("stage %s: %w", e.StageID, err)
	}
	return e, nil
}
