package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/repro/internal/ir"
)

// SaveManifest records a finished run and its stage entries in one
// transaction. Uses ON CONFLICT(run_id) DO NOTHING: saving a run id that is
// already stored returns saved=false and leaves the stored run untouched.
func (s *Store) SaveManifest(ctx context.Context, m *ir.RunManifest) (saved bool, err error) {
	if m == nil {
		return false, errors.New("save manifest: manifest is nil")
	}
	if m.RunID == "" {
		return false, errors.New("save manifest: run id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("save manifest: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	sum := m.Summary()
	result, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO runs
		(run_id, workflow_digest, title, mode, workflow_seed, target,
		 started_at_ns, finished_at_ns, succeeded, stages, failed, mismatches)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`),
		m.RunID,
		m.WorkflowDigest,
		m.Title,
		string(m.Mode),
		nullInt64(m.WorkflowSeed),
		m.Target,
		unixNanos(m.StartedAt),
		unixNanos(m.FinishedAt),
		boolInt(m.Succeeded()),
		sum.Stages,
		sum.Failed+sum.Blocked+sum.Cancelled,
		sum.Mismatches,
	)
	if err != nil {
		return false, fmt.Errorf("save manifest %s: %w", m.RunID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save manifest %s: rows affected: %w", m.RunID, err)
	}
	if n == 0 {
		s.logger.Debug("manifest already stored", "run_id", m.RunID)
		return false, nil
	}

	insert := s.rebind(`
		INSERT INTO stage_entries
		(run_id, seq, stage_id, status, seed, duration_ns, failure, outputs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for _, e := range m.Entries() {
		failure, err := marshalFailure(e.Failure)
		if err != nil {
			return false, fmt.Errorf("save manifest %s: stage %s: %w", m.RunID, e.StageID, err)
		}
		outputs, err := marshalOutputs(e.Outputs)
		if err != nil {
			return false, fmt.Errorf("save manifest %s: stage %s: %w", m.RunID, e.StageID, err)
		}
		if _, err := tx.ExecContext(ctx, insert,
			m.RunID,
			e.Seq,
			e.StageID,
			string(e.Status),
			nullInt64(e.Seed),
			int64(e.Duration),
			failure,
			outputs,
		); err != nil {
			return false, fmt.Errorf("save manifest %s: stage %s: %w", m.RunID, e.StageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("save manifest %s: commit: %w", m.RunID, err)
	}
	s.logger.Debug("manifest saved", "run_id", m.RunID, "stages", sum.Stages)
	return true, nil
}
