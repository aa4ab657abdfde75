package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/civic-registry-crawler/internal/store"
)

// RunStore persists run history into harvest_runs and harvest_run_targets.
type RunStore struct {
	pool dbPool
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore wraps a connected pool.
func NewRunStore(pool dbPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// StartRun inserts the run row, resetting status when the id already exists.
func (s *RunStore) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	const q = `
INSERT INTO harvest_runs (id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`
	if _, err := s.pool.Exec(ctx, q, runID, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// AddTargetProgress adds counter deltas to the (run, target) row.
func (s *RunStore) AddTargetProgress(ctx context.Context, runID, target string, d store.TargetDelta, at time.Time) error {
	const q = `
INSERT INTO harvest_run_targets (
  run_id, target, status, updated_at,
  pages, fetch_failures, parse_errors, inserted, updated, unchanged, skipped, write_failures
) VALUES ($1, $2, 'running', $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (run_id, target) DO UPDATE SET
  updated_at     = EXCLUDED.updated_at,
  pages          = harvest_run_targets.pages + EXCLUDED.pages,
  fetch_failures = harvest_run_targets.fetch_failures + EXCLUDED.fetch_failures,
  parse_errors   = harvest_run_targets.parse_errors + EXCLUDED.parse_errors,
  inserted       = harvest_run_targets.inserted + EXCLUDED.inserted,
  updated        = harvest_run_targets.updated + EXCLUDED.updated,
  unchanged      = harvest_run_targets.unchanged + EXCLUDED.unchanged,
  skipped        = harvest_run_targets.skipped + EXCLUDED.skipped,
  write_failures = harvest_run_targets.write_failures + EXCLUDED.write_failures`
	_, err := s.pool.Exec(ctx, q, runID, target, at,
		d.Pages, d.FetchFailures, d.ParseErrors, d.Inserted, d.Updated, d.Unchanged, d.Skipped, d.WriteFailures)
	if err != nil {
		return fmt.Errorf("add target progress: %w", err)
	}
	return nil
}

// FinishTarget stores a target's terminal status.
func (s *RunStore) FinishTarget(ctx context.Context, runID, target, status string, at time.Time) error {
	const q = `
INSERT INTO harvest_run_targets (run_id, target, status, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id, target) DO UPDATE SET
  status     = EXCLUDED.status,
  updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, q, runID, target, status, at); err != nil {
		return fmt.Errorf("finish target: %w", err)
	}
	return nil
}

// CompleteRun marks the run finished.
func (s *RunStore) CompleteRun(ctx context.Context, runID string, finishedAt time.Time, status store.RunStatus, note *string) error {
	const q = `
UPDATE harvest_runs
SET finished_at = $2, status = $3, note = $4
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, runID, finishedAt, string(status), note)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, runID string) (store.Run, error) {
	const q = `SELECT id, started_at, finished_at, status, note FROM harvest_runs WHERE id = $1`
	run, err := scanRun(s.pool.QueryRow(ctx, q, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	const q = `
SELECT id, started_at, finished_at, status, note
FROM harvest_runs
ORDER BY started_at DESC
LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// ListRunTargets returns per-target rows for one run, ordered by target key.
func (s *RunStore) ListRunTargets(ctx context.Context, runID string) ([]store.TargetProgress, error) {
	const q = `
SELECT run_id, target, status, updated_at,
       pages, fetch_failures, parse_errors, inserted, updated, unchanged, skipped, write_failures
FROM harvest_run_targets
WHERE run_id = $1
ORDER BY target`
	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list run targets: %w", err)
	}
	defer rows.Close()

	var out []store.TargetProgress
	for rows.Next() {
		var p store.TargetProgress
		if err := rows.Scan(&p.RunID, &p.Target, &p.Status, &p.UpdatedAt,
			&p.Pages, &p.FetchFailures, &p.ParseErrors, &p.Inserted, &p.Updated,
			&p.Unchanged, &p.Skipped, &p.WriteFailures); err != nil {
			return nil, fmt.Errorf("scan run target: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run targets: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	if err := row.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &status, &run.Note); err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
