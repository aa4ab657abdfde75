package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the harvest_runs.status column.
type RunStatus string

// Run statuses.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"
)

// Run models one row of harvest_runs.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	Note       *string
}

// TargetDelta is an increment applied to a harvest_run_targets row.
type TargetDelta struct {
	Pages         int64
	FetchFailures int64
	ParseErrors   int64
	Inserted      int64
	Updated       int64
	Unchanged     int64
	Skipped       int64
	WriteFailures int64
}

// IsZero reports whether the delta changes nothing.
func (d TargetDelta) IsZero() bool {
	return d == TargetDelta{}
}

// Add accumulates other into d.
func (d *TargetDelta) Add(other TargetDelta) {
	d.Pages += other.Pages
	d.FetchFailures += other.FetchFailures
	d.ParseErrors += other.ParseErrors
	d.Inserted += other.Inserted
	d.Updated += other.Updated
	d.Unchanged += other.Unchanged
	d.Skipped += other.Skipped
	d.WriteFailures += other.WriteFailures
}

// TargetProgress models one row of harvest_run_targets.
type TargetProgress struct {
	RunID     string
	Target    string
	Status    string
	UpdatedAt time.Time
	TargetDelta
}

// RunRepository persists run history.
type RunRepository interface {
	// StartRun inserts (or idempotently refreshes) a running run.
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	// AddTargetProgress applies counter deltas to a (run, target) row.
	AddTargetProgress(ctx context.Context, runID, target string, delta TargetDelta, at time.Time) error
	// FinishTarget stores a target's terminal status.
	FinishTarget(ctx context.Context, runID, target, status string, at time.Time) error
	// CompleteRun marks the run finished.
	CompleteRun(ctx context.Context, runID string, finishedAt time.Time, status RunStatus, note *string) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID string) (Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
	// ListRunTargets returns per-target rows for one run.
	ListRunTargets(ctx context.Context, runID string) ([]TargetProgress, error)
}
