package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/civic-registry-crawler/internal/store"
)

// RunStore is an in-memory store.RunRepository.
type RunStore struct {
	mu      sync.RWMutex
	runs    map[string]store.Run
	targets map[string]map[string]store.TargetProgress
}

// NewRunStore creates an empty run store.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:    make(map[string]store.Run),
		targets: make(map[string]map[string]store.TargetProgress),
	}
}

// StartRun records a running run.
func (s *RunStore) StartRun(_ context.Context, runID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	s.runs[runID] = run
	return nil
}

// AddTargetProgress accumulates counter deltas.
func (s *RunStore) AddTargetProgress(_ context.Context, runID, target string, delta store.TargetDelta, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.targetRow(runID, target)
	row.TargetDelta.Add(delta)
	row.UpdatedAt = at
	s.targets[runID][target] = row
	return nil
}

// FinishTarget stores a target's terminal status.
func (s *RunStore) FinishTarget(_ context.Context, runID, target, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.targetRow(runID, target)
	row.Status = status
	row.UpdatedAt = at
	s.targets[runID][target] = row
	return nil
}

// CompleteRun marks the run finished.
func (s *RunStore) CompleteRun(_ context.Context, runID string, finishedAt time.Time, status store.RunStatus, note *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	run.Note = note
	s.runs[runID] = run
	return nil
}

// GetRun loads a run.
func (s *RunStore) GetRun(_ context.Context, runID string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b store.Run) int { return b.StartedAt.Compare(a.StartedAt) })
	if offset >= len(out) {
		return []store.Run{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ListRunTargets returns per-target rows ordered by target key.
func (s *RunStore) ListRunTargets(_ context.Context, runID string) ([]store.TargetProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, store.ErrNotFound
	}
	out := make([]store.TargetProgress, 0, len(s.targets[runID]))
	for _, row := range s.targets[runID] {
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b store.TargetProgress) int { return strings.Compare(a.Target, b.Target) })
	return out, nil
}

func (s *RunStore) targetRow(runID, target string) store.TargetProgress {
	if s.targets[runID] == nil {
		s.targets[runID] = make(map[string]store.TargetProgress)
	}
	row, ok := s.targets[runID][target]
	if !ok {
		row = store.TargetProgress{RunID: runID, Target: target, Status: "running"}
	}
	return row
}
