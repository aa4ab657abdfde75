package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/progress"
	"github.com/JakeFAU/civic-registry-crawler/internal/store"
)

// StoreSink persists run history via a store.RunRepository. Counter events
// are collapsed per target before they reach the repository.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events in order and flushes collapsed counter
// deltas before any TARGET_DONE or RUN_DONE so the final row is complete.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[targetKey]*pendingDelta)
	flush := func() error {
		for key, d := range pending {
			if d.delta.IsZero() {
				continue
			}
			if err := s.repo.AddTargetProgress(ctx, key.runID, key.target, d.delta, d.at); err != nil {
				return fmt.Errorf("add target progress: %w", err)
			}
		}
		clear(pending)
		return nil
	}

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, evt.RunID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageTargetDone:
			if err := flush(); err != nil {
				return err
			}
			if err := s.repo.FinishTarget(ctx, evt.RunID, evt.Target, evt.Outcome, evt.TS); err != nil {
				return fmt.Errorf("finish target: %w", err)
			}
		case progress.StageRunDone:
			if err := flush(); err != nil {
				return err
			}
			var note *string
			if evt.Note != "" {
				note = &evt.Note
			}
			if err := s.repo.CompleteRun(ctx, evt.RunID, evt.TS, store.RunStatus(evt.Outcome), note); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		default:
			if delta, ok := deltaFor(evt); ok {
				key := targetKey{runID: evt.RunID, target: evt.Target}
				p := pending[key]
				if p == nil {
					p = &pendingDelta{}
					pending[key] = p
				}
				p.delta.Add(delta)
				if evt.TS.After(p.at) {
					p.at = evt.TS
				}
			}
		}
	}
	return flush()
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

func deltaFor(evt progress.Event) (store.TargetDelta, bool) {
	switch evt.Stage {
	case progress.StageFetchDone:
		return store.TargetDelta{Pages: 1}, true
	case progress.StageFetchFailed:
		return store.TargetDelta{FetchFailures: 1}, true
	case progress.StageParseError:
		return store.TargetDelta{ParseErrors: 1}, true
	case progress.StageWriteDone:
		return store.TargetDelta{
			Inserted:  evt.Counts.Inserted,
			Updated:   evt.Counts.Updated,
			Unchanged: evt.Counts.Unchanged,
			Skipped:   evt.Counts.Skipped,
		}, true
	case progress.StageWriteFailed:
		return store.TargetDelta{Skipped: evt.Counts.Skipped, WriteFailures: evt.Counts.Failed}, true
	default:
		return store.TargetDelta{}, false
	}
}

type targetKey struct {
	runID  string
	target string
}

type pendingDelta struct {
	delta store.TargetDelta
	at    time.Time
}
