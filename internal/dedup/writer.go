package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

// Recorder receives one outcome per written record while the target's write
// lock is held. *stats.RunStats satisfies it.
type Recorder interface {
	Wrote(target string, outcome crawler.WriteOutcome)
}

// Options tunes conflict handling.
type Options struct {
	// MaxConflictRetries bounds how often a page is retried after a WriteConflictError.
	MaxConflictRetries int
	// ConflictBackoff is the base wait between conflict retries; it doubles per retry.
	ConflictBackoff time.Duration
	Logger          *zap.Logger
}

// PageResult tallies the outcomes of one page write.
type PageResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	// Outcomes holds one outcome per input record, in input order.
	Outcomes []crawler.WriteOutcome
}

// Writer deduplicates records against the arena and upserts them.
type Writer struct {
	store    crawler.RecordStore
	arena    *Arena
	recorder Recorder
	opts     Options
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewWriter wires a writer to storage. recorder may be nil.
func NewWriter(store crawler.RecordStore, arena *Arena, recorder Recorder, opts Options) *Writer {
	if arena == nil {
		arena = NewArena()
	}
	if opts.MaxConflictRetries < 0 {
		opts.MaxConflictRetries = 0
	}
	if opts.ConflictBackoff <= 0 {
		opts.ConflictBackoff = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:    store,
		arena:    arena,
		recorder: recorder,
		opts:     opts,
		logger:   logger.Named("dedup"),
		sleep:    sleepCtx,
	}
}

// Preload loads the target's index from storage unless already loaded.
func (w *Writer) Preload(ctx context.Context, target crawler.Target) error {
	idx := w.arena.For(target.Key)
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	return w.ensureLoaded(ctx, target, idx)
}

// Write applies a single record.
func (w *Writer) Write(ctx context.Context, target crawler.Target, rec crawler.Record) (crawler.WriteOutcome, error) {
	res, err := w.WritePage(ctx, target, []crawler.Record{rec})
	if err != nil {
		return "", err
	}
	switch {
	case res.Inserted == 1:
		return crawler.OutcomeInserted, nil
	case res.Updated == 1:
		return crawler.OutcomeUpdated, nil
	default:
		return crawler.OutcomeUnchanged, nil
	}
}

// WritePage applies the records of one page in a single transaction under the
// target's write lock. A WriteConflictError reloads the index and retries the
// page up to MaxConflictRetries times. A StorageUnavailableError halts the
// target's writer: later calls fail immediately with crawler.ErrStorageHalted.
func (w *Writer) WritePage(ctx context.Context, target crawler.Target, recs []crawler.Record) (PageResult, error) {
	idx := w.arena.For(target.Key)
	if err := idx.Halted(); err != nil {
		return PageResult{}, haltedError(target.Key, err)
	}
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	if err := idx.Halted(); err != nil {
		return PageResult{}, haltedError(target.Key, err)
	}
	if err := w.ensureLoaded(ctx, target, idx); err != nil {
		return PageResult{}, err
	}
	if len(recs) == 0 {
		return PageResult{}, nil
	}

	for attempt := 0; ; attempt++ {
		res, outcomes, staged, err := w.apply(ctx, target, idx, recs)
		if err == nil {
			idx.apply(staged)
			res.Outcomes = outcomes
			if w.recorder != nil {
				for _, o := range outcomes {
					w.recorder.Wrote(target.Key, o)
				}
			}
			return res, nil
		}

		var unavailable *crawler.StorageUnavailableError
		if errors.As(err, &unavailable) {
			idx.halt(err)
			w.logger.Error("storage unavailable; halting target writer",
				zap.String("target", target.Key), zap.Error(err))
			return PageResult{}, err
		}
		var conflict *crawler.WriteConflictError
		if !errors.As(err, &conflict) || attempt >= w.opts.MaxConflictRetries {
			return PageResult{}, err
		}
		w.logger.Warn("write conflict; reloading index",
			zap.String("target", target.Key),
			zap.String("identity_key", conflict.IdentityKey),
			zap.Int("attempt", attempt+1))
		if err := w.sleep(ctx, w.opts.ConflictBackoff<<attempt); err != nil {
			return PageResult{}, err
		}
		if err := w.reload(ctx, target, idx); err != nil {
			return PageResult{}, err
		}
	}
}

// apply plans and executes one transaction. staged holds the hashes to
// publish into the index once the transaction commits.
func (w *Writer) apply(ctx context.Context, target crawler.Target, idx *Index, recs []crawler.Record) (PageResult, []crawler.WriteOutcome, map[string]string, error) {
	tx, err := w.store.Begin(ctx, target)
	if err != nil {
		return PageResult{}, nil, nil, fmt.Errorf("begin %s: %w", target.Key, err)
	}
	var (
		res      PageResult
		outcomes = make([]crawler.WriteOutcome, 0, len(recs))
		staged   = make(map[string]string, len(recs))
	)
	for _, rec := range recs {
		prev, seen := staged[rec.IdentityKey]
		if !seen {
			prev, seen = idx.Lookup(rec.IdentityKey)
		}
		var outcome crawler.WriteOutcome
		switch {
		case !seen:
			err = tx.Insert(ctx, rec)
			outcome = crawler.OutcomeInserted
			res.Inserted++
		case prev != rec.ContentHash:
			err = tx.Update(ctx, rec)
			outcome = crawler.OutcomeUpdated
			res.Updated++
		default:
			outcome = crawler.OutcomeUnchanged
			res.Unchanged++
		}
		if err != nil {
			w.rollback(ctx, target, tx)
			return PageResult{}, nil, nil, err
		}
		staged[rec.IdentityKey] = rec.ContentHash
		outcomes = append(outcomes, outcome)
	}
	if err := tx.Commit(ctx); err != nil {
		w.rollback(ctx, target, tx)
		return PageResult{}, nil, nil, err
	}
	return res, outcomes, staged, nil
}

func (w *Writer) rollback(ctx context.Context, target crawler.Target, tx crawler.RecordTx) {
	if err := tx.Rollback(ctx); err != nil {
		w.logger.Debug("rollback failed", zap.String("target", target.Key), zap.Error(err))
	}
}

func (w *Writer) ensureLoaded(ctx context.Context, target crawler.Target, idx *Index) error {
	if idx.isLoaded() {
		return nil
	}
	return w.reload(ctx, target, idx)
}

func (w *Writer) reload(ctx context.Context, target crawler.Target, idx *Index) error {
	hashes, err := w.store.LoadIndex(ctx, target)
	if err != nil {
		var unavailable *crawler.StorageUnavailableError
		if errors.As(err, &unavailable) {
			idx.halt(err)
		}
		return fmt.Errorf("load index %s: %w", target.Key, err)
	}
	idx.replace(hashes)
	w.logger.Debug("index loaded", zap.String("target", target.Key), zap.Int("keys", len(hashes)))
	return nil
}

func haltedError(target string, cause error) error {
	return &crawler.StorageUnavailableError{
		Target: target,
		Err:    fmt.Errorf("%w: %w", crawler.ErrStorageHalted, cause),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("conflict backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
