// Package fetcher wraps fetch sessions with the retry policy and routes
// targets to the browser or static session factory by render mode.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
	"github.com/JakeFAU/civic-registry-crawler/internal/progress"
)

// AttemptRecorder counts fetch attempts. *stats.RunStats satisfies it.
type AttemptRecorder interface {
	FetchAttempt(target string)
}

// RetrierConfig wires a Retrier.
type RetrierConfig struct {
	Policy crawler.RetryPolicy
	// AttemptTimeout bounds a single fetch attempt; zero disables it.
	AttemptTimeout time.Duration
	RunID          string
	Events         progress.Emitter
	Recorder       AttemptRecorder
	Logger         *zap.Logger
}

// Retrier retries transient fetch failures with exponential backoff.
type Retrier struct {
	cfg    RetrierConfig
	events progress.Emitter
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrier builds a Retrier.
func NewRetrier(cfg RetrierConfig) *Retrier {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		cfg:    cfg,
		events: progress.OrNop(cfg.Events),
		logger: logger.Named("retry"),
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepCtx,
	}
}

// Fetch calls session.Fetch until it succeeds, fails permanently, or runs
// out of attempts. Exhausted transient failures come back as a
// *crawler.PermanentFetchError with Exhausted set. Backoff delays never
// decrease between retries and the sleep aborts on cancellation.
func (r *Retrier) Fetch(ctx context.Context, session crawler.Session, target crawler.Target, cursor int) (crawler.RawPage, error) {
	attempts := r.cfg.Policy.Attempts()
	var prevDelay time.Duration
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return crawler.RawPage{}, fmt.Errorf("fetch %s#%d: %w", target.Key, cursor, err)
		}
		if r.cfg.Recorder != nil {
			r.cfg.Recorder.FetchAttempt(target.Key)
		}
		r.emit(progress.Event{Stage: progress.StageFetchAttempt, Target: target.Key, Cursor: cursor, Attempt: attempt})

		page, err := r.attempt(ctx, session, target, cursor)
		if err == nil {
			page.Attempts = attempt
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.RawPage{}, fmt.Errorf("fetch %s#%d: %w", target.Key, cursor, ctxErr)
		}
		if crawler.IsPermanent(err) {
			return crawler.RawPage{}, err
		}
		if attempt >= attempts {
			return crawler.RawPage{}, &crawler.PermanentFetchError{
				Target:    target.Key,
				Cursor:    cursor,
				Status:    statusOf(err),
				Reason:    "transient failure persisted",
				Attempts:  attempt,
				Exhausted: true,
				Err:       err,
			}
		}

		delay := r.cfg.Policy.Backoff(attempt - 1)
		if delay < prevDelay {
			delay = prevDelay
		}
		prevDelay = delay

		r.logger.Warn("fetch attempt failed; backing off",
			zap.String("target", target.Key),
			zap.Int("cursor", cursor),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		r.emit(progress.Event{
			Stage:   progress.StageFetchRetry,
			Target:  target.Key,
			Cursor:  cursor,
			Attempt: attempt,
			Class:   string(crawler.ClassTransient),
			Dur:     delay,
			Note:    err.Error(),
		})
		if err := r.sleep(ctx, delay); err != nil {
			return crawler.RawPage{}, fmt.Errorf("fetch %s#%d backoff: %w", target.Key, cursor, err)
		}
	}
}

func (r *Retrier) attempt(ctx context.Context, session crawler.Session, target crawler.Target, cursor int) (crawler.RawPage, error) {
	if r.cfg.AttemptTimeout <= 0 {
		return session.Fetch(ctx, target, cursor)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()
	page, err := session.Fetch(attemptCtx, target, cursor)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !crawler.IsPermanent(err) {
		var transient *crawler.TransientFetchError
		if !errors.As(err, &transient) {
			err = &crawler.TransientFetchError{Target: target.Key, Cursor: cursor, Reason: "attempt timed out", Err: err}
		}
	}
	return page, err
}

func (r *Retrier) emit(evt progress.Event) {
	evt.RunID = r.cfg.RunID
	evt.TS = r.now()
	r.events.Emit(evt)
}

func statusOf(err error) int {
	var transient *crawler.TransientFetchError
	if errors.As(err, &transient) {
		return transient.Status
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
