package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
	"github.com/JakeFAU/civic-registry-crawler/internal/progress"
	"github.com/JakeFAU/civic-registry-crawler/internal/stats"
)

var yljg = crawler.Target{Key: "yljg", Pagination: crawler.PaginationFinitePage, URLTemplate: "https://example.gov.cn/{point}?page={page}", MaxPages: 3}

// scriptedSession returns the queued errors for a cursor before succeeding.
type scriptedSession struct {
	mu     sync.Mutex
	errs   map[int][]error
	calls  map[int]int
	block  bool
	closed bool
}

func (s *scriptedSession) Fetch(ctx context.Context, target crawler.Target, cursor int) (crawler.RawPage, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[int]int)
	}
	s.calls[cursor]++
	var err error
	if queue := s.errs[cursor]; len(queue) > 0 {
		err, s.errs[cursor] = queue[0], queue[1:]
	}
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return crawler.RawPage{}, ctx.Err()
	}
	if err != nil {
		return crawler.RawPage{}, err
	}
	return crawler.RawPage{Target: target.Key, Cursor: cursor, URL: target.PageURL(cursor)}, nil
}

func (s *scriptedSession) Close() error {
	s.closed = true
	return nil
}

func (s *scriptedSession) Calls(cursor int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[cursor]
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) Stages() []progress.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]progress.Stage, len(l.events))
	for i, e := range l.events {
		out[i] = e.Stage
	}
	return out
}

func newTestRetrier(policy crawler.RetryPolicy, events progress.Emitter, recorder AttemptRecorder) (*Retrier, *[]time.Duration) {
	r := NewRetrier(RetrierConfig{Policy: policy, RunID: "run-1", Events: events, Recorder: recorder})
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func transient(reason string) error {
	return &crawler.TransientFetchError{Target: "yljg", Reason: reason}
}

func TestRetrierSucceedsAfterTwoTransientFailures(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{errs: map[int][]error{2: {transient("reset"), transient("timeout")}}}
	events := &eventLog{}
	runStats := stats.New([]string{"yljg"})
	policy := crawler.RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	r, slept := newTestRetrier(policy, events, runStats)

	page, err := r.Fetch(context.Background(), session, yljg, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
	assert.Equal(t, 3, session.Calls(2))

	assert.Equal(t, []progress.Stage{
		progress.StageFetchAttempt, progress.StageFetchRetry,
		progress.StageFetchAttempt, progress.StageFetchRetry,
		progress.StageFetchAttempt,
	}, events.Stages())
	report, _ := runStats.Target("yljg")
	assert.Equal(t, int64(3), report.FetchAttempts)
}

func TestRetrierPermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	perm := &crawler.PermanentFetchError{Target: "yljg", Cursor: 1, Status: 404, Reason: "not found"}
	session := &scriptedSession{errs: map[int][]error{1: {perm}}}
	r, slept := newTestRetrier(crawler.DefaultRetryPolicy(), nil, nil)

	_, err := r.Fetch(context.Background(), session, yljg, 1)
	require.ErrorIs(t, err, perm)
	assert.Equal(t, 1, session.Calls(1))
	assert.Empty(t, *slept)
}

func TestRetrierExhaustionBecomesPermanent(t *testing.T) {
	t.Parallel()

	errs := []error{transient("a"), transient("b"), transient("c"), transient("d"), transient("e")}
	session := &scriptedSession{errs: map[int][]error{1: errs}}
	policy := crawler.RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond}
	r, slept := newTestRetrier(policy, nil, nil)

	_, err := r.Fetch(context.Background(), session, yljg, 1)
	var perm *crawler.PermanentFetchError
	require.ErrorAs(t, err, &perm)
	assert.True(t, perm.Exhausted)
	assert.Equal(t, 4, perm.Attempts)
	assert.Equal(t, 4, session.Calls(1), "max_retries+1 attempts")
	assert.Equal(t, crawler.ClassPermanent, crawler.ClassifyError(err))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, *slept)
}

func TestRetrierBackoffNeverDecreases(t *testing.T) {
	t.Parallel()

	errs := make([]error, 6)
	for i := range errs {
		errs[i] = errors.New("connection reset")
	}
	session := &scriptedSession{errs: map[int][]error{1: errs}}
	policy := crawler.RetryPolicy{MaxRetries: 6, BaseDelay: 5 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Jitter: 1}
	r, slept := newTestRetrier(policy, nil, nil)

	_, err := r.Fetch(context.Background(), session, yljg, 1)
	require.NoError(t, err)
	require.Len(t, *slept, 6)
	for i := 1; i < len(*slept); i++ {
		assert.GreaterOrEqual(t, (*slept)[i], (*slept)[i-1])
	}
}

func TestRetrierCancellationAbortsBackoff(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{errs: map[int][]error{1: {transient("reset")}}}
	r := NewRetrier(RetrierConfig{Policy: crawler.RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour}})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := r.Fetch(ctx, session, yljg, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, session.Calls(1))
}

func TestRetrierAttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{block: true}
	r := NewRetrier(RetrierConfig{
		Policy:         crawler.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond},
		AttemptTimeout: 10 * time.Millisecond,
	})

	_, err := r.Fetch(context.Background(), session, yljg, 1)
	var perm *crawler.PermanentFetchError
	require.ErrorAs(t, err, &perm)
	assert.True(t, perm.Exhausted)
	var tr *crawler.TransientFetchError
	require.ErrorAs(t, err, &tr)
	assert.Equal(t, "attempt timed out", tr.Reason)
	assert.Equal(t, 2, session.Calls(1))
}

func TestRetrierCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{}
	r := NewRetrier(RetrierConfig{Policy: crawler.DefaultRetryPolicy()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Fetch(ctx, session, yljg, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, session.Calls(1))
}
