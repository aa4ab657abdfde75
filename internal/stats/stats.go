// Package stats holds the per-target run counters shared by the crawl and
// store pools, and renders them into the final run report.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

// maxFailureDetails bounds the failure entries kept per target; counts stay exact.
const maxFailureDetails = 200

// TargetStatus is the crawl state of one target.
type TargetStatus string

// Target statuses.
const (
	StatusPending   TargetStatus = "pending"
	StatusRunning   TargetStatus = "running"
	StatusCompleted TargetStatus = "completed"
	StatusFailed    TargetStatus = "failed"
	StatusCanceled  TargetStatus = "canceled"
)

// Failure stages.
const (
	StageFetch = "fetch"
	StageParse = "parse"
	StageWrite = "write"
)

// Failure describes one failed page.
type Failure struct {
	Stage  string `json:"stage" yaml:"stage"`
	Cursor int    `json:"cursor" yaml:"cursor"`
	Class  string `json:"class,omitempty" yaml:"class,omitempty"`
	Reason string `json:"reason" yaml:"reason"`
}

type counters struct {
	pagesFetched     atomic.Int64
	pagesRetried     atomic.Int64
	fetchAttempts    atomic.Int64
	fetchFailures    atomic.Int64
	parseErrors      atomic.Int64
	recordsSeen      atomic.Int64
	inserted         atomic.Int64
	updated          atomic.Int64
	unchanged        atomic.Int64
	skipped          atomic.Int64
	writeFailures    atomic.Int64
	coercionWarnings atomic.Int64
	failedPages      atomic.Int64
	writerHalted     atomic.Bool

	mu         sync.Mutex
	status     TargetStatus
	startedAt  time.Time
	finishedAt time.Time
	failures   []Failure
}

// RunStats is the set of per-target counters for one run. The target set is
// fixed at construction so lookups need no lock.
type RunStats struct {
	order   []string
	targets map[string]*counters
}

// New allocates counters for the given target keys.
func New(keys []string) *RunStats {
	s := &RunStats{
		order:   append([]string(nil), keys...),
		targets: make(map[string]*counters, len(keys)),
	}
	for _, k := range keys {
		s.targets[k] = &counters{status: StatusPending}
	}
	return s
}

func (s *RunStats) get(target string) *counters {
	if s == nil {
		return nil
	}
	return s.targets[target]
}

// Started marks a target running.
func (s *RunStats) Started(target string, at time.Time) {
	if c := s.get(target); c != nil {
		c.mu.Lock()
		c.status = StatusRunning
		c.startedAt = at
		c.mu.Unlock()
	}
}

// Finished records a target's terminal crawl status.
func (s *RunStats) Finished(target string, status TargetStatus, at time.Time) {
	if c := s.get(target); c != nil {
		c.mu.Lock()
		c.status = status
		c.finishedAt = at
		c.mu.Unlock()
	}
}

// Status returns the current crawl status of a target.
func (s *RunStats) Status(target string) TargetStatus {
	c := s.get(target)
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// FetchAttempt counts one fetch attempt.
func (s *RunStats) FetchAttempt(target string) {
	if c := s.get(target); c != nil {
		c.fetchAttempts.Add(1)
	}
}

// PageFetched counts a successfully fetched page. attempts > 1 marks a
// retried success.
func (s *RunStats) PageFetched(target string, attempts int) {
	if c := s.get(target); c != nil {
		c.pagesFetched.Add(1)
		if attempts > 1 {
			c.pagesRetried.Add(1)
		}
	}
}

// FetchFailed records a page whose fetch ended in a terminal failure.
func (s *RunStats) FetchFailed(target string, cursor int, class crawler.FailureClass, reason string) {
	if c := s.get(target); c != nil {
		c.fetchFailures.Add(1)
		c.addFailure(Failure{Stage: StageFetch, Cursor: cursor, Class: string(class), Reason: reason})
	}
}

// ParseFailed records a structural parse failure for a page.
func (s *RunStats) ParseFailed(target string, cursor int, reason string) {
	if c := s.get(target); c != nil {
		c.parseErrors.Add(1)
		c.addFailure(Failure{Stage: StageParse, Cursor: cursor, Reason: reason})
	}
}

// Parsed counts listing items seen on a page: parsed records plus items
// skipped for missing required fields.
func (s *RunStats) Parsed(target string, records, skipped, warnings int) {
	if c := s.get(target); c != nil {
		c.recordsSeen.Add(int64(records + skipped))
		c.skipped.Add(int64(skipped))
		c.coercionWarnings.Add(int64(warnings))
	}
}

// Wrote counts one dedup outcome.
func (s *RunStats) Wrote(target string, outcome crawler.WriteOutcome) {
	c := s.get(target)
	if c == nil {
		return
	}
	switch outcome {
	case crawler.OutcomeInserted:
		c.inserted.Add(1)
	case crawler.OutcomeUpdated:
		c.updated.Add(1)
	case crawler.OutcomeUnchanged:
		c.unchanged.Add(1)
	}
}

// WriteFailed records records that could not be written for a page.
func (s *RunStats) WriteFailed(target string, cursor, records int, reason string) {
	if c := s.get(target); c != nil {
		c.writeFailures.Add(int64(records))
		c.addFailure(Failure{Stage: StageWrite, Cursor: cursor, Reason: reason})
	}
}

// WriterHalted marks the target's writer as stopped by unavailable storage.
func (s *RunStats) WriterHalted(target string) {
	if c := s.get(target); c != nil {
		c.writerHalted.Store(true)
	}
}

func (c *counters) addFailure(f Failure) {
	c.failedPages.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) < maxFailureDetails {
		c.failures = append(c.failures, f)
	}
}

// Snapshot returns a point-in-time copy of every target's counters in
// registry order.
func (s *RunStats) Snapshot() []TargetReport {
	out := make([]TargetReport, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.targets[k].snapshot(k))
	}
	return out
}

// Target returns the snapshot of a single target.
func (s *RunStats) Target(target string) (TargetReport, bool) {
	c := s.get(target)
	if c == nil {
		return TargetReport{}, false
	}
	return c.snapshot(target), true
}

func (c *counters) snapshot(key string) TargetReport {
	c.mu.Lock()
	status := c.status
	started, finished := c.startedAt, c.finishedAt
	failures := append([]Failure(nil), c.failures...)
	c.mu.Unlock()

	r := TargetReport{
		Target:           key,
		Status:           status,
		PagesFetched:     c.pagesFetched.Load(),
		PagesRetried:     c.pagesRetried.Load(),
		FetchAttempts:    c.fetchAttempts.Load(),
		FetchFailures:    c.fetchFailures.Load(),
		ParseErrors:      c.parseErrors.Load(),
		RecordsSeen:      c.recordsSeen.Load(),
		Inserted:         c.inserted.Load(),
		Updated:          c.updated.Load(),
		Unchanged:        c.unchanged.Load(),
		Skipped:          c.skipped.Load(),
		WriteFailures:    c.writeFailures.Load(),
		CoercionWarnings: c.coercionWarnings.Load(),
		FailedPages:      c.failedPages.Load(),
		WriterHalted:     c.writerHalted.Load(),
		Failures:         failures,
	}
	if !started.IsZero() {
		r.StartedAt = &started
	}
	if !finished.IsZero() {
		r.FinishedAt = &finished
	}
	return r
}
