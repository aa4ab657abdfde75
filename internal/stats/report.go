package stats

import (
	"time"
)

// TargetReport is the per-target section of the run report.
type TargetReport struct {
	Target           string       `json:"target" yaml:"target"`
	Status           TargetStatus `json:"status" yaml:"status"`
	StartedAt        *time.Time   `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	PagesFetched     int64        `json:"pages_fetched" yaml:"pages_fetched"`
	PagesRetried     int64        `json:"pages_retried" yaml:"pages_retried"`
	FetchAttempts    int64        `json:"fetch_attempts" yaml:"fetch_attempts"`
	FetchFailures    int64        `json:"fetch_failures" yaml:"fetch_failures"`
	ParseErrors      int64        `json:"parse_errors" yaml:"parse_errors"`
	RecordsSeen      int64        `json:"records_seen" yaml:"records_seen"`
	Inserted         int64        `json:"inserted" yaml:"inserted"`
	Updated          int64        `json:"updated" yaml:"updated"`
	Unchanged        int64        `json:"unchanged" yaml:"unchanged"`
	Skipped          int64        `json:"skipped" yaml:"skipped"`
	WriteFailures    int64        `json:"write_failures" yaml:"write_failures"`
	CoercionWarnings int64        `json:"coercion_warnings" yaml:"coercion_warnings"`
	FailedPages      int64        `json:"failed_pages" yaml:"failed_pages"`
	WriterHalted     bool         `json:"writer_halted,omitempty" yaml:"writer_halted,omitempty"`
	Passed           bool         `json:"passed" yaml:"passed"`
	Failures         []Failure    `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Accounted reports whether every seen record has exactly one outcome.
func (r TargetReport) Accounted() bool {
	return r.RecordsSeen == r.Inserted+r.Updated+r.Unchanged+r.Skipped+r.WriteFailures
}

// SuccessRate is the share of pages fetched among pages attempted, in [0, 1].
func (r TargetReport) SuccessRate() float64 {
	total := r.PagesFetched + r.FetchFailures
	if total == 0 {
		return 1
	}
	return float64(r.PagesFetched) / float64(total)
}

// Totals sums counters across targets.
type Totals struct {
	PagesFetched  int64 `json:"pages_fetched" yaml:"pages_fetched"`
	PagesRetried  int64 `json:"pages_retried" yaml:"pages_retried"`
	FetchFailures int64 `json:"fetch_failures" yaml:"fetch_failures"`
	ParseErrors   int64 `json:"parse_errors" yaml:"parse_errors"`
	RecordsSeen   int64 `json:"records_seen" yaml:"records_seen"`
	Inserted      int64 `json:"inserted" yaml:"inserted"`
	Updated       int64 `json:"updated" yaml:"updated"`
	Unchanged     int64 `json:"unchanged" yaml:"unchanged"`
	Skipped       int64 `json:"skipped" yaml:"skipped"`
	WriteFailures int64 `json:"write_failures" yaml:"write_failures"`
}

// Report is the final run summary.
type Report struct {
	RunID          string         `json:"run_id" yaml:"run_id"`
	Status         string         `json:"status" yaml:"status"`
	ExitCode       int            `json:"exit_code" yaml:"exit_code"`
	StartedAt      time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time      `json:"finished_at" yaml:"finished_at"`
	Duration       string         `json:"duration" yaml:"duration"`
	Tolerance      int64          `json:"failure_tolerance" yaml:"failure_tolerance"`
	SuccessRate    float64        `json:"success_rate" yaml:"success_rate"`
	Totals         Totals         `json:"totals" yaml:"totals"`
	FailingTargets []string       `json:"failing_targets,omitempty" yaml:"failing_targets,omitempty"`
	Targets        []TargetReport `json:"targets" yaml:"targets"`
}

// Run outcomes.
const (
	RunSuccess  = "success"
	RunFailed   = "failed"
	RunCanceled = "canceled"
)

// BuildReport evaluates every target against the failure tolerance. A target
// passes when it completed, its writer never halted, and its failed pages do
// not exceed tolerance. The exit code is 0 only when every target passes.
func BuildReport(runID string, started, finished time.Time, targets []TargetReport, tolerance int64, canceled bool) Report {
	r := Report{
		RunID:      runID,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started).Round(time.Millisecond).String(),
		Tolerance:  tolerance,
		Targets:    targets,
	}
	for i := range r.Targets {
		t := &r.Targets[i]
		t.Passed = t.Status == StatusCompleted && !t.WriterHalted && t.FailedPages <= tolerance
		if !t.Passed {
			r.FailingTargets = append(r.FailingTargets, t.Target)
		}
		r.Totals.PagesFetched += t.PagesFetched
		r.Totals.PagesRetried += t.PagesRetried
		r.Totals.FetchFailures += t.FetchFailures
		r.Totals.ParseErrors += t.ParseErrors
		r.Totals.RecordsSeen += t.RecordsSeen
		r.Totals.Inserted += t.Inserted
		r.Totals.Updated += t.Updated
		r.Totals.Unchanged += t.Unchanged
		r.Totals.Skipped += t.Skipped
		r.Totals.WriteFailures += t.WriteFailures
	}
	attempted := r.Totals.PagesFetched + r.Totals.FetchFailures
	r.SuccessRate = 1
	if attempted > 0 {
		r.SuccessRate = float64(r.Totals.PagesFetched) / float64(attempted)
	}
	switch {
	case canceled:
		r.Status = RunCanceled
		r.ExitCode = 1
	case len(r.FailingTargets) > 0:
		r.Status = RunFailed
		r.ExitCode = 1
	default:
		r.Status = RunSuccess
	}
	return r
}
