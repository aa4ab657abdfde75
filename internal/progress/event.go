package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageTargetStart  Stage = "TARGET_START"
	StageTargetDone   Stage = "TARGET_DONE"
	StageFetchAttempt Stage = "FETCH_ATTEMPT"
	StageFetchRetry   Stage = "FETCH_RETRY"
	StageFetchDone    Stage = "FETCH_DONE"
	StageFetchFailed  Stage = "FETCH_FAILED"
	StageParseDone    Stage = "PARSE_DONE"
	StageParseError   Stage = "PARSE_ERROR"
	StageWriteDone    Stage = "WRITE_DONE"
	StageWriteFailed  Stage = "WRITE_FAILED"
)

// Counts carries per-event record tallies.
type Counts struct {
	Records   int64
	Inserted  int64
	Updated   int64
	Unchanged int64
	Skipped   int64
	Failed    int64
}

// Event captures one pipeline milestone.
type Event struct {
	// RunID identifies the harvest run.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// Target is the target key; required for every stage except run lifecycle.
	Target string
	Cursor int
	// Attempt is the 1-based fetch attempt number.
	Attempt int
	// Class is the failure class for FETCH_RETRY / FETCH_FAILED.
	Class string
	// Outcome is the terminal status for TARGET_DONE and RUN_DONE.
	Outcome string
	Counts  Counts
	Dur     time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageTargetStart, StageTargetDone,
		StageFetchAttempt, StageFetchRetry, StageFetchDone, StageFetchFailed,
		StageParseDone, StageParseError, StageWriteDone, StageWriteFailed:
		if e.Target == "" {
			return fmt.Errorf("%s requires target", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Emitter publishes individual events; Hub satisfies this interface so
// workers stay agnostic about buffering.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// OrNop returns e, or Nop when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop{}
	}
	return e
}
