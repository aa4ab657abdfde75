package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/civic-registry-crawler/internal/progress"
)

// LogSink writes each event as a structured log line. Failures log at warn,
// per-attempt chatter at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Target != "" {
			fields = append(fields, zap.String("target", evt.Target), zap.Int("cursor", evt.Cursor))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Class != "" {
			fields = append(fields, zap.String("class", evt.Class))
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", evt.Outcome))
		}
		if evt.Counts != (progress.Counts{}) {
			fields = append(fields,
				zap.Int64("records", evt.Counts.Records),
				zap.Int64("inserted", evt.Counts.Inserted),
				zap.Int64("updated", evt.Counts.Updated),
				zap.Int64("unchanged", evt.Counts.Unchanged),
				zap.Int64("skipped", evt.Counts.Skipped),
				zap.Int64("failed", evt.Counts.Failed),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Stage), "harvest event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageFetchFailed, progress.StageParseError, progress.StageWriteFailed:
		return zapcore.WarnLevel
	case progress.StageFetchAttempt, progress.StageFetchRetry, progress.StageFetchDone, progress.StageParseDone:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
