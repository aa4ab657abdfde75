package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/civic-registry-crawler/internal/progress"
)

// PrometheusSink exports harvest metrics. It owns all collectors for run,
// target, fetch, parse and write progress.
type PrometheusSink struct {
	runsCompleted  *prometheus.CounterVec
	targetsActive  prometheus.Gauge
	targetsDone    *prometheus.CounterVec
	fetchAttempts  *prometheus.CounterVec
	fetchOutcomes  *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	parseOutcomes  *prometheus.CounterVec
	recordsWritten *prometheus.CounterVec
	writeFailures  *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Harvest runs completed partitioned by outcome.",
		}, []string{"outcome"}),
		targetsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_targets_active",
			Help: "Targets currently being crawled.",
		}),
		targetsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_targets_completed_total",
			Help: "Target crawls finished partitioned by target and outcome.",
		}, []string{"target", "outcome"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_attempts_total",
			Help: "Fetch attempts per target.",
		}, []string{"target"}),
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_outcomes_total",
			Help: "Fetch outcomes partitioned by target and result (ok, retry, failed).",
		}, []string{"target", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Successful page fetch duration including retries.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"target"}),
		parseOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_parse_pages_total",
			Help: "Parsed pages partitioned by target and result.",
		}, []string{"target", "result"}),
		recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_records_total",
			Help: "Records processed partitioned by target and outcome.",
		}, []string{"target", "outcome"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_write_failures_total",
			Help: "Pages whose records could not be written.",
		}, []string{"target"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsCompleted,
		s.targetsActive,
		s.targetsDone,
		s.fetchAttempts,
		s.fetchOutcomes,
		s.fetchDuration,
		s.parseOutcomes,
		s.recordsWritten,
		s.writeFailures,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues(orUnknown(evt.Outcome)).Inc()
	case progress.StageTargetStart:
		s.targetsActive.Inc()
	case progress.StageTargetDone:
		s.targetsActive.Dec()
		s.targetsDone.WithLabelValues(evt.Target, orUnknown(evt.Outcome)).Inc()
	case progress.StageFetchAttempt:
		s.fetchAttempts.WithLabelValues(evt.Target).Inc()
	case progress.StageFetchRetry:
		s.fetchOutcomes.WithLabelValues(evt.Target, "retry").Inc()
	case progress.StageFetchDone:
		s.fetchOutcomes.WithLabelValues(evt.Target, "ok").Inc()
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(evt.Target).Observe(evt.Dur.Seconds())
		}
	case progress.StageFetchFailed:
		s.fetchOutcomes.WithLabelValues(evt.Target, "failed").Inc()
	case progress.StageParseDone:
		s.parseOutcomes.WithLabelValues(evt.Target, "ok").Inc()
	case progress.StageParseError:
		s.parseOutcomes.WithLabelValues(evt.Target, "error").Inc()
	case progress.StageWriteDone:
		s.addRecords(evt.Target, "inserted", evt.Counts.Inserted)
		s.addRecords(evt.Target, "updated", evt.Counts.Updated)
		s.addRecords(evt.Target, "unchanged", evt.Counts.Unchanged)
		s.addRecords(evt.Target, "skipped", evt.Counts.Skipped)
	case progress.StageWriteFailed:
		s.writeFailures.WithLabelValues(evt.Target).Inc()
		s.addRecords(evt.Target, "failed", evt.Counts.Failed)
	}
}

func (s *PrometheusSink) addRecords(target, outcome string, n int64) {
	if n > 0 {
		s.recordsWritten.WithLabelValues(target, outcome).Add(float64(n))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
