// Package coordinator runs one harvest: it preloads the dedup indexes, starts
// the crawl and store pools around a bounded queue, detects completion, and
// builds the final report.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
	"github.com/JakeFAU/civic-registry-crawler/internal/dedup"
	"github.com/JakeFAU/civic-registry-crawler/internal/fetcher"
	"github.com/JakeFAU/civic-registry-crawler/internal/parser"
	"github.com/JakeFAU/civic-registry-crawler/internal/progress"
	memqueue "github.com/JakeFAU/civic-registry-crawler/internal/queue/memory"
	"github.com/JakeFAU/civic-registry-crawler/internal/stats"
	"github.com/JakeFAU/civic-registry-crawler/internal/worker"
)

// ErrStartup wraps failures that abort a run before any page is fetched.
var ErrStartup = errors.New("harvest startup failed")

// Config sizes the pools and bounds the run.
type Config struct {
	RunID         string
	CrawlWorkers  int
	StoreWorkers  int
	QueueCapacity int
	// FailureTolerance is the number of failed pages a target may record and
	// still pass.
	FailureTolerance int64
	Retry            crawler.RetryPolicy
	AttemptTimeout   time.Duration
	// Watchdog cancels the whole run after this long; zero disables it.
	Watchdog time.Duration
	// ShutdownTimeout is how long store workers keep draining after the run
	// is canceled.
	ShutdownTimeout    time.Duration
	MaxConflictRetries int
	Topic              string
	Logger             *zap.Logger
}

// Deps are the collaborators of a run. Pacer, Archive, Publisher, Events and
// Parser are optional.
type Deps struct {
	Registry  *crawler.Registry
	Sessions  crawler.SessionFactory
	Store     crawler.RecordStore
	Pacer     worker.Pacer
	Archive   crawler.BlobStore
	Publisher crawler.Publisher
	Events    progress.Emitter
	Parser    *parser.Parser
}

// Coordinator owns one run.
type Coordinator struct {
	cfg    Config
	deps   Deps
	stats  *stats.RunStats
	events progress.Emitter
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	store *worker.StorePool
}

// New validates the dependencies and allocates the run's counters.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Registry == nil || deps.Registry.Len() == 0 {
		return nil, fmt.Errorf("%w: %w", ErrStartup, crawler.ErrEmptyRegistry)
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("%w: session factory is required", ErrStartup)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: record store is required", ErrStartup)
	}
	if cfg.CrawlWorkers <= 0 {
		cfg.CrawlWorkers = 1
	}
	if cfg.StoreWorkers <= 0 {
		cfg.StoreWorkers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2 * cfg.CrawlWorkers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Parser == nil {
		deps.Parser = parser.New(nil)
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		stats:  stats.New(deps.Registry.Keys()),
		events: progress.OrNop(deps.Events),
		logger: logger.With(zap.String("run_id", cfg.RunID)),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Stats exposes the live counters of the run.
func (c *Coordinator) Stats() *stats.RunStats { return c.stats }

// RunID returns the run identifier.
func (c *Coordinator) RunID() string { return c.cfg.RunID }

// InFlight reports pages held by store workers; zero before the run starts.
func (c *Coordinator) InFlight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return 0
	}
	return c.store.InFlight()
}

// Run executes the harvest and returns its report. The run completes once
// the crawl pool has finished, the queue is drained, and no store task is in
// flight. Only startup failures are returned as errors; everything else is
// reflected in the report.
func (c *Coordinator) Run(ctx context.Context) (stats.Report, error) {
	started := c.now()
	targets := c.deps.Registry.Targets()
	c.emit(progress.Event{Stage: progress.StageRunStart, Note: fmt.Sprintf("%d targets", len(targets))})
	c.logger.Info("harvest started",
		zap.Int("targets", len(targets)),
		zap.Int("crawl_workers", c.cfg.CrawlWorkers),
		zap.Int("store_workers", c.cfg.StoreWorkers),
		zap.Int("queue_capacity", c.cfg.QueueCapacity))

	writer := dedup.NewWriter(c.deps.Store, dedup.NewArena(), c.stats, dedup.Options{
		MaxConflictRetries: c.cfg.MaxConflictRetries,
		Logger:             c.logger,
	})
	targets, err := c.preload(ctx, writer, targets)
	if err != nil {
		c.emit(progress.Event{Stage: progress.StageRunDone, Outcome: stats.RunFailed, Note: err.Error()})
		return stats.Report{}, err
	}

	runCtx, cancelRun := c.runContext(ctx)
	defer cancelRun()

	queue := memqueue.NewQueue(c.cfg.QueueCapacity)
	retrier := fetcher.NewRetrier(fetcher.RetrierConfig{
		Policy:         c.cfg.Retry,
		AttemptTimeout: c.cfg.AttemptTimeout,
		RunID:          c.cfg.RunID,
		Events:         c.deps.Events,
		Recorder:       c.stats,
		Logger:         c.logger,
	})
	crawlPool := worker.NewCrawlPool(worker.CrawlConfig{
		Workers: c.cfg.CrawlWorkers,
		RunID:   c.cfg.RunID,
		Events:  c.deps.Events,
		Logger:  c.logger,
	}, c.deps.Sessions, retrier, queue, c.deps.Pacer, c.stats)
	storePool := worker.NewStorePool(worker.StoreConfig{
		Workers: c.cfg.StoreWorkers,
		RunID:   c.cfg.RunID,
		Topic:   c.cfg.Topic,
		Events:  c.deps.Events,
		Logger:  c.logger,
	}, queue, c.deps.Registry, c.deps.Parser, writer, c.stats)
	if c.deps.Archive != nil {
		storePool.WithArchive(c.deps.Archive)
	}
	if c.deps.Publisher != nil {
		storePool.WithPublisher(c.deps.Publisher)
	}
	c.mu.Lock()
	c.store = storePool
	c.mu.Unlock()

	// Store workers outlive a canceled run by ShutdownTimeout so pages
	// already queued still reach storage.
	storeCtx, cancelStore := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStore()
	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		storePool.Run(storeCtx)
	}()
	go c.graceOnCancel(runCtx, storeDone, cancelStore)

	crawlPool.Run(runCtx, targets)
	queue.Close()
	<-storeDone

	canceled := runCtx.Err() != nil
	finished := c.now()
	report := stats.BuildReport(c.cfg.RunID, started, finished, c.stats.Snapshot(), c.cfg.FailureTolerance, canceled)
	c.emit(progress.Event{
		Stage:   progress.StageRunDone,
		Outcome: report.Status,
		Dur:     finished.Sub(started),
		Note:    strings.Join(report.FailingTargets, ","),
	})
	c.logger.Info("harvest finished",
		zap.String("status", report.Status),
		zap.Int("exit_code", report.ExitCode),
		zap.Int64("inserted", report.Totals.Inserted),
		zap.Int64("updated", report.Totals.Updated),
		zap.Int64("unchanged", report.Totals.Unchanged),
		zap.Strings("failing_targets", report.FailingTargets),
		zap.String("duration", report.Duration))
	return report, nil
}

// preload loads every target's dedup index and returns the targets that can
// be crawled. Unreachable storage is fatal; any other index failure fails only
// its target, which is then not crawled.
func (c *Coordinator) preload(ctx context.Context, writer *dedup.Writer, targets []crawler.Target) ([]crawler.Target, error) {
	ready := make([]crawler.Target, 0, len(targets))
	for _, t := range targets {
		err := writer.Preload(ctx, t)
		if err == nil {
			ready = append(ready, t)
			continue
		}
		var unavailable *crawler.StorageUnavailableError
		if errors.As(err, &unavailable) || ctx.Err() != nil {
			c.logger.Error("preload dedup index failed", zap.String("target", t.Key), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
		c.logger.Error("preload dedup index failed; skipping target", zap.String("target", t.Key), zap.Error(err))
		now := c.now()
		c.stats.Started(t.Key, now)
		c.stats.WriteFailed(t.Key, t.StartCursor(), 0, "preload dedup index: "+err.Error())
		c.stats.Finished(t.Key, stats.StatusFailed, now)
		c.emit(progress.Event{
			Stage:   progress.StageTargetDone,
			Target:  t.Key,
			Outcome: string(stats.StatusFailed),
			Counts:  progress.Counts{Failed: 1},
			Note:    err.Error(),
		})
	}
	return ready, nil
}

func (c *Coordinator) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Watchdog > 0 {
		return context.WithTimeout(ctx, c.cfg.Watchdog)
	}
	return context.WithCancel(ctx)
}

func (c *Coordinator) graceOnCancel(runCtx context.Context, storeDone <-chan struct{}, cancelStore context.CancelFunc) {
	select {
	case <-storeDone:
		return
	case <-runCtx.Done():
	}
	c.logger.Warn("run canceled; draining queued pages", zap.Duration("grace", c.cfg.ShutdownTimeout), zap.Error(runCtx.Err()))
	timer := time.NewTimer(c.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-storeDone:
	case <-timer.C:
		c.logger.Warn("shutdown grace elapsed; stopping store workers")
		cancelStore()
	}
}

func (c *Coordinator) emit(evt progress.Event) {
	evt.RunID = c.cfg.RunID
	evt.TS = c.now()
	c.events.Emit(evt)
}
