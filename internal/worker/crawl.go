package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
	"github.com/JakeFAU/civic-registry-crawler/internal/parser"
	"github.com/JakeFAU/civic-registry-crawler/internal/progress"
	"github.com/JakeFAU/civic-registry-crawler/internal/stats"
)

// PageFetcher fetches one cursor through a session, retrying as configured.
// *fetcher.Retrier satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, session crawler.Session, target crawler.Target, cursor int) (crawler.RawPage, error)
}

// Producer accepts fetched pages, blocking while the queue is full.
type Producer interface {
	Enqueue(ctx context.Context, page crawler.RawPage) error
}

// Pacer spaces consecutive pages of a target. *ratelimit.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context, target string) (time.Duration, error)
}

// CrawlConfig tunes the crawl pool.
type CrawlConfig struct {
	Workers int
	RunID   string
	Events  progress.Emitter
	Logger  *zap.Logger
}

// CrawlPool runs N crawl workers; each owns one target (and its session) at a time.
type CrawlPool struct {
	cfg      CrawlConfig
	sessions crawler.SessionFactory
	fetcher  PageFetcher
	queue    Producer
	pacer    Pacer
	stats    *stats.RunStats
	events   progress.Emitter
	logger   *zap.Logger
	now      func() time.Time
}

// NewCrawlPool wires a crawl pool. pacer may be nil.
func NewCrawlPool(cfg CrawlConfig, sessions crawler.SessionFactory, fetcher PageFetcher, queue Producer, pacer Pacer, runStats *stats.RunStats) *CrawlPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrawlPool{
		cfg:      cfg,
		sessions: sessions,
		fetcher:  fetcher,
		queue:    queue,
		pacer:    pacer,
		stats:    runStats,
		events:   progress.OrNop(cfg.Events),
		logger:   logger.Named("crawl"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run crawls every target and returns once all workers have exited. Targets
// not started before ctx ends are marked canceled.
func (p *CrawlPool) Run(ctx context.Context, targets []crawler.Target) {
	work := make(chan crawler.Target, len(targets))
	for _, t := range targets {
		work <- t
	}
	close(work)

	workers := min(p.cfg.Workers, max(len(targets), 1))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			logger := p.logger.With(zap.Int("worker", id))
			for target := range work {
				if ctx.Err() != nil {
					p.finish(target, stats.StatusCanceled)
					continue
				}
				p.crawlTarget(ctx, logger, target)
			}
		}(i)
	}
	wg.Wait()
}

func (p *CrawlPool) crawlTarget(ctx context.Context, logger *zap.Logger, target crawler.Target) {
	logger = logger.With(zap.String("target", target.Key))
	p.stats.Started(target.Key, p.now())
	p.emit(progress.Event{Stage: progress.StageTargetStart, Target: target.Key})
	logger.Info("target crawl started", zap.String("pagination", string(target.Pagination)))

	session, err := p.sessions.Open(ctx, target)
	if err != nil {
		status := stats.StatusFailed
		if ctx.Err() != nil {
			status = stats.StatusCanceled
		} else {
			p.stats.FetchFailed(target.Key, target.StartCursor(), crawler.ClassPermanent, err.Error())
		}
		logger.Error("open session failed", zap.Error(err))
		p.finish(target, status)
		return
	}
	owned := newReopeningSession(p.sessions, session, logger)
	defer func() {
		if err := owned.Close(); err != nil {
			logger.Warn("close session failed", zap.Error(err))
		}
	}()

	p.finish(target, p.walk(ctx, logger, owned, target))
}

// walk fetches the target's cursors in order and reports the terminal status.
func (p *CrawlPool) walk(ctx context.Context, logger *zap.Logger, session crawler.Session, target crawler.Target) stats.TargetStatus {
	scroll := target.Pagination == crawler.PaginationScrollToEnd
	lastCursor := target.StartCursor() + target.MaxPages - 1

	for cursor := target.StartCursor(); ; cursor++ {
		if ctx.Err() != nil {
			return stats.StatusCanceled
		}
		if !scroll && cursor > lastCursor {
			logger.Info("max page count reached", zap.Int("max_pages", target.MaxPages))
			return stats.StatusCompleted
		}
		if p.pacer != nil {
			if _, err := p.pacer.Wait(ctx, target.Key); err != nil {
				return stats.StatusCanceled
			}
		}

		start := p.now()
		page, err := p.fetcher.Fetch(ctx, session, target, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return stats.StatusCanceled
			}
			class := crawler.ClassifyError(err)
			p.stats.FetchFailed(target.Key, cursor, class, err.Error())
			p.emit(progress.Event{
				Stage:  progress.StageFetchFailed,
				Target: target.Key,
				Cursor: cursor,
				Class:  string(class),
				Dur:    p.now().Sub(start),
				Note:   err.Error(),
			})
			logger.Warn("page fetch failed", zap.Int("cursor", cursor), zap.String("class", string(class)), zap.Error(err))
			if scroll {
				return stats.StatusFailed
			}
			continue
		}

		p.stats.PageFetched(target.Key, page.Attempts)
		p.emit(progress.Event{
			Stage:   progress.StageFetchDone,
			Target:  target.Key,
			Cursor:  cursor,
			Attempt: page.Attempts,
			Dur:     p.now().Sub(start),
		})

		items, last, structured := parser.Probe(page.Content, target)
		if err := p.queue.Enqueue(ctx, page); err != nil {
			if ctx.Err() != nil {
				return stats.StatusCanceled
			}
			logger.Error("enqueue failed", zap.Int("cursor", cursor), zap.Error(err))
			return stats.StatusFailed
		}
		logger.Debug("page enqueued", zap.Int("cursor", cursor), zap.Int("items", items), zap.Int("attempts", page.Attempts))

		switch {
		case scroll:
			return stats.StatusCompleted
		case last:
			logger.Info("last page marker found", zap.Int("cursor", cursor))
			return stats.StatusCompleted
		case structured && items == 0:
			logger.Info("empty listing page", zap.Int("cursor", cursor))
			return stats.StatusCompleted
		}
	}
}

func (p *CrawlPool) finish(target crawler.Target, status stats.TargetStatus) {
	p.stats.Finished(target.Key, status, p.now())
	snap, _ := p.stats.Target(target.Key)
	p.emit(progress.Event{
		Stage:   progress.StageTargetDone,
		Target:  target.Key,
		Outcome: string(status),
		Counts:  progress.Counts{Failed: snap.FailedPages},
	})
}

func (p *CrawlPool) emit(evt progress.Event) {
	evt.RunID = p.cfg.RunID
	evt.TS = p.now()
	p.events.Emit(evt)
}

