package worker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
	"github.com/JakeFAU/civic-registry-crawler/internal/dedup"
	"github.com/JakeFAU/civic-registry-crawler/internal/parser"
	"github.com/JakeFAU/civic-registry-crawler/internal/progress"
	memqueue "github.com/JakeFAU/civic-registry-crawler/internal/queue/memory"
	"github.com/JakeFAU/civic-registry-crawler/internal/stats"
)

// Consumer yields queued pages. Dequeue returns memqueue.ErrClosed once the
// queue is closed and drained.
type Consumer interface {
	Dequeue(ctx context.Context) (crawler.RawPage, error)
}

// TargetLookup resolves a page's target key. *crawler.Registry satisfies it.
type TargetLookup interface {
	Get(key string) (crawler.Target, error)
}

// PageWriter deduplicates and stores the records of one page.
type PageWriter interface {
	WritePage(ctx context.Context, target crawler.Target, recs []crawler.Record) (dedup.PageResult, error)
}

// StoreConfig tunes the store pool.
type StoreConfig struct {
	Workers int
	RunID   string
	// Topic receives a ChangeEvent per inserted or updated record when a
	// publisher is configured.
	Topic  string
	Events progress.Emitter
	Logger *zap.Logger
}

// StorePool drains the page queue through parse and dedup-write.
type StorePool struct {
	cfg       StoreConfig
	queue     Consumer
	targets   TargetLookup
	parser    *parser.Parser
	writer    PageWriter
	archive   crawler.BlobStore
	publisher crawler.Publisher
	stats     *stats.RunStats
	events    progress.Emitter
	logger    *zap.Logger
	now       func() time.Time

	inFlight  atomic.Int64
	processed atomic.Int64
}

// NewStorePool wires a store pool. archive and publisher may be nil.
func NewStorePool(cfg StoreConfig, queue Consumer, targets TargetLookup, p *parser.Parser, writer PageWriter, runStats *stats.RunStats) *StorePool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if p == nil {
		p = parser.New(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorePool{
		cfg:     cfg,
		queue:   queue,
		targets: targets,
		parser:  p,
		writer:  writer,
		stats:   runStats,
		events:  progress.OrNop(cfg.Events),
		logger:  logger.Named("store"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithArchive stores every dequeued page under the run's archive prefix.
func (p *StorePool) WithArchive(blobs crawler.BlobStore) *StorePool {
	p.archive = blobs
	return p
}

// WithPublisher publishes change events for inserted and updated records.
func (p *StorePool) WithPublisher(pub crawler.Publisher) *StorePool {
	p.publisher = pub
	return p
}

// InFlight reports pages dequeued but not yet fully processed.
func (p *StorePool) InFlight() int64 { return p.inFlight.Load() }

// Processed reports pages fully processed so far.
func (p *StorePool) Processed() int64 { return p.processed.Load() }

// Run processes pages until the queue is closed and drained or ctx ends.
func (p *StorePool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, p.logger.With(zap.Int("worker", id)))
		}(i)
	}
	wg.Wait()
}

func (p *StorePool) loop(ctx context.Context, logger *zap.Logger) {
	for {
		page, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, memqueue.ErrClosed) {
				logger.Debug("queue drained")
			} else {
				logger.Debug("store worker stopping", zap.Error(err))
			}
			return
		}
		p.inFlight.Add(1)
		p.process(ctx, logger, page)
		p.inFlight.Add(-1)
		p.processed.Add(1)
	}
}

func (p *StorePool) process(ctx context.Context, logger *zap.Logger, page crawler.RawPage) {
	logger = logger.With(zap.String("target", page.Target), zap.Int("cursor", page.Cursor))
	target, err := p.targets.Get(page.Target)
	if err != nil {
		logger.Error("page for unknown target", zap.Error(err))
		return
	}

	if p.archive != nil {
		uri, err := p.archive.PutObject(ctx, page.ArchivePath(p.cfg.RunID), "text/html; charset=utf-8", bytes.NewReader(page.Content))
		if err != nil {
			logger.Warn("archive page failed", zap.Error(err))
		} else {
			logger.Debug("page archived", zap.String("uri", uri))
		}
	}

	start := p.now()
	res, err := p.parser.Parse(page, target)
	if err != nil {
		p.stats.ParseFailed(target.Key, page.Cursor, err.Error())
		p.emit(progress.Event{Stage: progress.StageParseError, Target: target.Key, Cursor: page.Cursor, Note: err.Error()})
		logger.Warn("parse failed", zap.Error(err))
		return
	}
	for _, w := range res.Warnings {
		logger.Debug("field coercion", zap.Error(w))
	}
	p.stats.Parsed(target.Key, len(res.Records), res.Skipped, len(res.Warnings))
	p.emit(progress.Event{
		Stage:  progress.StageParseDone,
		Target: target.Key,
		Cursor: page.Cursor,
		Counts: progress.Counts{Records: int64(res.Items()), Skipped: int64(res.Skipped)},
		Dur:    p.now().Sub(start),
	})

	start = p.now()
	written, err := p.writer.WritePage(ctx, target, res.Records)
	if err != nil {
		var unavailable *crawler.StorageUnavailableError
		if errors.As(err, &unavailable) || errors.Is(err, crawler.ErrStorageHalted) {
			p.stats.WriterHalted(target.Key)
		}
		p.stats.WriteFailed(target.Key, page.Cursor, len(res.Records), err.Error())
		p.emit(progress.Event{
			Stage:  progress.StageWriteFailed,
			Target: target.Key,
			Cursor: page.Cursor,
			Counts: progress.Counts{Failed: int64(len(res.Records)), Skipped: int64(res.Skipped)},
			Note:   err.Error(),
		})
		logger.Error("write failed", zap.Int("records", len(res.Records)), zap.Error(err))
		return
	}
	p.emit(progress.Event{
		Stage:  progress.StageWriteDone,
		Target: target.Key,
		Cursor: page.Cursor,
		Counts: progress.Counts{
			Records:   int64(len(res.Records)),
			Inserted:  int64(written.Inserted),
			Updated:   int64(written.Updated),
			Unchanged: int64(written.Unchanged),
			Skipped:   int64(res.Skipped),
		},
		Dur: p.now().Sub(start),
	})
	logger.Debug("page stored",
		zap.Int("inserted", written.Inserted),
		zap.Int("updated", written.Updated),
		zap.Int("unchanged", written.Unchanged))

	p.publishChanges(ctx, logger, target, res.Records, written.Outcomes)
}

func (p *StorePool) publishChanges(ctx context.Context, logger *zap.Logger, target crawler.Target, recs []crawler.Record, outcomes []crawler.WriteOutcome) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	for i, outcome := range outcomes {
		if outcome == crawler.OutcomeUnchanged || i >= len(recs) {
			continue
		}
		evt := changeEvent(p.cfg.RunID, target, recs[i], outcome, p.now())
		if _, err := p.publisher.Publish(ctx, p.cfg.Topic, evt); err != nil {
			logger.Warn("publish change event failed", zap.String("identity_key", evt.IdentityKey), zap.Error(err))
		}
	}
}

func changeEvent(runID string, target crawler.Target, rec crawler.Record, outcome crawler.WriteOutcome, at time.Time) crawler.ChangeEvent {
	fields := make(map[string]string, len(rec.Values))
	for _, v := range rec.Values {
		if v.Value == nil {
			continue
		}
		fields[v.Field] = crawler.FormatValue(v.Value)
	}
	return crawler.ChangeEvent{
		RunID:       runID,
		Target:      target.Key,
		Table:       target.Table,
		IdentityKey: rec.IdentityKey,
		Outcome:     outcome,
		ContentHash: rec.ContentHash,
		Fields:      fields,
		At:          at,
	}
}

func (p *StorePool) emit(evt progress.Event) {
	evt.RunID = p.cfg.RunID
	evt.TS = p.now()
	p.events.Emit(evt)
}
