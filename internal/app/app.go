// Package app builds the long-lived harvester services from configuration and
// runs harvests on top of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	cloudpubsub "cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/civic-registry-crawler/internal/api"
	"github.com/JakeFAU/civic-registry-crawler/internal/clock/system"
	"github.com/JakeFAU/civic-registry-crawler/internal/config"
	"github.com/JakeFAU/civic-registry-crawler/internal/coordinator"
	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
	"github.com/JakeFAU/civic-registry-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/civic-registry-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/civic-registry-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/civic-registry-crawler/internal/hash/sha256"
	"github.com/JakeFAU/civic-registry-crawler/internal/id/uuid"
	"github.com/JakeFAU/civic-registry-crawler/internal/parser"
	"github.com/JakeFAU/civic-registry-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/civic-registry-crawler/internal/policy/robots"
	"github.com/JakeFAU/civic-registry-crawler/internal/progress"
	"github.com/JakeFAU/civic-registry-crawler/internal/progress/sinks"
	"github.com/JakeFAU/civic-registry-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/civic-registry-crawler/internal/stats"
	"github.com/JakeFAU/civic-registry-crawler/internal/storage/embedded"
	"github.com/JakeFAU/civic-registry-crawler/internal/storage/gcs"
	"github.com/JakeFAU/civic-registry-crawler/internal/storage/local"
	"github.com/JakeFAU/civic-registry-crawler/internal/storage/memory"
	"github.com/JakeFAU/civic-registry-crawler/internal/storage/postgres"
	"github.com/JakeFAU/civic-registry-crawler/internal/store"
	"github.com/JakeFAU/civic-registry-crawler/internal/worker"
)

// Option customizes New.
type Option func(*options)

type options struct {
	dryRun   bool
	sessions crawler.SessionFactory
	ids      crawler.IDGenerator
	clock    crawler.Clock
}

// WithDryRun keeps every write in memory: records and run history go to
// in-memory stores and no pages are archived or changes published.
func WithDryRun() Option {
	return func(o *options) { o.dryRun = true }
}

// WithSessions replaces the browser/static session router.
func WithSessions(f crawler.SessionFactory) Option {
	return func(o *options) { o.sessions = f }
}

// WithIDGenerator replaces the UUID run id generator.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// App holds the services shared by every harvest of the process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *crawler.Registry
	opts     options

	records   crawler.RecordStore
	runs      store.RunRepository
	archive   crawler.BlobStore
	publisher crawler.Publisher
	sessions  crawler.SessionFactory
	pacer     worker.Pacer
	parser    *parser.Parser
	ready     func(ctx context.Context) error

	metrics  *prometheus.Registry
	promSink *sinks.PrometheusSink
	server   *api.Server
	http     *http.Server
	addr     string

	closers []func() error
}

// New builds every backend named by cfg. It fails fast: a storage backend
// that cannot be reached at startup is reported as coordinator.ErrStartup.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{ids: uuid.New(), clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		opts:     o,
		parser:   parser.New(sha256.New()),
		metrics:  prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = a.closeBackends()
		}
	}()

	if err := a.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.initArchive(ctx); err != nil {
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		return nil, err
	}
	if err := a.initSessions(); err != nil {
		return nil, err
	}
	a.pacer = ratelimit.New(ratelimit.Config{
		PageDelay: cfg.Crawler.PageDelay,
		Jitter:    jitterRatio(cfg.Crawler.PageDelay, cfg.Crawler.PageJitter),
	})
	if err := a.initMetrics(); err != nil {
		return nil, err
	}
	if cfg.Server.Enabled {
		if err := a.initServer(); err != nil {
			return nil, err
		}
	}

	logger.Info("harvester services initialized",
		zap.String("storage", a.storageBackend()),
		zap.String("archive", a.archiveBackend()),
		zap.Bool("publish", a.publisher != nil),
		zap.Int("targets", registry.Len()),
	)
	return a, nil
}

// Registry returns the full configured target registry.
func (a *App) Registry() *crawler.Registry { return a.registry }

// Metrics returns the Prometheus registry the harvester reports into.
func (a *App) Metrics() *prometheus.Registry { return a.metrics }

// Runs returns the run history repository.
func (a *App) Runs() store.RunRepository { return a.runs }

// Records returns the record store writes go to.
func (a *App) Records() crawler.RecordStore { return a.records }

// ServerAddr is the admin server's listen address once a harvest started it.
func (a *App) ServerAddr() string { return a.addr }

// Harvest runs the selected targets once (all of them when keys is empty)
// and returns the run report. The admin server, when enabled, serves the
// run's live counters while it executes.
func (a *App) Harvest(ctx context.Context, keys []string) (stats.Report, error) {
	selected, err := a.registry.Select(keys)
	if err != nil {
		return stats.Report{}, fmt.Errorf("%w: %w", coordinator.ErrStartup, err)
	}
	runID, err := a.opts.ids.NewID()
	if err != nil {
		return stats.Report{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := a.logger.With(zap.String("run_id", runID))

	hubSinks := []progress.Sink{sinks.NewLogSink(logger), a.promSink}
	if a.runs != nil {
		hubSinks = append(hubSinks, sinks.NewStoreSink(a.runs, logger))
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		Logger:         logger,
	}, hubSinks...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
		if dropped := hub.Dropped(); dropped > 0 {
			logger.Warn("progress events dropped", zap.Int64("dropped", dropped))
		}
	}()

	topic := ""
	if a.publisher != nil {
		topic = a.cfg.PubSub.Topic
	}
	coord, err := coordinator.New(coordinator.Config{
		RunID:              runID,
		CrawlWorkers:       a.cfg.Run.CrawlWorkers,
		StoreWorkers:       a.cfg.Run.StoreWorkers,
		QueueCapacity:      a.cfg.Run.QueueCapacity,
		FailureTolerance:   a.cfg.Run.FailureTolerance,
		Retry:              a.cfg.RetryPolicy(),
		AttemptTimeout:     a.cfg.Run.AttemptTimeout,
		Watchdog:           a.cfg.Run.Watchdog,
		ShutdownTimeout:    a.cfg.Run.ShutdownTimeout,
		MaxConflictRetries: a.cfg.Run.MaxConflictRetries,
		Topic:              topic,
		Logger:             a.logger,
	}, coordinator.Deps{
		Registry:  selected,
		Sessions:  a.sessions,
		Store:     a.records,
		Pacer:     a.pacer,
		Archive:   a.archive,
		Publisher: a.publisher,
		Events:    hub,
		Parser:    a.parser,
	})
	if err != nil {
		return stats.Report{}, err
	}

	if a.server != nil {
		a.server.Attach(coord)
		if err := a.serve(); err != nil {
			return stats.Report{}, err
		}
	}

	start := a.opts.clock.Now()
	report, err := coord.Run(ctx)
	logger.Debug("harvest returned",
		zap.String("status", report.Status),
		zap.Duration("elapsed", a.opts.clock.Now().Sub(start)),
		zap.Error(err))
	return report, err
}

// Close stops the admin server and releases every backend.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.http != nil {
		if err := a.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("shutdown admin server: %w", err))
		}
	}
	errs = append(errs, a.closeBackends())
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

func (a *App) closeBackends() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) initStorage(ctx context.Context) error {
	backend := a.storageBackend()
	switch backend {
	case "postgres":
		pgCfg := a.cfg.Storage.Postgres
		pool, err := postgres.Connect(ctx, postgres.Config{
			DSN:             pgCfg.DSN,
			MaxConns:        pgCfg.MaxConns,
			MinConns:        pgCfg.MinConns,
			MaxConnLifetime: pgCfg.MaxConnLifetime,
			ConnectTimeout:  pgCfg.ConnectTimeout,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", coordinator.ErrStartup, err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		records, err := postgres.NewRecordStore(pool)
		if err != nil {
			return err
		}
		runs, err := postgres.NewRunStore(pool)
		if err != nil {
			return err
		}
		a.records, a.runs, a.ready = records, runs, records.Ping
	case "embedded":
		db, err := embedded.Open(embedded.Config{
			Dir:      a.cfg.Storage.Embedded.Dir,
			InMemory: a.cfg.Storage.Embedded.InMemory,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", coordinator.ErrStartup, err)
		}
		a.closers = append(a.closers, db.Close)
		a.records, a.runs = db, memory.NewRunStore()
	case "memory":
		a.records, a.runs = memory.NewRecordStore(), memory.NewRunStore()
	default:
		return fmt.Errorf("unknown storage backend %q", backend)
	}
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	switch backend := a.archiveBackend(); backend {
	case "none":
	case "memory":
		a.archive = memory.NewBlobStore()
	case "local":
		blobs, err := local.New(local.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.archive = blobs
	case "gcs":
		var opts []option.ClientOption
		if a.cfg.Archive.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(a.cfg.Archive.CredentialsFile))
		}
		client, err := cloudstorage.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.Bucket, Prefix: a.cfg.Archive.Prefix})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.archive = blobs
	default:
		return fmt.Errorf("unknown archive backend %q", backend)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled || a.opts.dryRun {
		return nil
	}
	client, err := cloudpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID, pubsubOptions(a.cfg.PubSub)...)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	pub, err := pubsub.New(client)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { pub.Stop(); return nil })
	a.publisher = pub
	return nil
}

func pubsubOptions(cfg config.PubSubConfig) []option.ClientOption {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts,
			option.WithEndpoint(cfg.Endpoint),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	return opts
}

func (a *App) initSessions() error {
	if a.opts.sessions != nil {
		a.sessions = a.opts.sessions
		return nil
	}
	b := a.cfg.Browser
	browser, err := headless.NewFactory(headless.Config{
		ExecPath:           b.ExecPath,
		Headless:           b.Headless,
		DisableGPU:         b.DisableGPU,
		DisableImages:      b.DisableImages,
		DisableExtensions:  b.DisableExtensions,
		NoSandbox:          b.NoSandbox,
		DisableDevShmUsage: b.DisableDevShmUsage,
		WindowWidth:        b.WindowWidth,
		WindowHeight:       b.WindowHeight,
		UserAgents:         a.cfg.Crawler.UserAgents,
		ReadyTimeout:       b.ReadyTimeout,
		Scroll: headless.ScrollConfig{
			Step:          a.cfg.Scroll.Step,
			Pause:         a.cfg.Scroll.Pause,
			MaxIterations: a.cfg.Scroll.MaxIterations,
			StableChecks:  a.cfg.Scroll.StableChecks,
		},
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init browser sessions: %w", err)
	}
	headers := make(http.Header, len(a.cfg.Crawler.Headers))
	for k, v := range a.cfg.Crawler.Headers {
		headers.Set(k, v)
	}
	static := collyfetcher.New(collyfetcher.Config{
		UserAgents: a.cfg.Crawler.UserAgents,
		Timeout:    a.cfg.Crawler.StaticTimeout,
		Headers:    headers,
	})
	var sessions crawler.SessionFactory = fetcher.Router{Browser: browser, Static: static}
	if a.cfg.Crawler.RespectRobots {
		sessions = robots.NewGate(sessions, robots.Config{
			Agent:   a.cfg.Crawler.RobotsAgent,
			Timeout: a.cfg.Crawler.StaticTimeout,
		}, a.logger)
	}
	a.sessions = sessions
	return nil
}

func (a *App) initMetrics() error {
	if err := a.metrics.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register go collector: %w", err)
	}
	if err := a.metrics.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("register process collector: %w", err)
	}
	sink, err := sinks.NewPrometheusSink(a.metrics)
	if err != nil {
		return fmt.Errorf("register harvest metrics: %w", err)
	}
	a.promSink = sink
	return nil
}

func (a *App) initServer() error {
	srv, err := api.NewServer(api.Config{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, api.Deps{
		Registry:   a.registry,
		Runs:       a.runs,
		Gatherer:   a.metrics,
		Registerer: a.metrics,
		Ready:      a.ready,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("init admin server: %w", err)
	}
	a.server = srv
	return nil
}

// serve starts the admin server once. The listener is opened synchronously
// so a bad address fails the harvest before any crawling starts.
func (a *App) serve() error {
	if a.http != nil {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %w", coordinator.ErrStartup, a.cfg.Server.Addr, err)
	}
	a.http = &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.addr = ln.Addr().String()
	a.logger.Info("admin server listening", zap.String("addr", a.addr))
	go func() {
		if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server failed", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) storageBackend() string {
	if a.opts.dryRun {
		return "memory"
	}
	return a.cfg.Storage.Backend
}

func (a *App) archiveBackend() string {
	if a.opts.dryRun {
		return "none"
	}
	return a.cfg.Archive.Backend
}

// jitterRatio expresses the configured extra page wait as a fraction of the
// base delay, the form the limiter expects.
func jitterRatio(delay, jitter time.Duration) float64 {
	if delay <= 0 || jitter <= 0 {
		return 0
	}
	return float64(jitter) / float64(delay)
}
