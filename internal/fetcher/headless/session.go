// Package headless fetches listing pages with headless Chrome via chromedp.
// Each session owns one browser process and one tab for its lifetime.
package headless

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

// Config controls browser launch options and page handling.
type Config struct {
	ExecPath           string
	Headless           bool
	DisableGPU         bool
	DisableImages      bool
	DisableExtensions  bool
	NoSandbox          bool
	DisableDevShmUsage bool
	WindowWidth        int
	WindowHeight       int
	// UserAgents is the pool a session picks from at random.
	UserAgents []string
	// ReadyTimeout bounds the wait for the container selector.
	ReadyTimeout time.Duration
	Scroll       ScrollConfig
}

// Factory launches one browser per session.
type Factory struct {
	cfg    Config
	logger *zap.Logger
	pickUA func([]string) string
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if cfg.WindowWidth < 0 || cfg.WindowHeight < 0 {
		return nil, fmt.Errorf("window size must be non-negative")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 20 * time.Second
	}
	cfg.Scroll = cfg.Scroll.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, logger: logger.Named("headless"), pickUA: randomUserAgent}, nil
}

func randomUserAgent(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[rand.IntN(len(pool))]
}

func (f *Factory) allocatorOptions(userAgent string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	if f.cfg.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	if f.cfg.DisableExtensions {
		opts = append(opts, chromedp.Flag("disable-extensions", true))
	}
	if f.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if f.cfg.DisableDevShmUsage {
		opts = append(opts, chromedp.Flag("disable-dev-shm-usage", true))
	}
	if f.cfg.WindowWidth > 0 && f.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(f.cfg.WindowWidth, f.cfg.WindowHeight))
	}
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}
	return opts
}

// Open starts a browser for the target and returns its session.
func (f *Factory) Open(ctx context.Context, target crawler.Target) (crawler.Session, error) {
	ua := f.pickUA(f.cfg.UserAgents)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions(ua)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	meta := &responseMeta{}
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	// The first Run allocates the browser; it must use the tab context itself.
	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx, network.Enable())
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	f.logger.Debug("browser session opened", zap.String("target", target.Key), zap.String("user_agent", ua))
	return &Session{
		cfg:      f.cfg,
		logger:   f.logger.With(zap.String("target", target.Key)),
		tabCtx:   tabCtx,
		cancel:   func() { tabCancel(); allocCancel() },
		meta:     meta,
		scroller: pageScroller{},
		sleep:    sleepCtx,
	}, nil
}

// Session is a browser tab owned by one crawl worker.
type Session struct {
	cfg      Config
	logger   *zap.Logger
	tabCtx   context.Context
	cancel   context.CancelFunc
	meta     *responseMeta
	scroller scroller
	sleep    func(context.Context, time.Duration) error

	closeOnce sync.Once
}

// Fetch navigates to the cursor's listing URL, waits for the container,
// scrolls to the end for scroll targets, and returns the rendered DOM.
func (s *Session) Fetch(ctx context.Context, target crawler.Target, cursor int) (crawler.RawPage, error) {
	url := target.PageURL(cursor)
	if err := s.tabCtx.Err(); err != nil {
		return crawler.RawPage{}, s.runError(ctx, target, cursor, "navigate", err)
	}
	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	s.meta.reset()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return crawler.RawPage{}, s.runError(ctx, target, cursor, "navigate", err)
	}
	status, finalURL := s.meta.snapshot(url)
	if class, ok := crawler.ClassifyStatus(status); !ok && status != 0 {
		if class == crawler.ClassPermanent {
			return crawler.RawPage{}, &crawler.PermanentFetchError{Target: target.Key, Cursor: cursor, Status: status, Reason: "unexpected status"}
		}
		return crawler.RawPage{}, &crawler.TransientFetchError{Target: target.Key, Cursor: cursor, Status: status, Reason: "unexpected status"}
	}

	readyCtx, cancelReady := context.WithTimeout(runCtx, s.cfg.ReadyTimeout)
	err := chromedp.Run(readyCtx, chromedp.WaitReady(target.ContainerSelector, chromedp.ByQuery))
	cancelReady()
	if err != nil {
		return crawler.RawPage{}, s.runError(ctx, target, cursor, "partial render: container never appeared", err)
	}

	var offset int64
	if target.Pagination == crawler.PaginationScrollToEnd {
		res, err := scrollToEnd(runCtx, s.scroller, s.cfg.Scroll, s.sleep)
		if err != nil {
			return crawler.RawPage{}, s.runError(ctx, target, cursor, "scroll", err)
		}
		offset = res.Offset
		s.logger.Debug("scroll finished",
			zap.Int("iterations", res.Iterations),
			zap.Int64("offset", res.Offset),
			zap.Bool("stable", res.Stable),
		)
	}

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return crawler.RawPage{}, s.runError(ctx, target, cursor, "read dom", err)
	}
	return crawler.RawPage{
		Target:       target.Key,
		Cursor:       cursor,
		URL:          finalURL,
		Content:      []byte(html),
		FetchedAt:    time.Now().UTC(),
		ScrollOffset: offset,
	}, nil
}

// runError classifies browser failures as transient unless the caller
// canceled. A dead tab or browser wraps crawler.ErrSessionLost so the caller
// reopens the session before retrying.
func (s *Session) runError(ctx context.Context, target crawler.Target, cursor int, reason string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s#%d: %w", reason, target.Key, cursor, ctxErr)
	}
	if s.tabCtx.Err() != nil {
		return &crawler.TransientFetchError{
			Target: target.Key,
			Cursor: cursor,
			Reason: "browser session lost",
			Err:    fmt.Errorf("%w: %w", crawler.ErrSessionLost, err),
		}
	}
	return &crawler.TransientFetchError{Target: target.Key, Cursor: cursor, Reason: reason, Err: err}
}

// Close shuts down the tab and the browser process. It is safe to call twice.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
