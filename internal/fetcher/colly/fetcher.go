// Package collyfetcher fetches static listing pages over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	// UserAgents is the pool a session picks from at random.
	UserAgents []string
	Timeout    time.Duration
	// Headers are added to every request.
	Headers http.Header
}

// Factory opens static sessions that share one HTTP transport.
type Factory struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Factory.
func New(cfg Config) *Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.DetectCharset = true
	c.WithTransport(newHTTPTransport())
	return &Factory{cfg: cfg, baseCollector: c}
}

// Open implements crawler.SessionFactory.
func (f *Factory) Open(_ context.Context, _ crawler.Target) (crawler.Session, error) {
	ua := ""
	if n := len(f.cfg.UserAgents); n > 0 {
		ua = f.cfg.UserAgents[rand.IntN(n)]
	}
	return &Session{factory: f, userAgent: ua}, nil
}

// Session issues sequential GETs for one target.
type Session struct {
	factory   *Factory
	userAgent string
}

type fetchResult struct {
	page   crawler.RawPage
	status int
	err    error
}

// Fetch GETs the listing URL for cursor and classifies HTTP failures.
func (s *Session) Fetch(ctx context.Context, target crawler.Target, cursor int) (crawler.RawPage, error) {
	url := target.PageURL(cursor)
	var result fetchResult
	collector := s.buildCollector(ctx, &result)

	if err := runCollector(ctx, collector, url); err != nil && result.err == nil && result.status == 0 {
		result.err = err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return crawler.RawPage{}, fmt.Errorf("fetch %s#%d: %w", target.Key, cursor, ctxErr)
	}
	if result.status != 0 {
		if class, ok := crawler.ClassifyStatus(result.status); !ok {
			if class == crawler.ClassPermanent {
				return crawler.RawPage{}, &crawler.PermanentFetchError{Target: target.Key, Cursor: cursor, Status: result.status, Reason: "unexpected status", Err: result.err}
			}
			return crawler.RawPage{}, &crawler.TransientFetchError{Target: target.Key, Cursor: cursor, Status: result.status, Reason: "unexpected status", Err: result.err}
		}
	}
	if result.err != nil {
		return crawler.RawPage{}, &crawler.TransientFetchError{Target: target.Key, Cursor: cursor, Reason: "request failed", Err: result.err}
	}

	page := result.page
	page.Target = target.Key
	page.Cursor = cursor
	return page, nil
}

// Close implements crawler.Session.
func (s *Session) Close() error { return nil }

func (s *Session) buildCollector(ctx context.Context, result *fetchResult) *colly.Collector {
	collector := s.factory.baseCollector.Clone()
	collector.Context = ctx
	collector.AllowURLRevisit = true
	collector.DetectCharset = true
	if s.userAgent != "" {
		collector.UserAgent = s.userAgent
	}
	collector.SetRequestTimeout(s.factory.cfg.Timeout)
	s.configureCollectorHooks(collector, result)
	return collector
}

func (s *Session) configureCollectorHooks(hooks collectorHooks, result *fetchResult) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range s.factory.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.page = crawler.RawPage{
			URL:       r.Request.URL.String(),
			Content:   append([]byte(nil), r.Body...),
			FetchedAt: time.Now().UTC(),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.status = r.StatusCode
		}
		result.err = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
