// Package robots refuses to open sessions for targets whose listing URL is
// disallowed by the host's robots.txt.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

// Config tunes the gate.
type Config struct {
	// Agent is matched against robots.txt user-agent groups.
	Agent   string
	Timeout time.Duration
}

// Gate wraps a session factory with a robots.txt check. robots.txt is fetched
// once per host and cached for the life of the gate. A robots.txt that cannot
// be fetched allows access.
type Gate struct {
	next   crawler.SessionFactory
	client *http.Client
	agent  string
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// NewGate builds a Gate in front of next.
func NewGate(next crawler.SessionFactory, cfg Config, logger *zap.Logger) *Gate {
	if cfg.Agent == "" {
		cfg.Agent = "*"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		next:   next,
		client: &http.Client{Timeout: cfg.Timeout},
		agent:  cfg.Agent,
		logger: logger.Named("robots"),
		cache:  make(map[string]*robotstxt.RobotsData),
	}
}

// Open implements crawler.SessionFactory.
func (g *Gate) Open(ctx context.Context, target crawler.Target) (crawler.Session, error) {
	cursor := target.StartCursor()
	listing := target.PageURL(cursor)
	if !g.Allowed(ctx, listing) {
		return nil, &crawler.PermanentFetchError{
			Target: target.Key,
			Cursor: cursor,
			Reason: "disallowed by robots.txt",
		}
	}
	return g.next.Open(ctx, target)
}

// Allowed reports whether robots.txt lets the agent fetch rawURL.
func (g *Gate) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := g.load(ctx, parsed)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(g.agent)
	if group == nil {
		return true
	}
	return group.Test(parsed.EscapedPath())
}

func (g *Gate) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(parsed.Host)
	g.mu.Lock()
	defer g.mu.Unlock()
	if data, ok := g.cache[host]; ok {
		return data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if g.agent != "*" {
		req.Header.Set("User-Agent", g.agent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	g.cache[host] = data
	return data, nil
}
