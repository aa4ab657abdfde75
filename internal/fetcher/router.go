package fetcher

import (
	"context"
	"fmt"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

// Router opens sessions from the factory matching the target's render mode.
type Router struct {
	Browser crawler.SessionFactory
	Static  crawler.SessionFactory
}

// Open implements crawler.SessionFactory.
func (r Router) Open(ctx context.Context, target crawler.Target) (crawler.Session, error) {
	var factory crawler.SessionFactory
	switch target.Render {
	case crawler.RenderStatic:
		factory = r.Static
	case crawler.RenderBrowser, "":
		factory = r.Browser
	default:
		return nil, fmt.Errorf("target %s: unsupported render mode %q", target.Key, target.Render)
	}
	if factory == nil {
		return nil, fmt.Errorf("target %s: no %s session factory configured", target.Key, target.Render)
	}
	session, err := factory.Open(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("open %s session for %s: %w", target.Render, target.Key, err)
	}
	return session, nil
}
