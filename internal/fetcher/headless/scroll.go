package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// ScrollConfig drives the scroll-to-end loop.
type ScrollConfig struct {
	// Step is the pixel distance of one scroll.
	Step int
	// Pause is the wait after each scroll for lazy rows to load.
	Pause time.Duration
	// MaxIterations caps the number of scrolls.
	MaxIterations int
	// StableChecks is how many consecutive unchanged heights end the loop.
	StableChecks int
}

// DefaultScrollConfig matches the portal's lazy-loading listings.
func DefaultScrollConfig() ScrollConfig {
	return ScrollConfig{
		Step:          800,
		Pause:         3 * time.Second,
		MaxIterations: 5,
		StableChecks:  2,
	}
}

func (c ScrollConfig) withDefaults() ScrollConfig {
	d := DefaultScrollConfig()
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.Pause < 0 {
		c.Pause = 0
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.StableChecks <= 0 {
		c.StableChecks = d.StableChecks
	}
	return c
}

type scroller interface {
	ScrollBy(ctx context.Context, step int) error
	Height(ctx context.Context) (int64, error)
}

// scrollResult summarizes one scroll-to-end pass.
type scrollResult struct {
	Offset     int64
	Iterations int
	Stable     bool
}

// scrollToEnd scrolls until the document height is unchanged for
// StableChecks consecutive checks or MaxIterations is reached.
func scrollToEnd(ctx context.Context, sc scroller, cfg ScrollConfig, sleep func(context.Context, time.Duration) error) (scrollResult, error) {
	var res scrollResult
	last, err := sc.Height(ctx)
	if err != nil {
		return res, fmt.Errorf("read document height: %w", err)
	}
	stable := 0
	for res.Iterations < cfg.MaxIterations && stable < cfg.StableChecks {
		if err := sc.ScrollBy(ctx, cfg.Step); err != nil {
			return res, fmt.Errorf("scroll: %w", err)
		}
		res.Offset += int64(cfg.Step)
		res.Iterations++
		if err := sleep(ctx, cfg.Pause); err != nil {
			return res, fmt.Errorf("scroll pause: %w", err)
		}
		h, err := sc.Height(ctx)
		if err != nil {
			return res, fmt.Errorf("read document height: %w", err)
		}
		if h == last {
			stable++
		} else {
			stable = 0
			last = h
		}
	}
	res.Stable = stable >= cfg.StableChecks
	return res, nil
}

// pageScroller drives the current chromedp tab.
type pageScroller struct{}

func (pageScroller) ScrollBy(ctx context.Context, step int) error {
	if err := chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d);", step), nil)); err != nil {
		return fmt.Errorf("evaluate scrollBy: %w", err)
	}
	return nil
}

func (pageScroller) Height(ctx context.Context) (int64, error) {
	var h int64
	if err := chromedp.Run(ctx, chromedp.Evaluate(`document.body.scrollHeight`, &h)); err != nil {
		return 0, fmt.Errorf("evaluate scrollHeight: %w", err)
	}
	return h, nil
}
