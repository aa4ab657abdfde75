// Package ratelimit paces consecutive page requests of one target.
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds pacing configuration.
type Config struct {
	// PageDelay is the minimum spacing between two pages of the same target.
	// Zero disables pacing.
	PageDelay time.Duration
	// Jitter adds a random extra wait in [0, Jitter*PageDelay).
	Jitter float64
}

// Limiter keeps one token bucket per target key.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	jitter   time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	var jitter time.Duration
	if cfg.PageDelay > 0 {
		limit = rate.Every(cfg.PageDelay)
		if cfg.Jitter > 0 {
			jitter = time.Duration(cfg.Jitter * float64(cfg.PageDelay))
		}
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		jitter:   jitter,
	}
}

// Wait blocks until the target may request its next page. It returns the time spent waiting.
func (l *Limiter) Wait(ctx context.Context, target string) (time.Duration, error) {
	l.mu.Lock()
	limiter, ok := l.limiters[target]
	if !ok {
		limiter = rate.NewLimiter(l.limit, 1)
		l.limiters[target] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("rate limit wait: %w", err)
	}
	if extra := l.extra(); extra > 0 {
		timer := time.NewTimer(extra)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return time.Since(start), fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return time.Since(start), nil
}

func (l *Limiter) extra() time.Duration {
	if l.jitter <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return time.Duration(binary.LittleEndian.Uint64(b[:]) % uint64(l.jitter))
}
