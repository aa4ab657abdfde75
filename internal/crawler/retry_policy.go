package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// maxBackoff bounds the delay when a policy sets no MaxDelay.
const maxBackoff = 10 * time.Minute

// RetryPolicy describes exponential backoff for transient fetch failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the fraction of the computed delay added at random, in [0, 1].
	Jitter float64
}

// DefaultRetryPolicy mirrors the portal defaults: three retries doubling from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Jitter:     0.2,
	}
}

// Attempts returns the total number of fetch attempts allowed.
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff returns the wait before retry number retry (zero-based):
// base * 2^retry, capped at MaxDelay (or maxBackoff when unset), plus up to
// Jitter of that delay.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = maxBackoff
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(retry))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(ceiling) {
		delay = float64(ceiling)
	}
	if p.Jitter > 0 {
		delay += float64(randomJitter(time.Duration(delay * p.Jitter)))
	}
	return time.Duration(delay)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
