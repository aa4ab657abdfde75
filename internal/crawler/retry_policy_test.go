package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(4))
	assert.Equal(t, 6, p.Attempts())
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 300*time.Millisecond)
	}
}

func TestRetryPolicyBackoffWithoutMaxDelayStaysBounded(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 1000, BaseDelay: time.Second}
	prev := time.Duration(0)
	for retry := 0; retry <= p.MaxRetries; retry++ {
		d := p.Backoff(retry)
		assert.Positive(t, d, "retry %d", retry)
		assert.LessOrEqual(t, d, maxBackoff, "retry %d", retry)
		assert.GreaterOrEqual(t, d, prev, "retry %d", retry)
		prev = d
	}
	assert.Equal(t, maxBackoff, p.Backoff(1000))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
}
