package pool

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	defaultRetryBase = 200 * time.Millisecond
	jitterFraction   = 0.2
)

// retryDelay produces exponentially growing waits between retries of one call. Each wait is
// jittered by up to jitterFraction so callers retrying the same backend do not line up.
type retryDelay struct {
	next   time.Duration
	ceil   time.Duration
	jitter func(time.Duration) time.Duration
}

func newBackoff(base, ceil time.Duration) *retryDelay {
	if base <= 0 {
		base = defaultRetryBase
	}
	return &retryDelay{next: base, ceil: max(ceil, base), jitter: jitter}
}

// Next returns the wait before the upcoming retry and advances the schedule.
func (d *retryDelay) Next() time.Duration {
	wait := d.next
	d.next = min(d.next*2, d.ceil)
	if d.jitter != nil {
		wait -= d.jitter(wait)
	}
	return wait
}

// Sleep waits for Next. It returns false if ctx ended first.
func (d *retryDelay) Sleep(ctx context.Context) bool {
	timer := time.NewTimer(d.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func jitter(wait time.Duration) time.Duration {
	span := int64(float64(wait) * jitterFraction)
	if span <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(span))
}
