package registry

import (
	"context"
	"sync"
	"time"

	"github.com/webpm/webpm/webpmerr"
)

// RateLimiter is a sliding 60s window plus burst allowance, with
// waiters serviced FIFO.
type RateLimiter struct {
	RequestsPerMinute int
	BurstLimit        int

	mu        sync.Mutex
	window    []time.Time
	burstUsed int
	burstAt   time.Time
	now       func() time.Time
	waiters   []chan struct{}
}

// NewRateLimiter constructs a limiter; zero RequestsPerMinute disables
// limiting entirely.
func NewRateLimiter(requestsPerMinute, burstLimit int) *RateLimiter {
	return &RateLimiter{RequestsPerMinute: requestsPerMinute, BurstLimit: burstLimit, now: time.Now}
}

// Wait blocks (FIFO, respecting ctx) until a request slot is available.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.RequestsPerMinute <= 0 {
		return nil
	}
	for {
		r.mu.Lock()
		r.evict()
		if len(r.window) < r.RequestsPerMinute || r.burstAvailable() {
			r.record()
			r.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		r.waiters = append(r.waiters, ch)
		retryAfter := r.retryAfterLocked()
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return &webpmerr.Error{Kind: webpmerr.Cancelled, Cause: ctx.Err()}
		case <-time.After(retryAfter):
		case <-ch:
		}
	}
}

func (r *RateLimiter) evict() {
	cutoff := r.now().Add(-60 * time.Second)
	i := 0
	for ; i < len(r.window); i++ {
		if r.window[i].After(cutoff) {
			break
		}
	}
	r.window = r.window[i:]
	if r.now().Sub(r.burstAt) > 60*time.Second {
		r.burstUsed = 0
		r.burstAt = r.now()
	}
}

func (r *RateLimiter) burstAvailable() bool {
	return r.burstUsed < r.BurstLimit
}

func (r *RateLimiter) record() {
	if len(r.window) >= r.RequestsPerMinute {
		r.burstUsed++
	}
	r.window = append(r.window, r.now())
	// Wake the oldest FIFO waiter; it will re-check the window itself.
	if len(r.waiters) > 0 {
		ch := r.waiters[0]
		r.waiters = r.waiters[1:]
		close(ch)
	}
}

func (r *RateLimiter) retryAfterLocked() time.Duration {
	if len(r.window) == 0 {
		return time.Second
	}
	oldest := r.window[0]
	until := oldest.Add(60 * time.Second).Sub(r.now())
	if until < 0 {
		return time.Millisecond
	}
	return until
}

// RetryAfterSeconds reports the wait implied by the current window state,
// used to build a RateLimited(retryAfterSeconds) error when a registry
// itself returns 429 without a Retry-After header.
func (r *RateLimiter) RetryAfterSeconds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict()
	d := r.retryAfterLocked()
	return int(d.Seconds()) + 1
}
