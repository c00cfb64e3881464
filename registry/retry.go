package registry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/webpm/webpm/webpmerr"
)

// RetryPolicy is an exponential-backoff-with-full-jitter retry policy.
type RetryPolicy struct {
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy is the policy Clients use when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
}

// delay returns the backoff delay before attempt n (0-indexed), with full
// jitter in [0.5, 1.0) of the computed cap.
func (p RetryPolicy) delay(n int, rng *rand.Rand) time.Duration {
	ceiling := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if ceiling > float64(p.MaxDelay) {
		ceiling = float64(p.MaxDelay)
	}
	jitter := 0.5 + rng.Float64()*0.5
	return time.Duration(ceiling * jitter)
}

// Do runs fn up to p.Attempts times, retrying only webpmerr.Retryable
// errors, honoring RateLimited(retryAfter) as an explicit delay override.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			d := p.delay(attempt-1, rng)
			if rle, ok := lastErr.(*webpmerr.Error); ok && rle.Kind == webpmerr.RateLimited && rle.RetryAfter > 0 {
				d = time.Duration(rle.RetryAfter) * time.Second
			}
			select {
			case <-ctx.Done():
				return &webpmerr.Error{Kind: webpmerr.Cancelled, Cause: ctx.Err()}
			case <-time.After(d):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !webpmerr.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
