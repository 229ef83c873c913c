package recording

import (
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// RetryPolicy is a shared exponential-backoff-with-jitter policy. It backs the ingest worker's
// reconnect loop, a segment writer's finalize-on-remote-error path, and database retry on
// SQLITE_BUSY/SQLITE_LOCKED.
type RetryPolicy struct {
	Base       time.Duration
	Max        time.Duration
	JitterFrac float64
}

// DefaultRetryPolicy returns the ingest reconnect policy: backoff of min(2^n, 30s) with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Max: 30 * time.Second, JitterFrac: 0.2}
}

// Delay returns the backoff delay for the n-th consecutive failure (n starting at 0).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.Base
	for i := 0; i < n && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	if p.JitterFrac <= 0 {
		return d
	}
	jitter := float64(d) * p.JitterFrac * (rand.Float64()*2 - 1)
	out := time.Duration(float64(d) + jitter)
	if out < 0 {
		out = 0
	}
	return out
}

// circuitBreakerThreshold is the number of consecutive failures after which the ingest worker
// stops incrementing backoff and emits STREAM_ERROR, continuing to retry at the cap.
const circuitBreakerThreshold = 10

// Limiter builds a rate.Limiter reserved against the n-th consecutive failure's backoff delay:
// its rate shrinks as n grows, so ReserveN(time.Now(), 1).Delay() yields the same jittered
// exponential wait as Delay(n) while giving callers a cancelable, paced reservation instead of a
// bare sleep.
func (p RetryPolicy) Limiter(n int) *rate.Limiter {
	d := p.Delay(n)
	if d <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(d), 1)
}
