// Package retry wraps outbound source/destination calls with exponential
// backoff and a token-bucket rate limit.
package retry

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"constitutional/internal/migration/models"
)

// DefaultMultiplier doubles the delay between attempts.
const DefaultMultiplier = 2.0

// Policy retries transient failures with exponential backoff. Only
// connection and load errors are retried; validation and transform errors
// return immediately.
type Policy struct {
	// Attempts is the number of retries after the initial call.
	Attempts int
	// Delay is the wait before the first retry.
	Delay time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
}

// NewPolicy builds a doubling-backoff policy.
func NewPolicy(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, Multiplier: DefaultMultiplier}
}

// Do runs fn, retrying per the policy. Returns the last error once
// attempts are exhausted, or ctx.Err() if the context ends mid-backoff.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	delay := p.Delay
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = DefaultMultiplier
	}

	var last error
	for attempt := 0; ; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if !models.Retryable(last) {
			return last
		}
		if attempt >= p.Attempts {
			return last
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * multiplier)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Limiter throttles outbound calls to a requests-per-second budget using a
// token bucket. A zero or negative rate disables throttling.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter builds a limiter with a one-second burst budget.
func NewLimiter(requestsPerSecond float64) *Limiter {
	if requestsPerSecond <= 0 {
		return &Limiter{}
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Wait blocks until a token is available or the context ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.rl == nil {
		return ctx.Err()
	}
	return l.rl.Wait(ctx)
}
