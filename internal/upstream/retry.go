package upstream

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the exponential backoff applied to transient
// upstream failures: min(base*2^(n-1) + jitter, cap), jitter in [0,1) s.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Base is the first backoff step.
	Base time.Duration
	// Cap bounds any single backoff.
	Cap time.Duration
}

// DefaultRetryPolicy matches the provider contract: three retries,
// 1 s base, 10 s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Base:       time.Second,
		Cap:        10 * time.Second,
	}
}

// Backoff computes the delay before retry attempt n (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.backoffWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// backoffWithRand takes the random value explicitly for deterministic tests.
func (p RetryPolicy) backoffWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Base) * math.Pow(2, exp)
	jitter := random * float64(time.Second)
	total := math.Min(float64(p.Cap), base+jitter)
	return time.Duration(total)
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
