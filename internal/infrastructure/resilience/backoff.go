package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

// RetryPolicy decides whether and when a failed operation is re-attempted,
// based on the error taxonomy: transient errors back off exponentially with
// jitter, rate-limited errors floor the delay at a longer minimum, and
// auth/validation/conflict/unknown errors are never retried here.
type RetryPolicy struct {
	// BaseDelay is the first retry delay.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// RateLimitFloor is the minimum delay after a rate-limited failure.
	RateLimitFloor time.Duration
	// Jitter is the randomization factor applied to each delay (0..1).
	Jitter float64
}

// DefaultRetryPolicy returns production defaults: 1s base doubling to 2m,
// with rate-limited failures waiting at least 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:      time.Second,
		MaxDelay:       2 * time.Minute,
		RateLimitFloor: 30 * time.Second,
		Jitter:         0.2,
	}
}

// ShouldRetry reports whether an error of the given class is retryable at
// all. The attempt budget itself is owned by the broker.
func (p RetryPolicy) ShouldRetry(class syncdomain.ErrorClass) bool {
	return class.Retryable()
}

// NextDelay returns the delay before the given attempt (1-based). The
// rate-limited class floors the result; when the failure carried an explicit
// retry-after hint the caller should pass it as hint.
func (p RetryPolicy) NextDelay(class syncdomain.ErrorClass, attempt int, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if class == syncdomain.ErrorClassRateLimited {
		floor := p.RateLimitFloor
		if hint > floor {
			floor = hint
		}
		if delay < floor {
			delay = floor
		}
	}
	return delay
}
