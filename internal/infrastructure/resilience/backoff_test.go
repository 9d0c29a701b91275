package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.True(t, p.ShouldRetry(syncdomain.ErrorClassTransient))
	assert.True(t, p.ShouldRetry(syncdomain.ErrorClassRateLimited))
	assert.False(t, p.ShouldRetry(syncdomain.ErrorClassAuth))
	assert.False(t, p.ShouldRetry(syncdomain.ErrorClassValidation))
	assert.False(t, p.ShouldRetry(syncdomain.ErrorClassConflict))
	assert.False(t, p.ShouldRetry(syncdomain.ErrorClassUnknown))
}

func TestRetryPolicyNextDelay(t *testing.T) {
	// Zero jitter makes the schedule deterministic.
	p := RetryPolicy{
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		RateLimitFloor: 30 * time.Second,
		Jitter:         0,
	}

	t.Run("transient delays double per attempt", func(t *testing.T) {
		assert.Equal(t, time.Second, p.NextDelay(syncdomain.ErrorClassTransient, 1, 0))
		assert.Equal(t, 2*time.Second, p.NextDelay(syncdomain.ErrorClassTransient, 2, 0))
		assert.Equal(t, 4*time.Second, p.NextDelay(syncdomain.ErrorClassTransient, 3, 0))
		assert.Equal(t, 8*time.Second, p.NextDelay(syncdomain.ErrorClassTransient, 4, 0))
	})

	t.Run("delay is capped at the maximum", func(t *testing.T) {
		assert.Equal(t, time.Minute, p.NextDelay(syncdomain.ErrorClassTransient, 20, 0))
	})

	t.Run("attempt below one is treated as the first", func(t *testing.T) {
		assert.Equal(t, time.Second, p.NextDelay(syncdomain.ErrorClassTransient, 0, 0))
	})

	t.Run("rate-limited delays are floored", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, p.NextDelay(syncdomain.ErrorClassRateLimited, 1, 0))
		assert.Equal(t, 30*time.Second, p.NextDelay(syncdomain.ErrorClassRateLimited, 3, 0))
	})

	t.Run("retry-after hint raises the floor", func(t *testing.T) {
		assert.Equal(t, 45*time.Second, p.NextDelay(syncdomain.ErrorClassRateLimited, 1, 45*time.Second))
	})

	t.Run("hint below the floor is ignored", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, p.NextDelay(syncdomain.ErrorClassRateLimited, 1, 5*time.Second))
	})

	t.Run("jitter keeps delays near the nominal value", func(t *testing.T) {
		jittered := RetryPolicy{
			BaseDelay: time.Second,
			MaxDelay:  time.Minute,
			Jitter:    0.2,
		}
		d := jittered.NextDelay(syncdomain.ErrorClassTransient, 1, 0)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	})
}
