package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decision is the outcome of a rate-limit check. Limiters never return an
// error to callers: if the counter store is unreachable the request is
// allowed, so the limiter cannot itself take down traffic.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetAt    time.Time     `json:"reset_at"`
}

// Limiter checks whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// CounterStore backs fixed-window counters. Incr increments the window
// counter for key and returns the new count plus the remaining window TTL.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// RedisCounterStore implements CounterStore on shared Redis counters so the
// limit holds across instances.
type RedisCounterStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCounterStore creates a store using the given client.
func NewRedisCounterStore(client *redis.Client, keyPrefix string) *RedisCounterStore {
	if keyPrefix == "" {
		keyPrefix = "sync:ratelimit:"
	}
	return &RedisCounterStore{client: client, keyPrefix: keyPrefix}
}

// Incr increments the window counter, setting the expiry when the window
// starts.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := s.keyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, window)
	ttlCmd := pipe.PTTL(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("rate limit counter: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = window
	}
	return incr.Val(), ttl, nil
}

// MemoryCounterStore implements CounterStore in process memory.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	count    int64
	expireAt time.Time
}

// NewMemoryCounterStore creates an in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

// SetClock overrides the time source, used by tests.
func (s *MemoryCounterStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Incr increments the window counter, rolling the window over on expiry.
func (s *MemoryCounterStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.expireAt) {
		w = &memoryWindow{expireAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.expireAt.Sub(now), nil
}

// FixedWindowLimiter counts requests per key in fixed windows.
type FixedWindowLimiter struct {
	store  CounterStore
	limit  int
	window time.Duration
	logger *zap.Logger
}

// NewFixedWindowLimiter creates a limiter allowing limit requests per window.
func NewFixedWindowLimiter(store CounterStore, limit int, window time.Duration, logger *zap.Logger) *FixedWindowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FixedWindowLimiter{store: store, limit: limit, window: window, logger: logger}
}

// Allow checks the key against the configured limit.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) Decision {
	return l.allowWithLimit(ctx, key, l.limit)
}

func (l *FixedWindowLimiter) allowWithLimit(ctx context.Context, key string, limit int) Decision {
	count, ttl, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		// Fail open: the limiter must never become the single point of failure.
		l.logger.Warn("rate limit store unavailable, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		return Decision{Allowed: true, Limit: limit, Remaining: limit}
	}

	resetAt := time.Now().Add(ttl)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if int(count) > limit {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: ttl,
			ResetAt:    resetAt,
		}
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// LoadProvider reports a shared system-load metric in the range 0..1.
type LoadProvider interface {
	CurrentLoad(ctx context.Context) float64
}

// LoadProviderFunc adapts a function to the LoadProvider interface.
type LoadProviderFunc func(ctx context.Context) float64

// CurrentLoad implements LoadProvider.
func (f LoadProviderFunc) CurrentLoad(ctx context.Context) float64 {
	return f(ctx)
}

// AdaptiveLimiter shrinks the effective limit while system load is above a
// threshold.
type AdaptiveLimiter struct {
	inner         *FixedWindowLimiter
	load          LoadProvider
	loadThreshold float64
	reduction     float64
}

// NewAdaptiveLimiter wraps a fixed-window limiter. While load exceeds
// loadThreshold the limit is multiplied by reduction (0..1).
func NewAdaptiveLimiter(inner *FixedWindowLimiter, load LoadProvider, loadThreshold, reduction float64) *AdaptiveLimiter {
	if reduction <= 0 || reduction > 1 {
		reduction = 0.5
	}
	return &AdaptiveLimiter{
		inner:         inner,
		load:          load,
		loadThreshold: loadThreshold,
		reduction:     reduction,
	}
}

// Allow checks the key against the load-adjusted limit.
func (l *AdaptiveLimiter) Allow(ctx context.Context, key string) Decision {
	limit := l.inner.limit
	if l.load != nil && l.load.CurrentLoad(ctx) > l.loadThreshold {
		limit = int(float64(limit) * l.reduction)
		if limit < 1 {
			limit = 1
		}
	}
	return l.inner.allowWithLimit(ctx, key, limit)
}

// BreakerLimiter layers a failure-driven block on top of another limiter:
// after failureThreshold downstream failures for a key within the block
// window, requests for that key are rejected regardless of volume until the
// window passes.
type BreakerLimiter struct {
	inner            Limiter
	failureThreshold int
	blockWindow      time.Duration
	now              func() time.Time

	mu       sync.Mutex
	failures map[string]*failureRecord
}

type failureRecord struct {
	count   int
	firstAt time.Time
}

// NewBreakerLimiter wraps a limiter with downstream-failure tracking.
func NewBreakerLimiter(inner Limiter, failureThreshold int, blockWindow time.Duration) *BreakerLimiter {
	return &BreakerLimiter{
		inner:            inner,
		failureThreshold: failureThreshold,
		blockWindow:      blockWindow,
		now:              time.Now,
		failures:         make(map[string]*failureRecord),
	}
}

// SetClock overrides the time source, used by tests.
func (l *BreakerLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// RecordFailure notes a downstream failure attributed to key.
func (l *BreakerLimiter) RecordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.failures[key]
	if !ok || now.Sub(rec.firstAt) > l.blockWindow {
		l.failures[key] = &failureRecord{count: 1, firstAt: now}
		return
	}
	rec.count++
}

// Allow rejects keys currently blocked by downstream failures, otherwise
// defers to the wrapped limiter.
func (l *BreakerLimiter) Allow(ctx context.Context, key string) Decision {
	l.mu.Lock()
	rec, ok := l.failures[key]
	now := l.now()
	if ok && now.Sub(rec.firstAt) > l.blockWindow {
		delete(l.failures, key)
		ok = false
	}
	blocked := ok && rec.count >= l.failureThreshold
	var retryAfter time.Duration
	if blocked {
		retryAfter = rec.firstAt.Add(l.blockWindow).Sub(now)
	}
	l.mu.Unlock()

	if blocked {
		return Decision{
			Allowed:    false,
			RetryAfter: retryAfter,
			ResetAt:    now.Add(retryAfter),
		}
	}
	return l.inner.Allow(ctx, key)
}
