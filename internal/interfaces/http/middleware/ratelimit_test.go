package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/backend/internal/infrastructure/resilience"
)

func newRateLimitedRouter(limiter resilience.Limiter) *gin.Engine {
	engine := gin.New()
	engine.Use(RateLimit(limiter))
	engine.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return engine
}

func TestRateLimit_EnforcesFixedWindow(t *testing.T) {
	store := resilience.NewMemoryCounterStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	limiter := resilience.NewFixedWindowLimiter(store, 5, 10*time.Second, nil)
	engine := newRateLimitedRouter(limiter)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		require.Equal(t, http.StatusOK, w.Code, "request %d within the limit", i+1)
	}

	// Sixth request in the same window is rejected.
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "ERR_RATE_LIMITED")
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)

	// After the window rolls over the next request is allowed again.
	now = now.Add(11 * time.Second)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_SeparateBucketsPerKey(t *testing.T) {
	limiter := resilience.NewFixedWindowLimiter(resilience.NewMemoryCounterStore(), 1, time.Minute, nil)

	engine := gin.New()
	engine.Use(RateLimitByKey(limiter, func(c *gin.Context) string {
		return c.GetHeader("X-Client")
	}))
	engine.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func(client string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Client", client)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit("a"))
	assert.Equal(t, http.StatusTooManyRequests, hit("a"))
	assert.Equal(t, http.StatusOK, hit("b"), "another key has its own window")
}
