package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/syncbridge/backend/internal/infrastructure/resilience"
)

// RateLimitKeyFunc derives the rate-limit bucket key for a request.
type RateLimitKeyFunc func(c *gin.Context) string

// DefaultRateLimitKey buckets by authenticated user when available, falling
// back to the client IP for unauthenticated traffic.
func DefaultRateLimitKey(c *gin.Context) string {
	if userID := GetUserID(c); userID != "" {
		return "user:" + userID
	}
	return "ip:" + c.ClientIP()
}

// RateLimit enforces the fixed-window limiter. Rejections get 429 with
// Retry-After; every response carries the X-RateLimit headers.
func RateLimit(limiter resilience.Limiter) gin.HandlerFunc {
	return RateLimitByKey(limiter, DefaultRateLimitKey)
}

// RateLimitByKey enforces the limiter with a custom key extractor.
func RateLimitByKey(limiter resilience.Limiter, keyFunc RateLimitKeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := limiter.Allow(c.Request.Context(), keyFunc(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "ERR_RATE_LIMITED",
					"message": "Too many requests. Please try again later.",
				},
			})
			return
		}

		c.Next()
	}
}
