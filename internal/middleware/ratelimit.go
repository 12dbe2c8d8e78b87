// ratelimit.go provides Gin middleware enforcing per-client request rate
// limits. The token buckets live in Redis so the budget holds across server
// instances sharing the same upload directory, and resumable-upload clients
// behind one NAT degrade gracefully instead of being cut off at once.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
)

const rateLimitKeyPrefix = "upload-registry:ratelimit:"

// RateLimitAllower is the slice of *redis_rate.Limiter the middleware needs.
type RateLimitAllower interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// RateLimitMiddleware returns a Gin handler enforcing a per-client request
// budget on the upload surface, keyed by client IP. Over-budget requests are
// rejected with 429 and a Retry-After hint. A limiter backend failure lets
// the request through; an unreachable Redis must not take uploads down with
// it.
func RateLimitMiddleware(limiter RateLimitAllower, perSecond, burst int) gin.HandlerFunc {
	limit := redis_rate.Limit{Rate: perSecond, Burst: burst, Period: time.Second}
	return func(c *gin.Context) {
		key := rateLimitKeyPrefix + "ip:" + c.ClientIP()
		res, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(perSecond))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if res.Allowed == 0 {
			retryAfter := int(res.RetryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Next()
	}
}
