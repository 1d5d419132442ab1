package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/civigate/civigate/internal/ratelimit"
	"github.com/civigate/civigate/pkg/errors"
	"github.com/civigate/civigate/pkg/response"
)

// RateLimit enforces the named quota profile per client IP. Every response
// carries the quota headers; rejected requests answer 429 with a retry hint.
func RateLimit(limiter *ratelimit.Limiter, profile string) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := limiter.Consume(profile, "ip:"+c.ClientIP())
		if err != nil {
			response.Error(c, errors.ErrInternalServer.WithInternal(err))
			c.Abort()
			return
		}

		if p, ok := limiter.Profile(profile); ok {
			c.Header("X-RateLimit-Limit", strconv.Itoa(p.Points))
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retry := ratelimit.RetrySeconds(result.RetryAfter)
			c.Header("Retry-After", strconv.Itoa(retry))
			c.Header("X-RateLimit-Blocked", "true")
			response.Error(c, errors.ErrRateLimit.WithDetails(map[string]any{
				"retry_after": retry,
			}))
			c.Abort()
			return
		}

		c.Next()
	}
}
