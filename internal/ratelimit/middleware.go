package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zyndor1548/storefront-payments/internal/logging"
)

// KeyFunc picks the limiter identifier for a request.
type KeyFunc func(c *gin.Context) string

// ClientIPKey limits by client address.
func ClientIPKey(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// Middleware enforces limiter on every request. Backend failures fail
// open and are logged.
func Middleware(limiter Limiter, key KeyFunc, logger *logging.StructuredLogger) gin.HandlerFunc {
	if key == nil {
		key = ClientIPKey
	}
	return func(c *gin.Context) {
		id := key(c)
		decision, err := limiter.Admit(c.Request.Context(), id)
		if err != nil {
			logger.Error("Rate limit check failed", map[string]interface{}{
				"correlation_id": logging.CorrelationID(c.Request.Context()),
				"limiter_key":    id,
				"error":          err.Error(),
			})
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		if !decision.Allowed {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(decision.ResetIn.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"error_code": "RATE_LIMITED",
				"message":    "Rate limit exceeded",
			})
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Next()
	}
}
