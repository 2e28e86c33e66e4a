package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/metrics"
)

// RateLimit returns gin middleware charging bucket for every request. It keys
// on the identity placed in the request context by the auth middleware and
// falls back to the client IP.
func RateLimit(gov Governor, bucket Bucket, log *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	log = logger.OrNop(log)
	m = metrics.OrNew(m)
	return func(c *gin.Context) {
		key := "peer:" + c.ClientIP()
		if id, ok := auth.IdentityFrom(c.Request.Context()); ok {
			key = "user:" + id.UserID
		}

		d := allow(c.Request.Context(), gov, key, bucket, log, m)
		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds(d.RetryAfter)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
