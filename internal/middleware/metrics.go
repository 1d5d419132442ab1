package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/civigate/civigate/pkg/metrics"
)

// Metrics records request latency for each HTTP request. Unmatched routes
// share one label value; raw request paths would give the histogram
// unbounded cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(c.Writer.Status())
		metrics.APILatency.WithLabelValues(c.Request.Method, path, status).Observe(duration)
	}
}
