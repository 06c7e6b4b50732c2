package api

import (
	"strconv"
	"time"

	"lostfound-board/backend/internal/metrics"

	"github.com/gin-gonic/gin"
)

// MetricsMiddleware records Prometheus request counters and latency.
// Gin's FullPath already collapses path parameters (":id"), so the path
// label stays low-cardinality.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		metrics.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}
