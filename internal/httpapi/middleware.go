package httpapi

import (
	"log"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xiebiao/tracseq-core/pkg/metrics"
)

// requestLogger assigns a request id (propagated as X-Request-ID) and logs
// method, path, status, and latency for every request, plus records the
// request in the HTTP Prometheus metrics.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		metrics.IncGauge(metrics.HTTPRequestsInProgress)
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		metrics.DecGauge(metrics.HTTPRequestsInProgress)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()

		metrics.IncCounterVec(metrics.HTTPRequestsTotal, map[string]string{
			"method": c.Request.Method,
			"path":   path,
			"status": strconv.Itoa(status),
		})
		metrics.ObserveHistogramVec(metrics.HTTPRequestDuration, map[string]string{
			"method": c.Request.Method,
			"path":   path,
		}, latency.Seconds())

		log.Printf("[httpapi] %s %3d %12v %-7s %s req=%s",
			start.Format(time.RFC3339), status, latency, c.Request.Method, path, requestID)
	}
}
