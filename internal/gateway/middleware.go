package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pilotd/internal/logging"
)

// bodySizeLimitMiddleware rejects POST/PUT/PATCH bodies over maxBytes,
// adapted from original_source/src/security.py's BodySizeLimitMiddleware.
func bodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if c.Request.ContentLength > maxBytes {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"status":  "error",
					"message": "request body too large",
				})
				return
			}
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// accessLogMiddleware logs one line per request with status/latency,
// matching the teacher's ObservabilityMiddleware's latency-logging half
// (tracing/metrics for the gateway live in the per-component Prometheus
// collectors registered in server.go rather than per-request spans —
// the HTTP surface here is not itself the thing SPEC_FULL.md asks to
// trace).
func accessLogMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("method=%s path=%s status=%d latency_ms=%.2f ip=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			float64(time.Since(start).Microseconds())/1000.0, clientIP(c.Request))
	}
}
