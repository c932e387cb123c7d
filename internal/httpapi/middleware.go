package httpapi

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brightfield-labs/scraperd/internal/platform/ctxutil"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

// attachTraceData stamps every request with a request ID so logs and
// error envelopes can be correlated, mirroring the teacher's
// AttachRequestContext middleware.
func attachTraceData() gin.HandlerFunc {
	return func(c *gin.Context) {
		td := &ctxutil.TraceData{RequestID: uuid.NewString()}
		if incoming := c.GetHeader("X-Trace-Id"); incoming != "" {
			td.TraceID = incoming
		} else {
			td.TraceID = uuid.NewString()
		}
		c.Request = c.Request.WithContext(ctxutil.WithTraceData(c.Request.Context(), td))
		c.Header("X-Request-Id", td.RequestID)
		c.Next()
	}
}

// requestLogger logs one line per request at a level derived from its
// status code, the same shape as the teacher's RequestLogger middleware.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if log == nil {
			return
		}
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []interface{}{
			"method", strings.ToUpper(c.Request.Method),
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if td := ctxutil.GetTraceData(c.Request.Context()); td != nil {
			fields = append(fields, "trace_id", td.TraceID, "request_id", td.RequestID)
		}
		switch {
		case status >= 500:
			log.Error("http request", fields...)
		case status >= 400:
			log.Warn("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}
