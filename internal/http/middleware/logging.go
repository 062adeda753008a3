// README: Access log and HTTP metrics middleware.
package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rideshare/internal/observability"
)

// Logging writes one http_request line per request and records latency by route template.
func Logging(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		statusLabel := strconv.Itoa(status)
		observability.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusLabel).Inc()
		observability.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, statusLabel).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("request_id", RequestIDFrom(c)),
			slog.String("user_id", string(CallerUID(c))),
		}
		if last := c.Errors.Last(); last != nil {
			attrs = append(attrs, slog.String("error", last.Err.Error()))
		}
		log.LogAttrs(c.Request.Context(), level, "http_request", attrs...)
	}
}
