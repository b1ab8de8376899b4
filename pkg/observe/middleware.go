package observe

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Middleware returns a gin handler that records request duration and
// in-flight request counts for every route, and logs request completion.
//
// The path attribute uses the matched route template (for example
// "/api/v1/agents/:id/chat") rather than the raw URL so metric cardinality
// stays bounded.
func Middleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()

		m.ActiveRequests.Add(ctx, 1)
		c.Next()
		m.ActiveRequests.Add(ctx, -1)

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(start)

		m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", c.Request.Method),
				attribute.String("path", path),
				attribute.Int("status", status),
			),
		)

		slog.LogAttrs(ctx, slog.LevelInfo, "request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("duration", duration),
		)
	}
}
