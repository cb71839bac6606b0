package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// Logging logs one line per request, correlated with the active trace.
// Successful hits on quietRoutes (health and scrape endpoints) drop to debug
// so polling does not bury redirect traffic; their failures still log.
func Logging(logger *slog.Logger, quietRoutes ...string) gin.HandlerFunc {
	quiet := make(map[string]bool, len(quietRoutes))
	for _, r := range quietRoutes {
		quiet[r] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		level := levelFor(status)
		if level == slog.LevelInfo && quiet[c.FullPath()] {
			level = slog.LevelDebug
		}

		ctx := c.Request.Context()
		if !logger.Enabled(ctx, level) {
			return
		}
		logger.LogAttrs(ctx, level, "http request", requestAttrs(c, path, status, time.Since(start))...)
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// requestAttrs adds the short code and referrer on link routes so a visit
// can be matched to its recorded click.
func requestAttrs(c *gin.Context, path string, status int, latency time.Duration) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("route", c.FullPath()),
		slog.Int("status", status),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
	}

	if code := c.Param("code"); code != "" {
		attrs = append(attrs, slog.String("code", code))
	}
	if ref := c.Request.Referer(); ref != "" {
		attrs = append(attrs, slog.String("referer", ref))
	}
	if len(c.Errors) > 0 {
		attrs = append(attrs, slog.String("errors", c.Errors.String()))
	}

	if spanCtx := trace.SpanContextFromContext(c.Request.Context()); spanCtx.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}
	return attrs
}
