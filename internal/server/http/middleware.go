package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"runcore/internal/logging"
	"runcore/internal/observability"
)

// observabilityMiddleware traces, counts and latency-logs every request.
// Stream routes get no request span: they open their own stream span and
// would otherwise hold a span open for the life of the connection.
func observabilityMiddleware(tracer *observability.TracerProvider, metrics *observability.MetricsCollector, logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		if !isStreamRoute(route) {
			ctx, span := tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
				attribute.String("http.route", route),
				attribute.String("http.method", c.Request.Method),
			)
			c.Request = c.Request.WithContext(ctx)
			defer func() {
				status := c.Writer.Status()
				span.SetAttributes(attribute.Int("http.status_code", status))
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}
				span.End()
			}()
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		metrics.RecordHTTPRequest(c.Request.Context(), c.Request.Method, route, status, latency)
		logger.Debug("route=%s method=%s status=%d latency_ms=%.2f bytes=%d",
			route, c.Request.Method, status, float64(latency.Microseconds())/1000.0, c.Writer.Size())
	}
}

func isStreamRoute(route string) bool {
	return strings.HasSuffix(route, "/events") || strings.HasSuffix(route, "/ws")
}
