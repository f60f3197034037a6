package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/hemocheck/triage-backend/internal/observability"
	"github.com/hemocheck/triage-backend/internal/platform/ctxutil"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
)

// RequestMeta assigns a request id, threads trace identifiers through the
// request context, and records per-route API metrics.
func RequestMeta(log *logger.Logger) gin.HandlerFunc {
	reqLog := log.With("middleware", "RequestMeta")

	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-ID", requestID)

		td := &ctxutil.TraceData{RequestID: requestID}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			td.TraceID = sc.TraceID().String()
		}
		c.Request = c.Request.WithContext(ctxutil.WithTraceData(c.Request.Context(), td))

		m := observability.Current()
		m.ApiInflightInc()
		defer m.ApiInflightDec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		dur := time.Since(start)
		m.ObserveAPI(c.Request.Method, route, status, dur)

		if c.Writer.Status() >= 500 {
			reqLog.Warn("request failed",
				"method", c.Request.Method,
				"route", route,
				"status", status,
				"request_id", requestID,
				"duration_ms", dur.Milliseconds(),
			)
		}
	}
}
