package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hemocheck/triage-backend/internal/observability"
)

// Metrics serves the Prometheus text exposition on the API port. The same
// payload is also served by the standalone metrics listener when enabled.
func Metrics(c *gin.Context) {
	m := observability.Current()
	if m == nil {
		c.String(http.StatusNotFound, "metrics disabled")
		return
	}
	m.WriteHTTP(c.Writer, c.Request)
}
