package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenissuer/tokenissuer/internal/logging"
)

// Middleware records HTTP metrics for each request.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.IncHTTPRequestsInFlight()
		c.Next()
		m.DecHTTPRequestsInFlight()

		duration := time.Since(start).Seconds()
		code := c.Writer.Status()
		status := strconv.Itoa(code)
		endpoint := c.FullPath()
		if endpoint == "" {
			// Unmatched paths share one label to keep cardinality bounded.
			endpoint = "unmatched"
		}

		m.RecordRequestLatency(endpoint, c.Request.Method, status, duration)
		m.RecordHTTPRequest(endpoint, c.Request.Method, status)

		switch {
		case code >= http.StatusInternalServerError:
			m.RecordError("server_error", endpoint, c.Request.Method)
		case code >= http.StatusBadRequest:
			m.RecordError("client_error", endpoint, c.Request.Method)
		}

		if len(c.Errors) > 0 {
			logger.ErrorWithContext(c.Request.Context(), "request error", "error", c.Errors.String())
		}
	}
}
