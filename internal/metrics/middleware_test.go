package metrics

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenissuer/tokenissuer/internal/logging"
)

func TestMiddlewareRecordsMetricsAndErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m := NewMetrics("testmw")
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.WithOutput(&buf), logging.WithLevel(logging.LevelDebug))

	r := gin.New()
	r.Use(Middleware(m, logger))

	r.GET("/ok", func(c *gin.Context) {
		c.Status(200)
	})
	r.GET("/err", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
		c.Status(500)
	})
	r.NoRoute(func(c *gin.Context) {
		c.Status(404)
	})

	for _, path := range []string{"/ok", "/err", "/missing/one", "/missing/two"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		r.ServeHTTP(w, req)
	}

	assert.Contains(t, buf.String(), "request error")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	assert.True(t, metricHasLabel(families, "testmw_http_requests_total", "endpoint", "/ok"))
	assert.True(t, metricHasLabel(families, "testmw_http_requests_total", "endpoint", "unmatched"))
	assert.False(t, metricHasLabel(families, "testmw_http_requests_total", "endpoint", "/missing/one"))
	assert.Equal(t, 2.0, counterValue(families, "testmw_http_requests_total", "endpoint", "unmatched"))
	assert.Equal(t, 1.0, counterValue(families, "testmw_errors_total", "type", "server_error"))
	assert.Equal(t, 2.0, counterValue(families, "testmw_errors_total", "type", "client_error"))
}

func metricHasLabel(families []*dto.MetricFamily, name, key, value string) bool {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.Metric {
			if hasLabel(metric, key, value) {
				return true
			}
		}
	}
	return false
}
