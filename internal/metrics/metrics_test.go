package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordingAndHandler(t *testing.T) {
	m := NewMetrics("test")

	m.RecordRequestLatency("/", "POST", "200", 0.01)
	m.RecordError("client_error", "/", "POST")
	m.RecordHTTPRequest("/", "POST", "200")
	m.IncHTTPRequestsInFlight()
	m.DecHTTPRequestsInFlight()
	m.RecordIssuance(OutcomeIssued)
	m.RecordTokenRefresh(OutcomeIssued, 0.2)
	m.RecordRateLimited()
	m.RecordAuthFailure()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	for _, name := range []string{
		"test_request_latency_seconds",
		"test_token_issuance_total",
		"test_token_refresh_duration_seconds",
		"test_rate_limited_total",
		"test_auth_failures_total",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}

	_, err := m.Registry().Gather()
	require.NoError(t, err)
}

func TestRecordIssuanceByOutcome(t *testing.T) {
	m := NewMetrics("issuance")

	m.RecordIssuance(OutcomeIssued)
	m.RecordIssuance(OutcomeIssued)
	m.RecordIssuance(OutcomeInvalid)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	assert.Equal(t, 2.0, counterValue(families, "issuance_token_issuance_total", "outcome", OutcomeIssued))
	assert.Equal(t, 1.0, counterValue(families, "issuance_token_issuance_total", "outcome", OutcomeInvalid))
	assert.Equal(t, 0.0, counterValue(families, "issuance_token_issuance_total", "outcome", OutcomeError))
}

func TestSeparateInstancesDoNotShareRegistry(t *testing.T) {
	a := NewMetrics("same")
	b := NewMetrics("same")

	a.RecordRateLimited()

	famA, err := a.Registry().Gather()
	require.NoError(t, err)
	famB, err := b.Registry().Gather()
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(famA, "same_rate_limited_total", "", ""))
	assert.Equal(t, 0.0, counterValue(famB, "same_rate_limited_total", "", ""))
}

// counterValue sums counters in the named family, optionally filtered by one label.
func counterValue(families []*dto.MetricFamily, name, key, value string) float64 {
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.Metric {
			if key != "" && !hasLabel(metric, key, value) {
				continue
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func hasLabel(metric *dto.Metric, key, value string) bool {
	for _, label := range metric.Label {
		if label.GetName() == key && label.GetValue() == value {
			return true
		}
	}
	return false
}
