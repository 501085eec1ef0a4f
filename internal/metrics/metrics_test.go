package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues(OutcomeSkipped))
	RunsTotal.WithLabelValues(OutcomeSkipped).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(RunsTotal.WithLabelValues(OutcomeSkipped)))
}

func TestHandlerServesRegistry(t *testing.T) {
	AlertsClosed.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gsc_radar_dispatch_alerts_closed_total")
}
