package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/botbuilder/backend/internal/metrics"
)

func TestRequestMetricsUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(RequestMetrics)
	r.Get("/api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.CollectAndCount(metrics.HTTPRequestDuration)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/42", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	assert.Equal(t, before+1, testutil.CollectAndCount(metrics.HTTPRequestDuration), "one new route/status series")
}

func TestRequestMetricsObservesResponseSize(t *testing.T) {
	r := chi.NewRouter()
	r.Use(RequestMetrics)
	r.Get("/api/sized/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
		_, _ = w.Write([]byte(" world"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sized/7", nil))
	assert.Equal(t, "hello world", rec.Body.String())

	observer := metrics.HTTPResponseSize.WithLabelValues(http.MethodGet, "/api/sized/{id}")
	var m dto.Metric
	require.NoError(t, observer.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	assert.Equal(t, float64(len("hello world")), m.GetHistogram().GetSampleSum())
}
