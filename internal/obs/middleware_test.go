package obs_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-booking/internal/obs"
)

func TestHTTPMetricsUseRoutePattern(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("booking", []float64{1, 10}, registry)

	r := chi.NewRouter()
	r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	r.Post("/api/v1/shifts/{shiftID}/close", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	for _, id := range []string{"a", "b"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/shifts/"+id+"/close", nil))
		require.Equal(t, http.StatusConflict, rr.Code)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodPost, "/api/v1/shifts/{shiftID}/close", "409")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodGet, "unmatched", "404")))
	require.Equal(t, 2, testutil.CollectAndCount(metrics.Duration))
	require.Zero(t, testutil.ToFloat64(metrics.InFlight))
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 50, 250}, obs.ParseBucketsCSV("250, 5,x,-1,50,5"))
	require.Empty(t, obs.ParseBucketsCSV(""))
}
