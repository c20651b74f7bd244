package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoyhq/mirage/internal/metrics"
)

func TestInstrumentRecordsRouteTemplate(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	router := mux.NewRouter()
	router.Use(Instrument(m))
	router.HandleFunc("/api/v1/reputation/{fingerprint}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reputation/3f7ac1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	count := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(
		"/api/v1/reputation/{fingerprint}", http.MethodGet, "200"))
	assert.Equal(t, 1.0, count)
	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPDuration))
}

func TestInstrumentRecordsStatusCode(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	router := mux.NewRouter()
	router.Use(Instrument(m))
	router.HandleFunc("/api/v1/config/reload", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}).Methods(http.MethodPost)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/config/reload", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	count := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(
		"/api/v1/config/reload", http.MethodPost, "403"))
	assert.Equal(t, 1.0, count)
}
