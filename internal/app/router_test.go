package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-tax/internal/observability"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
)

func testConfig() *Config {
	return &Config{AppEnv: "test", HTTPRateLimit: 100}
}

func TestHealthz(t *testing.T) {
	router := NewRouter(RouterParams{Config: testConfig(), Checks: map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","redis":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestHealthzDegraded(t *testing.T) {
	router := NewRouter(RouterParams{Config: testConfig(), Checks: map[string]HealthCheck{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{Config: testConfig(), Metrics: metrics})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "odyssey_http_requests_total")
}

func TestGlobalRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.HTTPRateLimit = 2
	router := NewRouter(RouterParams{Config: cfg})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCompanyContext(t *testing.T) {
	var got int64
	h := CompanyContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = shared.CompanyFromContext(r.Context())
	}))
	for header, want := range map[string]int64{"42": 42, "": 0, "abc": 0, "-3": 0} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set(CompanyHeader, header)
		}
		got = -1
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, want, got, header)
	}
}
