package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(httpInstrumentationName),
		logger: zap.NewNop(),
	}
	m.init()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/sessions/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id")})
	})
	e.POST("/api/v1/sessions/:id/reset", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "busy")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/sessions/a"},
		{http.MethodGet, "/api/v1/sessions/b"},
		{http.MethodPost, "/api/v1/sessions/a/reset"},
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var requests *metricdata.Sum[int64]
	foundDuration := false
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "flowstate.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				requests = &sum
			case "flowstate.http.request_duration_seconds":
				foundDuration = true
			}
		}
	}
	require.NotNil(t, requests, "requests counter not found")
	assert.True(t, foundDuration, "duration histogram not found")

	byRoute := map[string]int64{}
	statuses := map[int64]int64{}
	for _, dp := range requests.DataPoints {
		route, _ := dp.Attributes.Value(attribute.Key("route"))
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		byRoute[route.AsString()] += dp.Value
		statuses[status.AsInt64()] += dp.Value
	}
	assert.Equal(t, int64(2), byRoute["/api/v1/sessions/{id}"])
	assert.Equal(t, int64(1), byRoute["/api/v1/sessions/{id}/reset"])
	assert.Equal(t, int64(2), statuses[http.StatusOK])
	assert.Equal(t, int64(1), statuses[http.StatusConflict])
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "unmatched"},
		{"/*", "unmatched"},
		{"/health", "/health"},
		{"/api/v1/sessions/:id", "/api/v1/sessions/{id}"},
		{"/api/v1/sessions/:id/messages", "/api/v1/sessions/{id}/messages"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizePath(tt.input), tt.input)
	}
}
