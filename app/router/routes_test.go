package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type healthBody struct {
	Success bool `json:"success"`
	Data    struct {
		Status     string            `json:"status"`
		Service    string            `json:"service"`
		Components map[string]string `json:"components"`
	} `json:"data"`
}

func get(t *testing.T, r *OpsRouter, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := r.GetApp().Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, body
}

func TestHealthReportsComponents(t *testing.T) {
	ok := func(context.Context) error { return nil }
	r := NewOpsRouter(Options{Service: "orochi-dispatch", EnableMetrics: true},
		[]HealthCheck{{Name: "database", Probe: ok}, {Name: "redis", Probe: ok}}, zerolog.Nop())

	resp, body := get(t, r, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed healthBody
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.True(t, parsed.Success)
	assert.Equal(t, "ok", parsed.Data.Status)
	assert.Equal(t, "orochi-dispatch", parsed.Data.Service)
	assert.Equal(t, map[string]string{"database": "ok", "redis": "ok"}, parsed.Data.Components)
}

func TestHealthDegradedWhenProbeFails(t *testing.T) {
	r := NewOpsRouter(Options{Service: "orochi-dispatch"}, []HealthCheck{
		{Name: "database", Probe: func(context.Context) error { return nil }},
		{Name: "redis", Probe: func(context.Context) error { return errors.New("connection refused") }},
	}, zerolog.Nop())

	resp, body := get(t, r, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var parsed healthBody
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.False(t, parsed.Success)
	assert.Equal(t, "degraded", parsed.Data.Status)
	assert.Equal(t, "connection refused", parsed.Data.Components["redis"])
	assert.Equal(t, "ok", parsed.Data.Components["database"])
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewOpsRouter(Options{Service: "orochi-dispatch", EnableMetrics: true}, nil, zerolog.Nop())

	// One request so the middleware has recorded something
	get(t, r, "/health")

	resp, body := get(t, r, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http_requests_total")
}

func TestMetricsDisabledAndNotFound(t *testing.T) {
	r := NewOpsRouter(Options{Service: "orochi-dispatch"}, nil, zerolog.Nop())

	resp, body := get(t, r, "/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NOT_FOUND")
}

type pingAPI struct{}

func (pingAPI) Register(group fiber.Router) {
	group.Get("/ping", func(c fiber.Ctx) error { return c.SendString("pong") })
}

func TestAPIMountedBehindAuth(t *testing.T) {
	deny := func(c fiber.Ctx) error {
		if c.Get("Authorization") == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.Next()
	}
	r := NewOpsRouter(Options{Service: "orochi-dispatch", API: pingAPI{}, APIAuth: deny}, nil, zerolog.Nop())

	resp, _ := get(t, r, "/api/v1/ping")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	req.Header.Set("Authorization", "Bearer x")
	resp, err := r.GetApp().Test(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))

	// Health stays public
	resp, _ = get(t, r, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
