package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func get(t *testing.T, h http.Handler, path string) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var resp HealthResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec.Code, resp
}

func TestHealth(t *testing.T) {
	s := NewServer("0", "1.2.3", zaptest.NewLogger(t))
	code, resp := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "UP", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
}

func TestReady(t *testing.T) {
	s := NewServer("0", "dev", zaptest.NewLogger(t))
	s.AddCheck("database", func(context.Context) error { return nil })

	code, resp := get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "READY", resp.Status)
	assert.Equal(t, "ok", resp.Details["database"])
	assert.NotEmpty(t, resp.Details["timestamp"])

	s.AddCheck("nats", func(context.Context) error { return errors.New("disconnected") })
	code, resp = get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "NOT_READY", resp.Status)
	assert.Equal(t, "disconnected", resp.Details["nats"])
	assert.Equal(t, "ok", resp.Details["database"])
}

func TestMountAndMetrics(t *testing.T) {
	s := NewServer("0", "dev", zaptest.NewLogger(t))
	s.Mount("/ws", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	s.RegisterMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	code, _ := get(t, s.Handler(), "/ws/visitor")
	assert.Equal(t, http.StatusTeapot, code)
	code, _ = get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusAccepted, code)
	code, _ = get(t, s.Handler(), "/nope")
	assert.Equal(t, http.StatusNotFound, code)
}
