package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkEndpoint(t *testing.T, handler http.Handler, target string) (int, map[string]string) {
	t.Helper()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr.Code, body
}

func TestStartzHandler(t *testing.T) {
	h := NewHealthChecker()
	code, body := checkEndpoint(t, h.StartzHandler(), "/startz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_started", body["status"])

	h.SetStarted()
	assert.True(t, h.IsStarted())
	code, body = checkEndpoint(t, h.StartzHandler(), "/startz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "started", body["status"])
}

func TestHealthzHandler(t *testing.T) {
	// Liveness ignores readiness and pool contents.
	h := NewHealthChecker()
	h.SetPoolSize(func() int { return 0 })
	code, body := checkEndpoint(t, h.HealthzHandler(), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])
}

func TestReadyzHandler(t *testing.T) {
	down := PingerFunc(func(context.Context) error { return errors.New("connection refused") })
	up := PingerFunc(func(context.Context) error { return nil })

	tests := []struct {
		name     string
		ready    bool
		poolSize func() int
		pinger   Pinger
		target   string
		want     int
		wantBody map[string]string
	}{
		{
			name:     "not ready before listeners start",
			poolSize: func() int { return 2 },
			target:   "/readyz",
			want:     http.StatusServiceUnavailable,
			wantBody: map[string]string{"status": "not_ready"},
		},
		{
			name:     "ready with tokens",
			ready:    true,
			poolSize: func() int { return 2 },
			target:   "/readyz",
			want:     http.StatusOK,
			wantBody: map[string]string{"status": "ready"},
		},
		{
			name:     "ready before the router is registered",
			ready:    true,
			target:   "/readyz",
			want:     http.StatusOK,
			wantBody: map[string]string{"status": "ready"},
		},
		{
			name:     "empty pool fails readiness",
			ready:    true,
			poolSize: func() int { return 0 },
			target:   "/readyz",
			want:     http.StatusServiceUnavailable,
			wantBody: map[string]string{"status": "not_ready", "reason": "empty_pool"},
		},
		{
			name:     "empty pool wins over a healthy redis",
			ready:    true,
			poolSize: func() int { return 0 },
			pinger:   up,
			target:   "/readyz?deep=true",
			want:     http.StatusServiceUnavailable,
			wantBody: map[string]string{"status": "not_ready", "reason": "empty_pool"},
		},
		{
			name:     "shallow check skips redis",
			ready:    true,
			poolSize: func() int { return 1 },
			pinger:   down,
			target:   "/readyz",
			want:     http.StatusOK,
			wantBody: map[string]string{"status": "ready"},
		},
		{
			name:     "deep check with clustering redis up",
			ready:    true,
			poolSize: func() int { return 1 },
			pinger:   up,
			target:   "/readyz?deep=true",
			want:     http.StatusOK,
			wantBody: map[string]string{"status": "ready", "redis": "ok"},
		},
		{
			name:     "deep check with clustering redis down",
			ready:    true,
			poolSize: func() int { return 1 },
			pinger:   down,
			target:   "/readyz?deep=true",
			want:     http.StatusServiceUnavailable,
			wantBody: map[string]string{"status": "not_ready", "redis": "unreachable"},
		},
		{
			name:     "deep check without clustering",
			ready:    true,
			poolSize: func() int { return 1 },
			target:   "/readyz?deep=true",
			want:     http.StatusOK,
			wantBody: map[string]string{"status": "ready", "redis": "ok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			if tt.ready {
				h.SetReady()
			}
			if tt.poolSize != nil {
				h.SetPoolSize(tt.poolSize)
			}
			if tt.pinger != nil {
				h.SetRedisPinger(tt.pinger)
			}

			code, body := checkEndpoint(t, h.ReadyzHandler(), tt.target)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestReadyzHandler_PoolDrainsAndRefills(t *testing.T) {
	size := 1
	h := NewHealthChecker()
	h.SetReady()
	h.SetPoolSize(func() int { return size })
	handler := h.ReadyzHandler()

	code, _ := checkEndpoint(t, handler, "/readyz")
	assert.Equal(t, http.StatusOK, code)

	// The last token was removed as invalid.
	size = 0
	code, body := checkEndpoint(t, handler, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "empty_pool", body["reason"])

	// A reload added tokens back.
	size = 3
	code, _ = checkEndpoint(t, handler, "/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestReadyzHandler_Draining(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady()
	h.SetPoolSize(func() int { return 4 })
	h.SetNotReady()
	assert.False(t, h.IsReady())

	code, body := checkEndpoint(t, h.ReadyzHandler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])
}

func TestReadyzHandler_RedisPingerCleared(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady()
	h.SetRedisPinger(PingerFunc(func(context.Context) error { return errors.New("down") }))
	h.SetRedisPinger(nil)

	code, _ := checkEndpoint(t, h.ReadyzHandler(), "/readyz?deep=true")
	assert.Equal(t, http.StatusOK, code)
}
