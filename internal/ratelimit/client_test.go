package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenpool/tokenpool/internal/config"
)

func TestClientLimiter_BurstExhaustion(t *testing.T) {
	l := NewClientLimiter(config.ClientLimitConfig{Average: 1, Burst: 3, Period: "1m"}, nil)
	defer l.Close()

	for i := range 3 {
		ok, _ := l.Allow("10.0.0.1")
		assert.True(t, ok, "request %d should be allowed", i)
	}

	ok, wait := l.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)
}

func TestClientLimiter_Refill(t *testing.T) {
	l := NewClientLimiter(config.ClientLimitConfig{Average: 20, Burst: 1, Period: "1s"}, nil)
	defer l.Close()

	ok, _ := l.Allow("10.0.0.1")
	require.True(t, ok)
	ok, _ = l.Allow("10.0.0.1")
	require.False(t, ok)

	time.Sleep(100 * time.Millisecond)
	ok, _ = l.Allow("10.0.0.1")
	assert.True(t, ok, "bucket should refill after 1/20s")
}

func TestClientLimiter_IndependentKeys(t *testing.T) {
	l := NewClientLimiter(config.ClientLimitConfig{Average: 1, Burst: 1, Period: "1m"}, nil)
	defer l.Close()

	ok, _ := l.Allow("10.0.0.1")
	require.True(t, ok)
	ok, _ = l.Allow("10.0.0.1")
	require.False(t, ok)

	ok, _ = l.Allow("10.0.0.2")
	assert.True(t, ok, "other clients keep their own bucket")
}

func TestClientLimiter_Disabled(t *testing.T) {
	l := NewClientLimiter(config.ClientLimitConfig{}, nil)
	defer l.Close()

	assert.False(t, l.Enabled())
	for range 100 {
		ok, _ := l.Allow("10.0.0.1")
		require.True(t, ok)
	}

	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	// Disabled limiters hand back the inner handler untouched.
	assert.NotNil(t, l.Middleware(next))
}

func TestClientLimiter_DefaultBurst(t *testing.T) {
	l := NewClientLimiter(config.ClientLimitConfig{Average: 2.5, Period: "1m"}, nil)
	defer l.Close()

	allowed := 0
	for range 10 {
		if ok, _ := l.Allow("10.0.0.1"); ok {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestClientLimiter_Middleware(t *testing.T) {
	var limited atomic.Int32
	l := NewClientLimiter(config.ClientLimitConfig{Average: 1, Burst: 2, Period: "1m"}, func() {
		limited.Add(1)
	})
	defer l.Close()

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/user", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, do("192.0.2.1:1000").Code)
	// Same host on another port shares the bucket.
	assert.Equal(t, http.StatusOK, do("192.0.2.1:2000").Code)

	rr := do("192.0.2.1:3000")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	var body struct {
		Message    string `json:"message"`
		RetryAfter int64  `json:"retry_after"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Too many requests", body.Message)
	assert.Positive(t, body.RetryAfter)
	assert.LessOrEqual(t, body.RetryAfter, int64(60))
	assert.Equal(t, int32(1), limited.Load())

	assert.Equal(t, http.StatusOK, do("192.0.2.2:1000").Code)
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			assert.Equal(t, tt.want, ClientKey(req))
		})
	}
}

func TestClientLimiter_CloseIdempotent(t *testing.T) {
	l := NewClientLimiter(config.ClientLimitConfig{Average: 1}, nil)
	l.Close()
	assert.NotPanics(t, l.Close)
}
