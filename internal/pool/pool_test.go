package pool

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenpool/tokenpool/internal/config"
	"github.com/tokenpool/tokenpool/internal/events"
)

func testToken(i int) string {
	return fmt.Sprintf("%040x", i+1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) records() []events.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Record
	for _, ev := range r.events {
		if ev.Kind == events.KindLog && ev.Record != nil {
			out = append(out, *ev.Record)
		}
	}
	return out
}

func (r *recorder) warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == events.KindWarn {
			out = append(out, ev.Message)
		}
	}
	return out
}

func testOptions(upstream string, sink events.Sink) Options {
	return Options{
		Upstream:              config.UpstreamConfig{URL: upstream},
		RequestTimeout:        2 * time.Second,
		OverrideAuthorization: true,
		RemoveInvalidTokens:   true,
		Sink:                  sink,
		Logger:                testLogger(),
	}
}

func newTestRouter(t *testing.T, tokens []string, opts Options) *Router {
	t.Helper()
	rt, err := NewRouter(tokens, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func setRateHeaders(w http.ResponseWriter, remaining, limit int, reset int64) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
}

type scheduler interface {
	Schedule(http.ResponseWriter, *http.Request)
}

func get(s scheduler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Schedule(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func decodeRejection(t *testing.T, rr *httptest.ResponseRecorder) rejectionBody {
	t.Helper()
	var body rejectionBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Pool.RequestInterval = "100ms"
	cfg.Pool.RequestTimeout = "5s"
	cfg.Pool.MinRemaining = 42
	cfg.Pool.OverrideAuthorization = false

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 100*time.Millisecond, opts.RequestInterval)
	assert.Equal(t, 5*time.Second, opts.RequestTimeout)
	assert.Equal(t, 42, opts.MinRemaining)
	assert.False(t, opts.OverrideAuthorization)
	assert.True(t, opts.RemoveInvalidTokens)
	assert.Equal(t, "https://api.github.com", opts.Upstream.URL)
}

func TestOptionsWithDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, 20*time.Second, opts.RequestTimeout)
	assert.NotNil(t, opts.Gates)
	assert.NotNil(t, opts.Sink)
	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.Tracer)
}
