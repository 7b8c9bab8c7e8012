// Package pool multiplexes inbound requests across a pool of upstream
// credentials. A Worker owns one credential: its rate-limit budget, a
// concurrency-1 pacing gate and an upstream connection pool. The Router owns
// the workers, picks one per request and refuses admission when no
// credential has budget left.
package pool

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tokenpool/tokenpool/internal/config"
	"github.com/tokenpool/tokenpool/internal/events"
	"github.com/tokenpool/tokenpool/internal/observability"
	"github.com/tokenpool/tokenpool/internal/pacing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// StatusGateway is the out-of-range status written for both capacity
// refusals and upstream failures.
const StatusGateway = events.StatusGateway

// RequestIDHeader carries the request id set by the front-end.
const RequestIDHeader = "X-Request-Id"

const (
	msgNoCapacity      = "No requests available"
	msgUpstreamFailed  = "Upstream request failed"
	msgUpstreamTimeout = "Upstream request timed out"
	msgWorkerClosed    = "Token removed from pool"
)

var (
	// ErrNoTokens is returned when a Router is built without credentials.
	ErrNoTokens = errors.New("pool: at least one token is required")
	// ErrWorkerClosed is the cancellation cause for work aborted by Close.
	ErrWorkerClosed = errors.New("pool: worker closed")
	// ErrRouterClosed is returned by AddToken after Close.
	ErrRouterClosed = errors.New("pool: router closed")
)

// Options configures a Router and the workers it creates.
type Options struct {
	Upstream config.UpstreamConfig

	// RequestTimeout bounds each upstream call.
	RequestTimeout time.Duration
	// RequestInterval is the minimum gap between consecutive upstream calls
	// on one credential. Only used when Gates is nil.
	RequestInterval time.Duration
	// MinRemaining is the budget floor; credentials at or below it receive
	// no traffic.
	MinRemaining int
	// OverrideAuthorization replaces caller-supplied Authorization headers.
	OverrideAuthorization bool
	// RemoveInvalidTokens drops credentials upstream rejects outright.
	RemoveInvalidTokens bool

	// Gates builds the pacing gate for each credential. Defaults to
	// in-process gates.
	Gates pacing.Factory
	// Sink receives log, warn and error events from every worker.
	Sink    events.Sink
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// OptionsFromConfig maps the pool, upstream and timing settings of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Upstream:              cfg.Upstream,
		RequestTimeout:        config.MustParseDuration(cfg.Pool.RequestTimeout, 20*time.Second),
		RequestInterval:       config.MustParseDuration(cfg.Pool.RequestInterval, 250*time.Millisecond),
		MinRemaining:          cfg.Pool.MinRemaining,
		OverrideAuthorization: cfg.Pool.OverrideAuthorization,
		RemoveInvalidTokens:   cfg.Pool.RemoveInvalidTokens,
	}
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 20 * time.Second
	}
	if o.Gates == nil {
		o.Gates = pacing.NewLocalFactory(o.RequestInterval)
	}
	if o.Sink == nil {
		o.Sink = events.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/tokenpool/tokenpool/internal/pool")
	}
	return o
}

// TokenState is the observable budget of one credential.
type TokenState struct {
	Token     string `json:"token"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Pending   int    `json:"pending"`
	Reset     int64  `json:"reset"`
}

type errorBody struct {
	Message string `json:"message"`
}

type rejectionBody struct {
	Message string `json:"message"`
	Reset   int64  `json:"reset"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
