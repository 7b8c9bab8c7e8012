package pool

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"regexp"
	"sync"
	"time"

	"github.com/tokenpool/tokenpool/internal/config"
	"github.com/tokenpool/tokenpool/internal/events"
	"github.com/tokenpool/tokenpool/internal/pacing"
	"github.com/tokenpool/tokenpool/internal/proxy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultLimit is the budget assumed for a credential until upstream reports
// one, and the value restored when the reset timer fires.
const DefaultLimit = 5000

// minResetDelay is the earliest the reset timer may fire after being armed.
const minResetDelay = 50 * time.Millisecond

// userEndpoint matches the authenticated-user endpoint.
var userEndpoint = regexp.MustCompile(`(?i)^/user/?$`)

type authMode int

const (
	authPool   authMode = iota // pooled credential, bookkeeping applies
	authCaller                 // caller's own Authorization header passes through
	authNone                   // no Authorization header at all
)

// attempt carries per-request state between the worker and the reverse
// proxy hooks. Hooks run on the serving goroutine, so no locking is needed.
type attempt struct {
	client  context.Context
	inbound string
	auth    authMode
	status  events.Status
	err     error
	invalid bool
}

type attemptKey struct{}

func attemptFrom(ctx context.Context) *attempt {
	a, _ := ctx.Value(attemptKey{}).(*attempt)
	return a
}

// Worker forwards requests for a single credential, one at a time, and
// tracks that credential's upstream rate-limit budget.
type Worker struct {
	token  string
	suffix string

	requestTimeout time.Duration
	override       bool

	gate        pacing.Gate
	proxy       *proxy.Proxy
	sink        events.Sink
	logger      *slog.Logger
	tracer      trace.Tracer
	invalid     func(token string)
	invalidOnce sync.Once

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	limit      int
	remaining  int
	resetAt    int64
	pending    int
	resetTimer *time.Timer
	timerGen   uint64
	closed     bool

	closeOnce sync.Once
}

// NewWorker creates a worker for token with its own gate and upstream
// connection pool.
func NewWorker(token string, opts Options) (*Worker, error) {
	opts = opts.withDefaults()

	wk := &Worker{
		token:          token,
		suffix:         config.TokenSuffix(token),
		requestTimeout: opts.RequestTimeout,
		override:       opts.OverrideAuthorization,
		gate:           opts.Gates(token),
		sink:           opts.Sink,
		tracer:         opts.Tracer,
		limit:          DefaultLimit,
		remaining:      DefaultLimit,
		resetAt:        time.Now().Add(time.Hour).Unix(),
	}
	wk.logger = opts.Logger.With("token", wk.suffix)

	p, err := proxy.New(opts.Upstream, opts.RequestTimeout, proxy.Hooks{
		Rewrite:        wk.rewrite,
		ModifyResponse: wk.modifyResponse,
		ErrorHandler:   wk.handleError,
	})
	if err != nil {
		_ = wk.gate.Close()
		return nil, err
	}
	wk.proxy = p
	wk.ctx, wk.cancel = context.WithCancelCause(context.Background())

	return wk, nil
}

// Token returns the credential.
func (wk *Worker) Token() string { return wk.token }

// Suffix returns the last four characters of the credential.
func (wk *Worker) Suffix() string { return wk.suffix }

// Remaining returns the last observed remaining budget.
func (wk *Worker) Remaining() int {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	return wk.remaining
}

// Limit returns the last observed budget per window.
func (wk *Worker) Limit() int {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	return wk.limit
}

// Reset returns the epoch second at which the budget resets.
func (wk *Worker) Reset() int64 {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	return wk.resetAt
}

// Pending returns the number of queued plus in-flight requests.
func (wk *Worker) Pending() int {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	return wk.pending
}

// State returns a consistent snapshot of the worker's budget.
func (wk *Worker) State() TokenState {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	return wk.stateLocked()
}

func (wk *Worker) stateLocked() TokenState {
	return TokenState{
		Token:     wk.suffix,
		Limit:     wk.limit,
		Remaining: wk.remaining,
		Pending:   wk.pending,
		Reset:     wk.resetAt,
	}
}

// Schedule queues the request and serves it when its turn comes. It blocks
// until the response has been written or abandoned.
func (wk *Worker) Schedule(w http.ResponseWriter, r *http.Request) {
	if !wk.reserve(-1) {
		writeJSON(w, StatusGateway, errorBody{Message: msgWorkerClosed})
		return
	}
	wk.serve(w, r)
}

// reserve counts a new pending request. With floor >= 0 it also requires
// remaining > floor.
func (wk *Worker) reserve(floor int) bool {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	if wk.closed {
		return false
	}
	if floor >= 0 && wk.remaining <= floor {
		return false
	}
	wk.pending++
	return true
}

func (wk *Worker) unreserve() {
	wk.mu.Lock()
	wk.pending--
	wk.mu.Unlock()
}

// serve runs a reserved request through the gate and upstream.
func (wk *Worker) serve(w http.ResponseWriter, r *http.Request) {
	queued := time.Now()
	a := &attempt{client: r.Context(), inbound: proxy.InboundOrigin(r)}
	var started time.Time

	defer func() {
		// Emitted before pending is released so the record counts itself.
		wk.emit(r, a, started, queued)
		wk.unreserve()
	}()

	ctx, cancel := context.WithCancelCause(r.Context())
	stop := context.AfterFunc(wk.ctx, func() { cancel(ErrWorkerClosed) })
	defer func() {
		stop()
		cancel(nil)
	}()

	release, err := wk.gate.Acquire(ctx)
	if err != nil {
		wk.abandon(ctx, w, a, err)
		return
	}
	// The invalid-credential report runs after the response is complete and
	// the gate released, since it may close this worker.
	defer func() {
		if a.invalid && wk.invalid != nil {
			wk.invalidOnce.Do(func() { wk.invalid(wk.token) })
		}
	}()
	defer release()

	if a.client.Err() != nil {
		return
	}

	started = time.Now()
	wk.forward(ctx, w, r, a)
}

// abandon settles a request that never reached the front of the queue.
func (wk *Worker) abandon(ctx context.Context, w http.ResponseWriter, a *attempt, err error) {
	if a.client.Err() != nil {
		return
	}
	a.err = err
	a.status = StatusGateway
	msg := msgUpstreamFailed
	if errors.Is(err, pacing.ErrGateClosed) || errors.Is(context.Cause(ctx), ErrWorkerClosed) {
		msg = msgWorkerClosed
	}
	writeJSON(w, StatusGateway, errorBody{Message: msg})
}

func (wk *Worker) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, a *attempt) {
	ctx, span := wk.tracer.Start(ctx, "pool.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pool.token", wk.suffix),
			attribute.String("http.request.method", r.Method),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, wk.requestTimeout)
	defer cancel()

	hasAuth := r.Header.Get("Authorization") != ""
	switch {
	case hasAuth && !wk.override:
		a.auth = authCaller
	case !hasAuth && r.Method == http.MethodGet && userEndpoint.MatchString(r.URL.Path):
		a.auth = authNone
	default:
		a.auth = authPool
	}

	wk.proxy.ServeHTTP(w, r.WithContext(context.WithValue(ctx, attemptKey{}, a)))

	span.SetAttributes(attribute.Int("http.response.status_code", int(a.status)))
	if a.err != nil {
		span.RecordError(a.err)
		span.SetStatus(codes.Error, a.err.Error())
	}
}

func (wk *Worker) rewrite(pr *httputil.ProxyRequest) {
	a := attemptFrom(pr.In.Context())
	if a == nil {
		return
	}
	switch a.auth {
	case authPool:
		pr.Out.Header.Set("Authorization", "token "+wk.token)
	case authNone:
		pr.Out.Header.Del("Authorization")
	case authCaller:
	}
}

func (wk *Worker) modifyResponse(resp *http.Response) error {
	a := attemptFrom(resp.Request.Context())
	if a == nil {
		return nil
	}
	a.status = events.Status(resp.StatusCode)

	if a.auth == authPool {
		a.invalid = wk.observe(resp.StatusCode, proxy.ParseRateLimit(resp.Header))
	}

	proxy.StripDisclosing(resp.Header)
	proxy.RewriteOrigin(resp.Header, wk.proxy.Origin(), a.inbound)
	return nil
}

func (wk *Worker) handleError(w http.ResponseWriter, r *http.Request, err error) {
	a := attemptFrom(r.Context())
	if a == nil {
		a = &attempt{client: r.Context()}
	}
	a.err = err

	// Transport errors such as a reset connection come from upstream; only
	// the inbound context says whether the client left.
	if a.client.Err() != nil || proxy.IsClientDisconnect(err) {
		a.status = 0
		return
	}

	a.status = StatusGateway
	msg := msgUpstreamFailed
	switch {
	case errors.Is(context.Cause(r.Context()), ErrWorkerClosed):
		msg = msgWorkerClosed
	case errors.Is(err, context.DeadlineExceeded):
		msg = msgUpstreamTimeout
	}
	wk.logger.Debug("upstream request failed", "error", err, "path", r.URL.Path)
	writeJSON(w, StatusGateway, errorBody{Message: msg})
}

// observe folds one upstream response into the rate-limit state. It reports
// whether the response marks the credential itself as rejected.
func (wk *Worker) observe(status int, rl proxy.RateLimit) (invalid bool) {
	positiveLimit := rl.HasLimit && rl.Limit > 0
	invalid = status == http.StatusUnauthorized && !positiveLimit
	if !rl.HasRemaining {
		return invalid
	}

	wk.mu.Lock()
	defer wk.mu.Unlock()
	if wk.closed {
		return invalid
	}

	if status == http.StatusUnauthorized {
		if !positiveLimit {
			wk.remaining = max(wk.remaining-1, 0)
			return invalid
		}
		wk.remaining = 0
		if rl.HasReset {
			wk.resetAt = rl.Reset
		}
		wk.armResetLocked()
		return invalid
	}

	wk.remaining = rl.Remaining
	if rl.HasLimit {
		wk.limit = rl.Limit
	}
	if rl.HasReset {
		wk.resetAt = rl.Reset
	}
	wk.armResetLocked()
	return invalid
}

// armResetLocked schedules remaining to return to DefaultLimit at resetAt.
func (wk *Worker) armResetLocked() {
	if wk.resetTimer != nil {
		wk.resetTimer.Stop()
	}
	wk.timerGen++
	gen := wk.timerGen

	delay := max(time.Until(time.Unix(wk.resetAt, 0)), minResetDelay)
	wk.resetTimer = time.AfterFunc(delay, func() {
		wk.mu.Lock()
		defer wk.mu.Unlock()
		if wk.closed || wk.timerGen != gen {
			return
		}
		wk.remaining = DefaultLimit
		wk.resetTimer = nil
	})
}

func (wk *Worker) emit(r *http.Request, a *attempt, started, queued time.Time) {
	var duration time.Duration
	if !started.IsZero() {
		duration = time.Since(started)
	} else {
		duration = time.Since(queued)
	}

	wk.mu.Lock()
	st := wk.stateLocked()
	wk.mu.Unlock()

	wk.sink.Emit(events.Log(events.Record{
		Token:     st.Token,
		Pending:   st.Pending,
		Limit:     st.Limit,
		Remaining: st.Remaining,
		Reset:     st.Reset,
		Status:    a.status,
		Duration:  duration.Milliseconds(),
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get(RequestIDHeader),
	}))
}

// Close stops the worker. Queued requests are answered with a gateway error,
// the reset timer is cancelled and idle upstream connections are dropped.
// Close is idempotent.
func (wk *Worker) Close() error {
	var err error
	wk.closeOnce.Do(func() {
		wk.mu.Lock()
		wk.closed = true
		wk.timerGen++
		if wk.resetTimer != nil {
			wk.resetTimer.Stop()
			wk.resetTimer = nil
		}
		wk.mu.Unlock()

		wk.cancel(ErrWorkerClosed)
		err = wk.gate.Close()
		wk.proxy.Close()
	})
	return err
}
