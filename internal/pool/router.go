package pool

import (
	"errors"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tokenpool/tokenpool/internal/config"
	"github.com/tokenpool/tokenpool/internal/events"
	"github.com/tokenpool/tokenpool/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Router owns the credential workers and admits each request to the least
// loaded worker that still has budget.
type Router struct {
	opts    Options
	sink    events.Sink
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	workers map[string]*Worker
	closed  bool

	wg sync.WaitGroup
}

// NewRouter builds a router with one worker per token. Duplicate tokens are
// collapsed. An empty token list fails with ErrNoTokens.
func NewRouter(tokens []string, opts Options) (*Router, error) {
	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}
	opts = opts.withDefaults()

	rt := &Router{
		opts:    opts,
		sink:    opts.Sink,
		logger:  opts.Logger.With("component", "pool"),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		workers: make(map[string]*Worker, len(tokens)),
	}
	for _, t := range tokens {
		if err := rt.AddToken(t); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

// Schedule selects a worker and serves the request on it, or answers with
// StatusGateway and the soonest reset when no worker has budget.
func (rt *Router) Schedule(w http.ResponseWriter, r *http.Request) {
	ctx, span := rt.tracer.Start(r.Context(), "pool.schedule",
		trace.WithAttributes(attribute.String("http.route", r.URL.Path)))
	defer span.End()

	wk, reset := rt.pick()
	if wk == nil {
		span.SetAttributes(attribute.Bool("pool.rejected", true))
		if rt.metrics != nil {
			rt.metrics.IncRejected()
		}
		writeJSON(w, StatusGateway, rejectionBody{Message: msgNoCapacity, Reset: reset})
		return
	}
	defer rt.wg.Done()

	span.SetAttributes(attribute.String("pool.token", wk.suffix))
	wk.serve(w, r.WithContext(ctx))
}

// pick shuffles the workers, keeps those whose remaining minus pending is
// above the floor and reserves the one with the fewest pending. The whole
// selection runs under the router lock so concurrent arrivals see each
// other's reservations. When nothing qualifies it returns the smallest
// reset across the pool. A picked worker is counted in rt.wg until the
// caller finishes serving.
func (rt *Router) pick() (*Worker, int64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return nil, time.Now().Unix()
	}

	candidates := slices.Collect(maps.Values(rt.workers))
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	var (
		best        *Worker
		bestPending int
		minReset    int64
	)
	for _, wk := range candidates {
		st := wk.State()
		if minReset == 0 || st.Reset < minReset {
			minReset = st.Reset
		}
		if st.Remaining-st.Pending <= rt.opts.MinRemaining {
			continue
		}
		if best == nil || st.Pending < bestPending {
			best, bestPending = wk, st.Pending
		}
	}

	if best != nil && best.reserve(rt.opts.MinRemaining) {
		rt.wg.Add(1)
		return best, 0
	}
	if minReset == 0 {
		minReset = time.Now().Unix()
	}
	return nil, minReset
}

// AddToken registers a worker for token. Adding a known token is a no-op.
func (rt *Router) AddToken(token string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return ErrRouterClosed
	}
	if _, ok := rt.workers[token]; ok {
		return nil
	}

	wk, err := NewWorker(token, rt.opts)
	if err != nil {
		return err
	}
	wk.invalid = rt.invalidToken
	rt.workers[token] = wk
	rt.logger.Debug("token added", "token", wk.suffix)
	return nil
}

// RemoveToken unregisters the worker for token and closes it before
// returning. Unknown tokens are ignored.
func (rt *Router) RemoveToken(token string) {
	rt.mu.Lock()
	wk, ok := rt.workers[token]
	delete(rt.workers, token)
	rt.mu.Unlock()

	if !ok {
		return
	}
	rt.closeWorker(wk)
	rt.logger.Debug("token removed", "token", wk.suffix)
}

func (rt *Router) closeWorker(wk *Worker) {
	if err := wk.Close(); err != nil {
		rt.sink.Emit(events.Error("closing worker (...%s): %v", wk.suffix, err))
	}
	if rt.metrics != nil {
		rt.metrics.DeleteToken(wk.suffix)
	}
}

// invalidToken handles a 401 on a pooled credential that upstream no longer
// accounts for.
func (rt *Router) invalidToken(token string) {
	suffix := config.TokenSuffix(token)
	if rt.metrics != nil {
		rt.metrics.IncInvalidTokens()
	}
	if !rt.opts.RemoveInvalidTokens {
		rt.sink.Emit(events.Warn("invalid token detected (...%s)", suffix))
		return
	}
	rt.sink.Emit(events.Warn("invalid token detected (...%s), removing from pool", suffix))

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.wg.Add(1)
	rt.mu.Unlock()

	go func() {
		defer rt.wg.Done()
		rt.RemoveToken(token)
	}()
}

// Tokens returns the registered credentials in no particular order.
func (rt *Router) Tokens() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return slices.Collect(maps.Keys(rt.workers))
}

// Len returns the number of registered credentials.
func (rt *Router) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.workers)
}

// Worker returns the worker for token.
func (rt *Router) Worker(token string) (*Worker, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	wk, ok := rt.workers[token]
	return wk, ok
}

// Snapshot returns the budget of every credential ordered by token suffix.
func (rt *Router) Snapshot() []TokenState {
	rt.mu.Lock()
	workers := slices.Collect(maps.Values(rt.workers))
	rt.mu.Unlock()

	states := make([]TokenState, 0, len(workers))
	for _, wk := range workers {
		states = append(states, wk.State())
	}
	slices.SortFunc(states, func(a, b TokenState) int {
		return strings.Compare(a.Token, b.Token)
	})
	return states
}

// Sync makes the pool hold exactly tokens, adding and removing workers as
// needed. Workers for tokens present in both sets keep their state.
func (rt *Router) Sync(tokens []string) (added, removed int, err error) {
	want := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		want[t] = struct{}{}
	}

	for _, t := range rt.Tokens() {
		if _, ok := want[t]; !ok {
			rt.RemoveToken(t)
			removed++
		}
	}

	var errs []error
	for t := range want {
		if _, ok := rt.Worker(t); ok {
			continue
		}
		if addErr := rt.AddToken(t); addErr != nil {
			errs = append(errs, addErr)
			continue
		}
		added++
	}
	return added, removed, errors.Join(errs...)
}

// Close removes and closes every worker and waits for requests in flight to
// settle, so their log events are emitted before Close returns. The router
// refuses all requests afterwards.
func (rt *Router) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	workers := rt.workers
	rt.workers = make(map[string]*Worker)
	rt.mu.Unlock()

	for _, wk := range workers {
		rt.closeWorker(wk)
	}
	rt.wg.Wait()
	return nil
}
