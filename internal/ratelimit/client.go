// Package ratelimit holds the optional per-client inbound limiter that keeps
// one caller from draining the shared credential pool.
package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/time/rate"

	"github.com/tokenpool/tokenpool/internal/config"
)

// defaultMaxCost is the memory budget for client buckets (16 MiB).
const defaultMaxCost = 16 << 20

// bucketCost approximates the footprint of one client entry so ristretto
// evicts by memory rather than key count.
var bucketCost = int64(unsafe.Sizeof(rate.Limiter{}))

// ClientLimiter applies a token bucket per client address. Buckets live in a
// ristretto cache and expire after idling for a few refill periods, so the
// limiter's memory stays bounded no matter how many clients connect.
//
// State is per process; several tokenpool instances each allow the full
// rate.
type ClientLimiter struct {
	disabled bool
	cache    *ristretto.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
	ttl      time.Duration

	onLimited func()
}

// NewClientLimiter builds a limiter allowing average requests per period
// with the given burst. average <= 0 disables it.
func NewClientLimiter(cfg config.ClientLimitConfig, onLimited func()) *ClientLimiter {
	period := config.MustParseDuration(cfg.Period, time.Second)
	if period <= 0 {
		period = time.Second
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(math.Ceil(cfg.Average)))
	}

	estimatedItems := defaultMaxCost / bucketCost
	cache, err := ristretto.NewCache(&ristretto.Config[string, *rate.Limiter]{
		NumCounters: estimatedItems * 10,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	// A bucket refills completely within burst/rate; keep it a little longer
	// so an idle client does not regain a full burst early.
	limit := rate.Limit(cfg.Average / period.Seconds())
	ttl := 2 * period
	if limit > 0 {
		ttl = max(ttl, 2*time.Duration(float64(burst)/float64(limit)*float64(time.Second)))
	}

	return &ClientLimiter{
		disabled:  cfg.Average <= 0,
		cache:     cache,
		limit:     limit,
		burst:     burst,
		ttl:       ttl,
		onLimited: onLimited,
	}
}

// Enabled reports whether the limiter restricts anything.
func (l *ClientLimiter) Enabled() bool {
	return !l.disabled
}

// Allow consumes one token for key. When the bucket is empty it returns the
// time until the next token is available.
func (l *ClientLimiter) Allow(key string) (bool, time.Duration) {
	if l.disabled {
		return true, 0
	}

	lim, found := l.cache.Get(key)
	if !found {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.cache.SetWithTTL(key, lim, bucketCost, l.ttl)
		// Wait makes the bucket visible to the next Get. Only the first
		// request of a client pays for it.
		l.cache.Wait()
	}

	res := lim.Reserve()
	if !res.OK() {
		return false, l.ttl
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// Middleware rejects over-limit clients with 429 and a JSON body carrying
// retry_after in seconds.
func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	if l.disabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.Allow(ClientKey(r))
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		if l.onLimited != nil {
			l.onLimited()
		}
		retryAfter := int64(math.Ceil(wait.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(struct {
			Message    string `json:"message"`
			RetryAfter int64  `json:"retry_after"`
		}{"Too many requests", retryAfter})
	})
}

// ClientKey identifies the caller by remote IP, without the port.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Close releases the bucket cache. Safe to call multiple times.
func (l *ClientLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
