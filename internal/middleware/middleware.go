// Package middleware holds the HTTP middleware wrapped around the pool on the
// proxy listener: request correlation, status/latency capture, endpoint
// filtering and basic auth.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tokenpool/tokenpool/internal/observability"
	"github.com/tokenpool/tokenpool/internal/pool"
)

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Rejects IDs that are too long or contain non-printable / injection characters.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// RequestID propagates a valid client X-Request-Id or replaces it with a new
// UUID. The ID is set on both the request (the pool copies it into its log
// records) and the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(pool.RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
			r.Header.Set(pool.RequestIDHeader, id)
		}
		w.Header().Set(pool.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// errorBody is the JSON error body written by the front-end itself.
type errorBody struct {
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	body, _ := json.Marshal(errorBody{Message: message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// Endpoints admits every GET and POST /graphql. Anything else answers 401
// {"message":"Endpoint not supported"} without touching the pool.
func Endpoints(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Supported(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSONError(w, http.StatusUnauthorized, "Endpoint not supported")
	})
}

// Supported reports whether the request can be forwarded through the pool.
func Supported(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet:
		return true
	case http.MethodPost:
		return strings.TrimSuffix(r.URL.Path, "/") == "/graphql"
	}
	return false
}

// BasicAuth rejects requests whose credentials do not match with 401 and a
// WWW-Authenticate challenge. The proxy's own credentials are stripped
// before the pool sees the request, so they can never be forwarded upstream.
func BasicAuth(realm, username, password string) func(http.Handler) http.Handler {
	check := chimw.BasicAuth(realm, map[string]string{username: password})
	return func(next http.Handler) http.Handler {
		return check(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Del("Authorization")
			next.ServeHTTP(w, r)
		}))
	}
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code         int
	written      bool
	bytesWritten int64
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytesWritten += int64(n)
	return n, err
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher so streamed upstream responses are not
// buffered by the wrapper.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Metrics observes every inbound request in the request duration histogram,
// labelled by method and final status. Requests the client abandoned before
// anything was written are recorded with status 0.
func Metrics(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.code = 0
			sw.written = false
			sw.bytesWritten = 0

			defer func() {
				m.PromRequestDuration.WithLabelValues(
					r.Method,
					strconv.Itoa(sw.code),
				).Observe(time.Since(start).Seconds())
				sw.ResponseWriter = nil // prevent dangling reference
				statusWriterPool.Put(sw)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}
