// Package proxy builds the upstream side of a credential worker: an
// HTTP/2-capable transport tuned from config and an httputil.ReverseProxy
// that targets the fixed upstream origin.
//
// Per-request policy (credential injection, rate-limit bookkeeping, error
// rendering) is supplied by the caller through Hooks so one Proxy can be
// owned by exactly one worker.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/tokenpool/tokenpool/internal/config"
	"golang.org/x/net/http2"
)

// Hooks carries the per-worker callbacks wired into the reverse proxy.
type Hooks struct {
	// Rewrite runs after the outbound URL and X-Forwarded-* headers are set.
	Rewrite func(*httputil.ProxyRequest)
	// ModifyResponse runs on every upstream response before it is copied to
	// the client.
	ModifyResponse func(*http.Response) error
	// ErrorHandler handles transport failures and ModifyResponse errors.
	ErrorHandler func(http.ResponseWriter, *http.Request, error)
}

// Proxy forwards requests to a single upstream origin.
type Proxy struct {
	target    *url.URL
	rp        *httputil.ReverseProxy
	transport *http.Transport
}

// New creates a reverse proxy for upstream with its own connection pool.
// responseTimeout bounds the wait for response headers.
func New(cfg config.UpstreamConfig, responseTimeout time.Duration, hooks Hooks) (*Proxy, error) {
	target, err := ParseUpstream(cfg.URL)
	if err != nil {
		return nil, err
	}

	transport, err := NewTransport(cfg, responseTimeout)
	if err != nil {
		return nil, err
	}

	return &Proxy{
		target:    target,
		rp:        buildReverseProxy(target, transport, hooks),
		transport: transport,
	}, nil
}

// ParseUpstream validates an upstream origin URL.
func ParseUpstream(raw string) (*url.URL, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", raw, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme must be http or https", raw)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: missing host", raw)
	}
	return target, nil
}

// NewTransport builds the pooled upstream transport. HTTP/2 is negotiated
// over TLS with read-idle health checks so dead connections are detected
// between paced requests.
func NewTransport(cfg config.UpstreamConfig, responseTimeout time.Duration) (*http.Transport, error) {
	tc := cfg.Transport
	dialTimeout := config.MustParseDuration(tc.DialTimeout, 10*time.Second)
	dialKeepAlive := config.MustParseDuration(tc.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout := config.MustParseDuration(tc.TLSHandshakeTimeout, 10*time.Second)
	expectContinueTimeout := config.MustParseDuration(tc.ExpectContinueTimeout, time.Second)
	h2ReadIdleTimeout := config.MustParseDuration(tc.H2ReadIdleTimeout, 30*time.Second)
	h2PingTimeout := config.MustParseDuration(tc.H2PingTimeout, 15*time.Second)
	idleConnTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 4
	}

	h1 := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ResponseHeaderTimeout: responseTimeout,
	}

	h2, err := http2.ConfigureTransports(h1)
	if err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}
	h2.ReadIdleTimeout = h2ReadIdleTimeout
	h2.PingTimeout = h2PingTimeout

	return h1, nil
}

func buildReverseProxy(target *url.URL, transport http.RoundTripper, hooks Hooks) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if hooks.Rewrite != nil {
				hooks.Rewrite(pr)
			}
		},
		Transport:      transport,
		ModifyResponse: hooks.ModifyResponse,
		ErrorHandler:   hooks.ErrorHandler,
	}
}

// ServeHTTP forwards r upstream and streams the response to w.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// Target returns the upstream origin.
func (p *Proxy) Target() *url.URL {
	return p.target
}

// Origin returns the upstream origin as scheme://host.
func (p *Proxy) Origin() string {
	return p.target.Scheme + "://" + p.target.Host
}

// Close drops the idle upstream connections. In-flight requests finish on
// their own connections.
func (p *Proxy) Close() {
	p.transport.CloseIdleConnections()
}

// IsClientDisconnect reports whether err is the abort raised when the
// inbound client goes away mid-copy. Transport errors such as a reset or a
// broken pipe come from the upstream connection and are not client
// departures.
func IsClientDisconnect(err error) bool {
	return errors.Is(err, http.ErrAbortHandler)
}
