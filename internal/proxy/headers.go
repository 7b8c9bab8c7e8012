package proxy

import (
	"net/http"
	"strconv"
	"strings"
)

// Upstream rate-limit headers.
const (
	HeaderRemaining = "X-Ratelimit-Remaining"
	HeaderLimit     = "X-Ratelimit-Limit"
	HeaderReset     = "X-Ratelimit-Reset"

	headerExpose = "Access-Control-Expose-Headers"
)

// RateLimit is the budget reported by one upstream response.
type RateLimit struct {
	Remaining int
	Limit     int
	Reset     int64

	// HasRemaining is false when the response carried no remaining header.
	HasRemaining bool
	HasLimit     bool
	HasReset     bool
}

// ParseRateLimit reads the x-ratelimit-* headers. Unparseable values count
// as absent.
func ParseRateLimit(h http.Header) RateLimit {
	var rl RateLimit
	if v, err := strconv.Atoi(strings.TrimSpace(h.Get(HeaderRemaining))); err == nil {
		rl.Remaining, rl.HasRemaining = v, true
	}
	if v, err := strconv.Atoi(strings.TrimSpace(h.Get(HeaderLimit))); err == nil {
		rl.Limit, rl.HasLimit = v, true
	}
	if v, err := strconv.ParseInt(strings.TrimSpace(h.Get(HeaderReset)), 10, 64); err == nil {
		rl.Reset, rl.HasReset = v, true
	}
	return rl
}

// disclosing reports whether a header name reveals credential budget or
// scopes.
func disclosing(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "ratelimit") || strings.Contains(lower, "scope")
}

// StripDisclosing removes every header whose name mentions ratelimit or
// scope, and drops the same names from Access-Control-Expose-Headers.
func StripDisclosing(h http.Header) {
	for name := range h {
		if disclosing(name) {
			h.Del(name)
		}
	}

	exposed := h.Values(headerExpose)
	if len(exposed) == 0 {
		return
	}
	var kept []string
	for _, v := range exposed {
		for item := range strings.SplitSeq(v, ",") {
			item = strings.TrimSpace(item)
			if item != "" && !disclosing(item) {
				kept = append(kept, item)
			}
		}
	}
	if len(kept) == 0 {
		h.Del(headerExpose)
		return
	}
	h.Set(headerExpose, strings.Join(kept, ", "))
}

// RewriteOrigin replaces the upstream origin literal in every header value
// with the inbound origin, so links point back at the proxy.
func RewriteOrigin(h http.Header, upstream, inbound string) {
	if upstream == "" || upstream == inbound {
		return
	}
	for name, values := range h {
		for i, v := range values {
			if strings.Contains(v, upstream) {
				h[name][i] = strings.ReplaceAll(v, upstream, inbound)
			}
		}
	}
}

// InboundOrigin returns scheme://host as the client addressed the proxy.
// X-Forwarded-Proto from a fronting load balancer wins over the local TLS
// state.
func InboundOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fp := r.Header.Get("X-Forwarded-Proto"); fp == "http" || fp == "https" {
		scheme = fp
	}
	return scheme + "://" + r.Host
}
