package pool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tokenpool/tokenpool/internal/config"
	"github.com/tokenpool/tokenpool/internal/proxy"
)

// ProbeResult is the upstream's view of one credential.
type ProbeResult struct {
	Token     string `json:"token"`
	Status    int    `json:"status"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Reset     int64  `json:"reset"`
}

// Valid reports whether upstream accepted the credential.
func (p ProbeResult) Valid() bool {
	return p.Status == http.StatusOK
}

// Probe asks upstream for token's rate-limit status with GET /rate_limit.
// The call does not count against the budget upstream reports.
func Probe(ctx context.Context, client *http.Client, upstream, token string) (ProbeResult, error) {
	res := ProbeResult{Token: config.TokenSuffix(token)}

	base, err := proxy.ParseUpstream(upstream)
	if err != nil {
		return res, err
	}
	target := base.ResolveReference(&url.URL{Path: "/rate_limit"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return res, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return res, fmt.Errorf("probe (...%s): %w", res.Token, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	rl := proxy.ParseRateLimit(resp.Header)
	res.Status = resp.StatusCode
	res.Limit = rl.Limit
	res.Remaining = rl.Remaining
	res.Reset = rl.Reset
	return res, nil
}
