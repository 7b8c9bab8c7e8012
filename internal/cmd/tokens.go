package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tokenpool/tokenpool/internal/pool"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Inspect the configured tokens",
}

var (
	tokensCheckOpts        tokenSourceFlags
	tokensCheckConcurrency int
	tokensCheckTimeout     time.Duration
	tokensCheckJSON        bool
)

var tokensCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every token against the upstream rate-limit endpoint",
	Long: `Probe every configured token with GET /rate_limit and print its status
and remaining budget. Exits non-zero when any token is rejected or cannot be
probed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configPath(), cmd.Flags(), &tokensCheckOpts)
		if err != nil {
			return err
		}
		client := &http.Client{Timeout: tokensCheckTimeout}
		results, errs := checkTokens(cmd.Context(), client, cfg.Upstream.URL, cfg.Pool.Tokens, tokensCheckConcurrency)

		if tokensCheckJSON {
			if err := writeResultsJSON(cmd.OutOrStdout(), results, errs); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), renderResults(results, errs))
		}

		if bad := countInvalid(results, errs); bad > 0 {
			return fmt.Errorf("%d of %d tokens failed the check", bad, len(results))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokensCmd)
	tokensCmd.AddCommand(tokensCheckCmd)

	fs := tokensCheckCmd.Flags()
	tokensCheckOpts.register(fs)
	fs.IntVar(&tokensCheckConcurrency, "concurrency", 8, "number of tokens probed at once")
	fs.DurationVar(&tokensCheckTimeout, "timeout", 10*time.Second, "timeout per probe")
	fs.BoolVar(&tokensCheckJSON, "json", false, "print results as JSON")
}

// checkTokens probes every token concurrently. results[i] and errs[i]
// belong to tokens[i].
func checkTokens(ctx context.Context, client *http.Client, upstream string, tokens []string, concurrency int) ([]pool.ProbeResult, []error) {
	results := make([]pool.ProbeResult, len(tokens))
	errs := make([]error, len(tokens))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, concurrency))
	for i, token := range tokens {
		g.Go(func() error {
			results[i], errs[i] = pool.Probe(ctx, client, upstream, token)
			// A failed probe must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func countInvalid(results []pool.ProbeResult, errs []error) int {
	var n int
	for i, res := range results {
		if errs[i] != nil || !res.Valid() {
			n++
		}
	}
	return n
}

func renderResults(results []pool.ProbeResult, errs []error) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Token", "Status", "Remaining", "Limit", "Reset"})

	var valid int
	for i, res := range results {
		if errs[i] != nil {
			t.AppendRow(table.Row{"..." + res.Token, "error", "-", "-", errs[i].Error()})
			continue
		}
		status := fmt.Sprintf("%d", res.Status)
		if res.Valid() {
			valid++
		} else {
			status += " invalid"
		}
		reset := "-"
		if res.Reset > 0 {
			reset = time.Unix(res.Reset, 0).UTC().Format(time.RFC3339)
		}
		t.AppendRow(table.Row{"..." + res.Token, status, res.Remaining, res.Limit, reset})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d/%d valid", valid, len(results)), "", "", ""})
	return t.Render()
}

type resultJSON struct {
	pool.ProbeResult
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func writeResultsJSON(w io.Writer, results []pool.ProbeResult, errs []error) error {
	out := make([]resultJSON, len(results))
	for i, res := range results {
		out[i] = resultJSON{ProbeResult: res, Valid: errs[i] == nil && res.Valid()}
		if errs[i] != nil {
			out[i].Error = errs[i].Error()
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
