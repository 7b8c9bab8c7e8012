// Package main is the entry point for tokenpool, a reverse proxy that spreads
// API traffic across a pool of access tokens so no single token exhausts its
// rate limit.
package main

import (
	"os"

	"github.com/tokenpool/tokenpool/internal/cmd"
)

// Version information set at build time via ldflags:
// -ldflags "-X main.version=v1.0.0 -X main.commit=abc123 -X main.buildDate=2026-01-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
