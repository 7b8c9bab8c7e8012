package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tokenpool/tokenpool/internal/config"
	"github.com/tokenpool/tokenpool/internal/observability"
	"github.com/tokenpool/tokenpool/internal/server"
)

// serveFlags override the matching config fields when set on the command
// line.
type serveFlags struct {
	tokenSourceFlags

	address               string
	requestInterval       string
	requestTimeout        string
	minRemaining          int
	overrideAuthorization bool
	clustering            bool
	redis                 []string
	authUsername          string
	authPassword          string
	compression           bool
	logLevel              string
	logFormat             string
}

var serveOpts serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	Long: `Start the proxy and the admin server.

Configuration is read from the config file, then TOKENPOOL_* environment
variables, then command-line flags. The config file and the tokens file are
watched; token changes are applied without a restart.

Signal Handling:
  SIGINT or SIGTERM: graceful shutdown, in-flight requests are drained`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), cmd.Flags(), &serveOpts)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveOpts.register(serveCmd.Flags())
}

func (f *serveFlags) register(fs *pflag.FlagSet) {
	f.tokenSourceFlags.register(fs)
	fs.StringVar(&f.address, "address", "", "proxy listen address")
	fs.StringVar(&f.requestInterval, "request-interval", "", "minimum gap between requests on one token")
	fs.StringVar(&f.requestTimeout, "request-timeout", "", "upstream request timeout")
	fs.IntVar(&f.minRemaining, "min-remaining", 0, "remaining budget below which a token gets no traffic")
	fs.BoolVar(&f.overrideAuthorization, "override-authorization", true, "replace caller Authorization headers with a pooled token")
	fs.BoolVar(&f.clustering, "clustering", false, "share token pacing with other instances through Redis")
	fs.StringSliceVar(&f.redis, "redis", nil, "Redis endpoints for clustering")
	fs.StringVar(&f.authUsername, "auth-username", "", "basic auth username required from callers")
	fs.StringVar(&f.authPassword, "auth-password", "", "basic auth password required from callers")
	fs.BoolVar(&f.compression, "compression", false, "compress responses")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: json, text")
}

// apply copies every flag the user set onto cfg.
func (f *serveFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	f.tokenSourceFlags.apply(fs, cfg)
	if fs.Changed("address") {
		cfg.Server.Address = f.address
	}
	if fs.Changed("request-interval") {
		cfg.Pool.RequestInterval = f.requestInterval
	}
	if fs.Changed("request-timeout") {
		cfg.Pool.RequestTimeout = f.requestTimeout
	}
	if fs.Changed("min-remaining") {
		cfg.Pool.MinRemaining = f.minRemaining
	}
	if fs.Changed("override-authorization") {
		cfg.Pool.OverrideAuthorization = f.overrideAuthorization
	}
	if fs.Changed("clustering") {
		cfg.Clustering.Enabled = f.clustering
	}
	if fs.Changed("redis") {
		cfg.Clustering.Redis.Endpoints = f.redis
	}
	if fs.Changed("auth-username") {
		cfg.Server.BasicAuth.Username = f.authUsername
	}
	if fs.Changed("auth-password") {
		cfg.Server.BasicAuth.Password = config.RedactedString(f.authPassword)
	}
	if fs.Changed("compression") {
		cfg.Server.Compression = f.compression
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = config.LogLevel(f.logLevel)
	}
	if fs.Changed("log-format") {
		cfg.Logging.Format = config.LogFormat(f.logFormat)
	}
}

// flagApplier is implemented by every command's flag set.
type flagApplier interface {
	apply(fs *pflag.FlagSet, cfg *config.Config)
}

// loadConfig reads the config file and environment, applies the command's
// flags and validates the result.
func loadConfig(path string, fs *pflag.FlagSet, flags flagApplier) (*config.Config, error) {
	cfg, err := config.Parse(path)
	if err != nil {
		return nil, err
	}
	flags.apply(fs, cfg)
	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, fs *pflag.FlagSet, flags *serveFlags) error {
	path := configPath()
	cfg, err := loadConfig(path, fs, flags)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting tokenpool", "version", versionInfo.Version, "tokens", len(cfg.Pool.Tokens))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger, versionInfo.Version)
	if err != nil {
		return err
	}

	// Reloads re-apply the command-line flags so they keep precedence over
	// the edited file.
	watcher := config.NewWatcher([]string{path, cfg.Pool.TokensFile}, func() (*config.Config, error) {
		return loadConfig(path, fs, flags)
	}, func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		return err
	}

	logger.Info("tokenpool shut down gracefully")
	return nil
}
