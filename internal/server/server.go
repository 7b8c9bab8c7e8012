// Package server orchestrates tokenpool's proxy listener and admin server.
// The proxy listener routes accepted requests into the credential pool; the
// admin server exposes health checks, readiness probes, Prometheus metrics
// and a JSON snapshot of every credential.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/tokenpool/tokenpool/internal/config"
	"github.com/tokenpool/tokenpool/internal/events"
	"github.com/tokenpool/tokenpool/internal/middleware"
	"github.com/tokenpool/tokenpool/internal/observability"
	"github.com/tokenpool/tokenpool/internal/pacing"
	"github.com/tokenpool/tokenpool/internal/pool"
	"github.com/tokenpool/tokenpool/internal/ratelimit"
	iredis "github.com/tokenpool/tokenpool/internal/redis"
)

// basicAuthRealm is announced in the WWW-Authenticate challenge.
const basicAuthRealm = "tokenpool"

// Server is the main tokenpool server.
type Server struct {
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	router          *pool.Router
	emitter         *events.Emitter
	redis           iredis.Client // nil unless clustering is enabled.
	limiter         atomic.Pointer[ratelimit.ClientLimiter]
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.

	mu  sync.Mutex // guards cfg
	cfg *config.Config
}

// New creates a new tokenpool server instance. It fails when the pool
// cannot be built, for example because no token is configured.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	s := &Server{
		logger:  logger,
		version: version,
		health:  observability.NewHealthChecker(),
		metrics: observability.NewMetrics(reg),
		cfg:     cfg,
	}

	if err := s.buildPool(ctx, cfg); err != nil {
		s.closePool()
		return nil, err
	}
	s.health.SetPoolSize(s.router.Len)

	s.limiter.Store(ratelimit.NewClientLimiter(cfg.ClientLimit, s.metrics.IncClientLimited))

	s.mainServer, s.http3Server = buildMainServer(cfg, s.Handler(), logger)
	s.adminServer = buildAdminServer(cfg, s.adminHandler(reg))
	return s, nil
}

// buildPool wires the event emitter, the pacing gates and the credential
// router.
func (s *Server) buildPool(ctx context.Context, cfg *config.Config) error {
	handlers := []events.Handler{
		events.LogHandler(s.logger),
		events.MetricsHandler(s.metrics),
	}
	if cfg.Events.HTTP.URL != "" {
		handlers = append(handlers, events.HTTPHandler(cfg.Events.HTTP.URL, nil, s.logger))
	}
	s.emitter = events.NewEmitter(cfg.Events, s.logger, s.metrics, handlers...)

	opts := pool.OptionsFromConfig(cfg)
	opts.Sink = s.emitter
	opts.Logger = s.logger
	opts.Metrics = s.metrics

	if cfg.Clustering.Enabled {
		gates, err := s.clusterGates(ctx, cfg, opts.RequestTimeout)
		if err != nil {
			return err
		}
		opts.Gates = gates
	}

	router, err := pool.NewRouter(cfg.Pool.Tokens, opts)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	s.router = router
	s.logger.Info("token pool ready", "tokens", router.Len(), "upstream", cfg.Upstream.URL)
	return nil
}

// clusterGates connects to Redis and returns gates shared with every other
// tokenpool process using the same key prefix.
func (s *Server) clusterGates(ctx context.Context, cfg *config.Config, requestTimeout time.Duration) (pacing.Factory, error) {
	iredis.InitLogger(s.logger)
	iredis.WarnInsecureRedis(cfg.Clustering.Redis.TLS, s.logger)

	client, err := iredis.NewClient(ctx, cfg.Clustering.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect clustering redis: %w", err)
	}
	s.redis = client
	s.health.SetRedisPinger(observability.PingerFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))

	lease := config.MustParseDuration(cfg.Clustering.Lease, 0)
	if lease <= 0 {
		lease = requestTimeout + 5*time.Second
	}
	s.logger.Info("clustered pacing enabled",
		"endpoints", cfg.Clustering.Redis.Endpoints,
		"mode", cfg.Clustering.Redis.Mode,
		"lease", lease)

	return pacing.NewRedisFactory(client, pacing.RedisOptions{
		KeyPrefix:    cfg.Clustering.KeyPrefix,
		Interval:     config.MustParseDuration(cfg.Pool.RequestInterval, 250*time.Millisecond),
		Lease:        lease,
		PollInterval: config.MustParseDuration(cfg.Clustering.PollInterval, 25*time.Millisecond),
		OnRedisError: func(error) { s.metrics.IncRedisErrors() },
	}, s.logger), nil
}

// Handler returns the proxy listener's handler: the middleware stack in
// front of the pool.
func (s *Server) Handler() http.Handler {
	cfg := s.config()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics(s.metrics))
	if ba := cfg.Server.BasicAuth; ba.Enabled() {
		r.Use(middleware.BasicAuth(basicAuthRealm, ba.Username, ba.Password.Value()))
	}
	if cfg.Server.Compression {
		r.Use(chimw.Compress(5))
	}
	r.Use(s.limitClients)
	r.Use(middleware.Endpoints)

	r.Handle("/*", http.HandlerFunc(s.router.Schedule))
	return r
}

// limitClients applies the current per-client limiter. The limiter is
// swapped on reload, so it is looked up per request.
func (s *Server) limitClients(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.limiter.Load().Middleware(next).ServeHTTP(w, r)
	})
}

// statusResponse is the body of the admin /status endpoint.
type statusResponse struct {
	Version string                        `json:"version"`
	Tokens  []pool.TokenState             `json:"tokens"`
	Totals  observability.MetricsSnapshot `json:"totals"`
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body, err := json.Marshal(statusResponse{
			Version: s.version,
			Tokens:  s.router.Snapshot(),
			Totals:  s.metrics.Snapshot(),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

func (s *Server) adminHandler(reg *prometheus.Registry) http.Handler {
	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", s.health.StartzHandler())
	adminMux.Handle("/healthz", s.health.HealthzHandler())
	adminMux.Handle("/readyz", s.health.ReadyzHandler())
	adminMux.Handle("/status", s.statusHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	return adminMux
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20, // 1 MiB, same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT data is replayable.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           handler,
		ReadTimeout:       config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second),
		WriteTimeout:      config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second),
		IdleTimeout:       config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts the proxy and admin servers and blocks until ctx is canceled,
// then drains in-flight requests and closes the pool.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	if cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if certErr != nil {
			_ = s.shutdown()
			return certErr
		}
		s.certs = ch

		tlsCfg := &tls.Config{
			MinVersion:     tlsMinVersion(cfg),
			GetCertificate: ch.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
		s.mainServer.TLSConfig = tlsCfg
		// The HTTP/3 listener enforces the same TLS settings.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg.Clone()
		}

		cw := config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, s.reloadCerts, s.logger)
		go func() {
			if watchErr := cw.Start(ctx); watchErr != nil {
				s.logger.Error("TLS cert watcher error", "error", watchErr)
			}
		}()
		defer cw.Stop()
	}

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has bound, so readiness is
	// never reported before connections can be accepted.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("tokenpool is ready", "version", s.version, "tokens", s.router.Len())
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.adminServer.Addr)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	cfg := s.config()
	s.logger.Info("proxy server starting",
		"address", cfg.Server.Address,
		"upstream", cfg.Upstream.URL,
		"tls", cfg.Server.TLS.Enabled,
		"http3", s.http3Server != nil)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("proxy server listen: %w", listenErr)
		return
	}
	close(readyCh)

	var err error
	if s.mainServer.TLSConfig != nil {
		err = s.mainServer.Serve(tls.NewListener(ln, s.mainServer.TLSConfig))
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("proxy server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.http3Server.Addr)
	err := s.http3Server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

func (s *Server) reloadCerts(certFile, keyFile string) {
	if s.certs == nil {
		return
	}
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return
	}
	s.logger.Info("TLS certificates reloaded")
}

// Reload applies a new configuration without restarting: token membership
// is synced into the pool, the client limiter is rebuilt when its settings
// change and TLS certificates are reloaded. Fields that need a restart are
// logged and otherwise ignored.
func (s *Server) Reload(newCfg *config.Config) error {
	s.mu.Lock()
	old := s.cfg
	s.cfg = newCfg
	s.mu.Unlock()

	if fields := newCfg.RequiresRestart(old); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", fields)
	}

	added, removed, err := s.router.Sync(newCfg.Pool.Tokens)
	if err != nil {
		return fmt.Errorf("sync tokens: %w", err)
	}
	if added > 0 || removed > 0 {
		s.logger.Info("token pool updated", "added", added, "removed", removed, "tokens", s.router.Len())
	}

	if old == nil || newCfg.ClientLimit != old.ClientLimit {
		prev := s.limiter.Swap(ratelimit.NewClientLimiter(newCfg.ClientLimit, s.metrics.IncClientLimited))
		if prev != nil {
			prev.Close()
		}
		s.logger.Info("client limiter reloaded",
			"average", newCfg.ClientLimit.Average,
			"burst", newCfg.ClientLimit.Burst,
			"period", newCfg.ClientLimit.Period)
	}

	if newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		s.reloadCerts(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile)
	}
	return nil
}

func (s *Server) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Router exposes the credential pool.
func (s *Server) Router() *pool.Router {
	return s.router
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.config().Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.closePool()

	if lim := s.limiter.Load(); lim != nil {
		lim.Close()
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// closePool closes the router first so its final events reach the emitter,
// then flushes the emitter and drops the Redis connection.
func (s *Server) closePool() {
	if s.router != nil {
		if err := s.router.Close(); err != nil {
			s.logger.Error("pool close error", "error", err)
		}
	}
	if s.emitter != nil {
		if err := s.emitter.Close(); err != nil {
			s.logger.Error("event emitter close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
}
