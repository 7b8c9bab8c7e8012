// Package config handles loading and validation of tokenpool configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// TOKENPOOL_ prefix:
//
//	server.address → TOKENPOOL_SERVER_ADDRESS
//	pool.request_interval → TOKENPOOL_POOL_REQUEST_INTERVAL
//	pool.tokens → TOKENPOOL_POOL_TOKENS (comma separated)
package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via TOKENPOOL_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/tokenpool/config.yaml"

// envPrefix is prepended to every environment variable name.
const envPrefix = "TOKENPOOL_"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// RedisMode identifies the Redis deployment topology used for clustering.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level tokenpool configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"       envPrefix:"SERVER_"`
	Admin       AdminConfig       `yaml:"admin"        envPrefix:"ADMIN_"`
	Upstream    UpstreamConfig    `yaml:"upstream"     envPrefix:"UPSTREAM_"`
	Pool        PoolConfig        `yaml:"pool"         envPrefix:"POOL_"`
	Clustering  ClusteringConfig  `yaml:"clustering"   envPrefix:"CLUSTERING_"`
	ClientLimit ClientLimitConfig `yaml:"client_limit" envPrefix:"CLIENT_LIMIT_"`
	Events      EventsConfig      `yaml:"events"       envPrefix:"EVENTS_"`
	Logging     LoggingConfig     `yaml:"logging"      envPrefix:"LOGGING_"`
	Tracing     TracingConfig     `yaml:"tracing"      envPrefix:"TRACING_"`
}

// ServerConfig holds the main proxy server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	Compression  bool            `yaml:"compression"   env:"COMPRESSION"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
	BasicAuth    BasicAuthConfig `yaml:"basic_auth"    envPrefix:"BASIC_AUTH_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// BasicAuthConfig gates the proxy behind HTTP basic authentication. Both
// fields must be set to enable it.
type BasicAuthConfig struct {
	Username string         `yaml:"username" env:"USERNAME"`
	Password RedactedString `yaml:"password" env:"PASSWORD"`
}

// Enabled reports whether basic auth is configured.
func (b BasicAuthConfig) Enabled() bool {
	return b.Username != "" && b.Password != ""
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// UpstreamConfig defines the API origin requests are forwarded to.
type UpstreamConfig struct {
	URL             string          `yaml:"url"               env:"URL"`
	MaxIdleConns    int             `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string          `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	Transport       TransportConfig `yaml:"transport"         envPrefix:"TRANSPORT_"`
}

// TransportConfig holds low-level HTTP transport tuning for the upstream
// connections each worker owns.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
	H2ReadIdleTimeout     string `yaml:"h2_read_idle_timeout"    env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout         string `yaml:"h2_ping_timeout"         env:"H2_PING_TIMEOUT"`
}

// PoolConfig holds the credential pool and per-credential pacing settings.
type PoolConfig struct {
	Tokens     []string `yaml:"tokens"      env:"TOKENS" envSeparator:","`
	TokensFile string   `yaml:"tokens_file" env:"TOKENS_FILE"`

	// RequestInterval is the minimum gap between the end of one upstream
	// call and the start of the next on the same credential.
	RequestInterval string `yaml:"request_interval" env:"REQUEST_INTERVAL"`
	RequestTimeout  string `yaml:"request_timeout"  env:"REQUEST_TIMEOUT"`

	// MinRemaining is the budget floor below which a credential stops
	// receiving traffic.
	MinRemaining int `yaml:"min_remaining" env:"MIN_REMAINING"`

	// OverrideAuthorization replaces a caller-supplied Authorization header
	// with the pooled credential. When false, callers that bring their own
	// credential are passed through untouched.
	OverrideAuthorization bool `yaml:"override_authorization" env:"OVERRIDE_AUTHORIZATION"`

	RemoveInvalidTokens bool `yaml:"remove_invalid_tokens" env:"REMOVE_INVALID_TOKENS"`
}

// ClusteringConfig enables a Redis-backed pacing gate so several tokenpool
// processes sharing the same credentials still send at most one request per
// credential at a time.
type ClusteringConfig struct {
	Enabled      bool        `yaml:"enabled"       env:"ENABLED"`
	KeyPrefix    string      `yaml:"key_prefix"    env:"KEY_PREFIX"`
	PollInterval string      `yaml:"poll_interval" env:"POLL_INTERVAL"`
	Lease        string      `yaml:"lease"         env:"LEASE"` // empty = request_timeout + 5s
	Redis        RedisConfig `yaml:"redis"         envPrefix:"REDIS_"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// ClientLimitConfig is an optional per-client inbound limit that keeps a
// single caller from draining the shared pool. Average 0 disables it.
type ClientLimitConfig struct {
	Average float64 `yaml:"average" env:"AVERAGE"`
	Burst   int     `yaml:"burst"   env:"BURST"`
	Period  string  `yaml:"period"  env:"PERIOD"`
}

// EventsConfig holds pool event delivery settings. Events are always
// rendered to the log; HTTP.URL additionally posts them in batches.
type EventsConfig struct {
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
}

// EventsHTTPConfig holds HTTP event receiver settings.
type EventsHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":3000",
			ReadTimeout:  "30s",
			WriteTimeout: "60s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Upstream: UpstreamConfig{
			URL:             "https://api.github.com",
			MaxIdleConns:    4,
			IdleConnTimeout: "90s",
			Transport: TransportConfig{
				DialTimeout:           "10s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
				H2ReadIdleTimeout:     "30s",
				H2PingTimeout:         "15s",
			},
		},
		Pool: PoolConfig{
			RequestInterval:       "250ms",
			RequestTimeout:        "20s",
			MinRemaining:          100,
			OverrideAuthorization: true,
			RemoveInvalidTokens:   true,
		},
		Clustering: ClusteringConfig{
			KeyPrefix:    "tokenpool",
			PollInterval: "25ms",
			Redis: RedisConfig{
				Endpoints:    []string{"localhost:6379"},
				Mode:         RedisModeSingle,
				PoolSize:     10,
				DialTimeout:  "5s",
				ReadTimeout:  "3s",
				WriteTimeout: "3s",
			},
		},
		ClientLimit: ClientLimitConfig{
			Period: "1s",
		},
		Events: EventsConfig{
			BufferSize:    10000,
			BatchSize:     100,
			FlushInterval: "1s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "tokenpool",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv(envPrefix + "CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from the default config file path and overlays
// environment variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg, err := Parse(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads the YAML file and env overrides without validating. Callers
// that apply further overrides (CLI flags) call Finalize afterwards.
func Parse(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}
	return cfg, nil
}

// Finalize merges the tokens file into the token list, normalizes enum
// fields and validates the result.
func (cfg *Config) Finalize() error {
	if cfg.Pool.TokensFile != "" {
		fileTokens, err := ReadTokensFile(cfg.Pool.TokensFile)
		if err != nil {
			return err
		}
		cfg.Pool.Tokens = append(cfg.Pool.Tokens, fileTokens...)
	}
	cfg.normalize()
	return Validate(cfg)
}

// ReadTokensFile reads one token per line. Blank lines and lines starting
// with '#' are ignored.
func ReadTokensFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tokens file %s: %w", path, err)
	}
	var tokens []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens = append(tokens, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading tokens file %s: %w", path, err)
	}
	return tokens, nil
}

// normalize lowercases enum fields, trims and de-duplicates tokens.
func (cfg *Config) normalize() {
	cfg.Clustering.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Clustering.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
	cfg.Upstream.URL = strings.TrimRight(cfg.Upstream.URL, "/")

	seen := make(map[string]struct{}, len(cfg.Pool.Tokens))
	tokens := cfg.Pool.Tokens[:0]
	for _, t := range cfg.Pool.Tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}
	cfg.Pool.Tokens = tokens
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateUpstream(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validatePool(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateClustering(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateUpstream(cfg *Config) error {
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream.url %q: %w", cfg.Upstream.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid upstream.url %q: scheme must be http or https", cfg.Upstream.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid upstream.url %q: host is required", cfg.Upstream.URL)
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"upstream.transport.dial_timeout", cfg.Upstream.Transport.DialTimeout},
		{"upstream.transport.dial_keep_alive", cfg.Upstream.Transport.DialKeepAlive},
		{"upstream.transport.tls_handshake_timeout", cfg.Upstream.Transport.TLSHandshakeTimeout},
		{"upstream.transport.expect_continue_timeout", cfg.Upstream.Transport.ExpectContinueTimeout},
		{"upstream.transport.h2_read_idle_timeout", cfg.Upstream.Transport.H2ReadIdleTimeout},
		{"upstream.transport.h2_ping_timeout", cfg.Upstream.Transport.H2PingTimeout},
		{"pool.request_interval", cfg.Pool.RequestInterval},
		{"pool.request_timeout", cfg.Pool.RequestTimeout},
		{"clustering.poll_interval", cfg.Clustering.PollInterval},
		{"clustering.lease", cfg.Clustering.Lease},
		{"client_limit.period", cfg.ClientLimit.Period},
		{"events.flush_interval", cfg.Events.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", d.name, d.val)
		}
	}
	return nil
}

func validatePool(cfg *Config) error {
	if len(cfg.Pool.Tokens) == 0 {
		return fmt.Errorf("pool.tokens: at least one token is required")
	}
	for i, t := range cfg.Pool.Tokens {
		if !ValidToken(t) {
			return fmt.Errorf("pool.tokens[%d] (...%s): invalid token format", i, TokenSuffix(t))
		}
	}
	if cfg.Pool.MinRemaining < 0 {
		return fmt.Errorf("pool.min_remaining must be >= 0")
	}
	if d := MustParseDuration(cfg.Pool.RequestTimeout, 0); d == 0 {
		return fmt.Errorf("pool.request_timeout must be greater than zero")
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	if (cfg.Server.BasicAuth.Username == "") != (cfg.Server.BasicAuth.Password == "") {
		return fmt.Errorf("server.basic_auth requires both username and password")
	}
	return nil
}

func validateClustering(cfg *Config) error {
	if !cfg.Clustering.Enabled {
		return nil
	}
	rc := cfg.Clustering.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid clustering.redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("clustering.redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("clustering.redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("clustering.redis.master_name is required for sentinel mode")
	}
	if cfg.Clustering.KeyPrefix == "" {
		return fmt.Errorf("clustering.key_prefix must not be empty")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely. Token membership is always
// applied live.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Upstream.URL != old.Upstream.URL {
		fields = append(fields, "upstream.url")
	}
	if c.Pool.RequestInterval != old.Pool.RequestInterval {
		fields = append(fields, "pool.request_interval")
	}
	if c.Pool.RequestTimeout != old.Pool.RequestTimeout {
		fields = append(fields, "pool.request_timeout")
	}
	if c.Pool.MinRemaining != old.Pool.MinRemaining {
		fields = append(fields, "pool.min_remaining")
	}
	if c.Pool.OverrideAuthorization != old.Pool.OverrideAuthorization {
		fields = append(fields, "pool.override_authorization")
	}
	if c.Clustering.Enabled != old.Clustering.Enabled {
		fields = append(fields, "clustering.enabled")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.Compression != old.Server.Compression {
		fields = append(fields, "server.compression")
	}
	if c.Server.BasicAuth != old.Server.BasicAuth {
		fields = append(fields, "server.basic_auth")
	}
	if c.Pool.RemoveInvalidTokens != old.Pool.RemoveInvalidTokens {
		fields = append(fields, "pool.remove_invalid_tokens")
	}
	return fields
}
