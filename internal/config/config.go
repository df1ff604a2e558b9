// Package config handles loading and validation of NGFW gateway configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with an
// NGFW_ prefix:
//
//	server.address → NGFW_SERVER_ADDRESS
//	rate_limit.window_ceiling → NGFW_RATE_LIMIT_WINDOW_CEILING
package config

import (
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
// Override via NGFW_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/ngfw/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls rate-limiter behavior when Redis is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough      FailurePolicy = "passthrough"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
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

// HoneypotPolicy controls what happens to requests that touch a honeypot path.
type HoneypotPolicy string

const (
	// HoneypotObserve lets the request proceed through the pipeline while
	// forcing the high_risk label, so the attacker keeps talking.
	HoneypotObserve HoneypotPolicy = "observe"
	// HoneypotDeny rejects honeypot traffic outright.
	HoneypotDeny HoneypotPolicy = "deny"
)

func (p HoneypotPolicy) Valid() bool {
	switch p {
	case HoneypotObserve, HoneypotDeny, "":
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

// Config is the top-level NGFW gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Backend   BackendConfig   `yaml:"backend"    envPrefix:"BACKEND_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     *RedisConfig    `yaml:"redis"      envPrefix:"REDIS_"`
	Session   SessionConfig   `yaml:"session"    envPrefix:"SESSION_"`
	RBAC      RBACConfig      `yaml:"rbac"       envPrefix:"RBAC_"`
	Risk      RiskConfig      `yaml:"risk"       envPrefix:"RISK_"`
	ML        MLConfig        `yaml:"ml"         envPrefix:"ML_"`
	Audit     AuditConfig     `yaml:"audit"      envPrefix:"AUDIT_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the main gateway server settings.
type ServerConfig struct {
	Address        string          `yaml:"address"         env:"ADDRESS"`
	ReadTimeout    string          `yaml:"read_timeout"    env:"READ_TIMEOUT"`
	WriteTimeout   string          `yaml:"write_timeout"   env:"WRITE_TIMEOUT"`
	IdleTimeout    string          `yaml:"idle_timeout"    env:"IDLE_TIMEOUT"`
	DrainTimeout   string          `yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	RequestTimeout string          `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	TLS            ServerTLSConfig `yaml:"tls"             envPrefix:"TLS_"`

	// ForwardPrefix is the path prefix that subjects a request to the
	// decision pipeline and forwarding. Stripped before policy evaluation
	// and before proxying. Default: "/fw".
	ForwardPrefix string `yaml:"forward_prefix" env:"FORWARD_PREFIX"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// BackendConfig defines the protected service to forward allowed requests to.
type BackendConfig struct {
	URL               string           `yaml:"url"                      env:"URL"`
	Timeout           string           `yaml:"timeout"                  env:"TIMEOUT"`
	MaxIdleConns      int              `yaml:"max_idle_conns"           env:"MAX_IDLE_CONNS"`
	IdleConnTimeout   string           `yaml:"idle_conn_timeout"        env:"IDLE_CONN_TIMEOUT"`
	TLSInsecureVerify bool             `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
	Transport         TransportConfig  `yaml:"transport"                envPrefix:"TRANSPORT_"`
	URLPolicy         BackendURLPolicy `yaml:"url_policy"               envPrefix:"URL_POLICY_"`
}

// BackendURLPolicy restricts which backend URLs the gateway will forward to.
// Prevents SSRF via a misconfigured or injected backend address.
type BackendURLPolicy struct {
	// AllowedSchemes restricts the URL scheme. Default: ["http", "https"].
	AllowedSchemes []string `yaml:"allowed_schemes" env:"ALLOWED_SCHEMES" envSeparator:","`
	// DenyPrivateNetworks blocks RFC 1918, loopback, link-local, and cloud
	// metadata IPs when true. Default: false — gateways usually sit in
	// front of private-network backends.
	DenyPrivateNetworks *bool `yaml:"deny_private_networks" env:"DENY_PRIVATE_NETWORKS"`
	// AllowedHosts is an optional allowlist. When non-empty, only these
	// hosts (exact match, case-insensitive) are permitted.
	AllowedHosts []string `yaml:"allowed_hosts" env:"ALLOWED_HOSTS" envSeparator:","`
}

// DenyPrivateNetworksEnabled returns whether private networks should be
// blocked. Defaults to false when not explicitly configured.
func (p BackendURLPolicy) DenyPrivateNetworksEnabled() bool {
	if p.DenyPrivateNetworks == nil {
		return false
	}
	return *p.DenyPrivateNetworks
}

// TransportConfig holds low-level HTTP transport tuning for the proxy.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
	H2ReadIdleTimeout     string `yaml:"h2_read_idle_timeout"    env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout         string `yaml:"h2_ping_timeout"         env:"H2_PING_TIMEOUT"`
	WebSocketDialTimeout  string `yaml:"websocket_dial_timeout"  env:"WEBSOCKET_DIAL_TIMEOUT"`
}

// RateLimitConfig holds fixed-window rate limiting settings.
type RateLimitConfig struct {
	// WindowCeiling is the maximum number of requests per client IP per
	// window. 0 disables rate limiting.
	WindowCeiling int64 `yaml:"window_ceiling" env:"WINDOW_CEILING"`
	// Window is the fixed window length. Default: "60s".
	Window        string        `yaml:"window"         env:"WINDOW"`
	FailurePolicy FailurePolicy `yaml:"failure_policy" env:"FAILURE_POLICY"`
	KeyPrefix     string        `yaml:"key_prefix"     env:"KEY_PREFIX"`

	// MaxRecoveryAttempts limits the number of Redis recovery attempts
	// before giving up. 0 means unlimited (retry forever, the default).
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts" env:"MAX_RECOVERY_ATTEMPTS"`
}

// RedisConfig holds Redis connection and topology settings. When the section
// is absent the rate limiter runs on its in-memory store only.
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

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
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

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// SessionConfig holds per-IP session tracking settings.
type SessionConfig struct {
	// TTL evicts session entries idle longer than this. Default: "30m".
	TTL string `yaml:"ttl" env:"TTL"`
	// MaxCostBytes bounds the session store memory budget. Default 32 MiB.
	MaxCostBytes int64 `yaml:"max_cost_bytes" env:"MAX_COST_BYTES"`
	// MaxCipherHistory caps the distinct cipher suites remembered per
	// session. Default: 16.
	MaxCipherHistory int `yaml:"max_cipher_history" env:"MAX_CIPHER_HISTORY"`
}

// RBACConfig holds role-based access control settings.
type RBACConfig struct {
	// Roles maps a role name to its path policy. Unknown roles fall back
	// to the "guest" entry.
	Roles map[string]RolePolicy `yaml:"roles"`

	// HoneypotPrefixes lists decoy path prefixes. Any hit is flagged
	// before role evaluation.
	HoneypotPrefixes []string `yaml:"honeypot_prefixes" env:"HONEYPOT_PREFIXES" envSeparator:","`

	// HoneypotPolicy selects observe (allow through, force high_risk) or
	// deny. Default: observe.
	HoneypotPolicy HoneypotPolicy `yaml:"honeypot_policy" env:"HONEYPOT_POLICY"`

	// AdminPrefixes lists path prefixes treated as administrative surface
	// by the rule risk engine. Default: ["/admin"].
	AdminPrefixes []string `yaml:"admin_prefixes" env:"ADMIN_PREFIXES" envSeparator:","`
}

// RolePolicy is an ordered allow/deny prefix table for one role. Deny
// prefixes are checked first; "*" matches every path.
type RolePolicy struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// RiskConfig holds the scoring thresholds shared by the rule engine and the
// decision aggregator.
type RiskConfig struct {
	// BlockThreshold denies requests whose final risk is >= this value.
	// Default: 0.90.
	BlockThreshold float64 `yaml:"block_threshold" env:"BLOCK_THRESHOLD"`
	// HighThreshold labels scores >= this value high_risk. Default: 0.70.
	HighThreshold float64 `yaml:"high_threshold" env:"HIGH_THRESHOLD"`
	// MediumThreshold labels scores >= this value medium_risk. Default: 0.40.
	MediumThreshold float64 `yaml:"medium_threshold" env:"MEDIUM_THRESHOLD"`
}

// MLConfig holds the external ML scoring service settings. All failures fail
// open: the pipeline proceeds with a zero ML score.
type MLConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	URL     string `yaml:"url"     env:"URL"`
	Timeout string `yaml:"timeout" env:"TIMEOUT"`

	// CircuitBreaker stops calling an unhealthy scorer so requests do not
	// pay the full timeout on every attempt.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// CircuitBreakerConfig holds circuit breaker tuning parameters.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures before opening. 0 uses the default (5).
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// ResetTimeout is the duration the circuit stays open before probing. 0 uses the default (30s).
	ResetTimeout string `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// AuditConfig holds audit log and SIEM export settings.
type AuditConfig struct {
	// MaxEntries caps the in-memory chain length. 0 means unlimited.
	// When the cap is reached new appends are still accepted; the server
	// refuses to start only on negative values.
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`

	// SIEM configures the optional asynchronous shipper.
	SIEM SIEMConfig `yaml:"siem" envPrefix:"SIEM_"`
}

// SIEMConfig holds the optional SIEM webhook shipper settings. Entries are
// buffered and delivered in batches; the hot path never blocks on delivery.
type SIEMConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
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

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    "30s",
			WriteTimeout:   "30s",
			IdleTimeout:    "120s",
			DrainTimeout:   "30s",
			RequestTimeout: "60s",
			ForwardPrefix:  "/fw",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Backend: BackendConfig{
			Timeout:         "30s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
			Transport: TransportConfig{
				DialTimeout:           "30s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
				H2ReadIdleTimeout:     "30s",
				H2PingTimeout:         "15s",
				WebSocketDialTimeout:  "10s",
			},
		},
		RateLimit: RateLimitConfig{
			WindowCeiling: 20,
			Window:        "60s",
			FailurePolicy: FailurePolicyInMemoryFallback,
			KeyPrefix:     "ngfw:rl",
		},
		Session: SessionConfig{
			TTL:              "30m",
			MaxCostBytes:     32 << 20,
			MaxCipherHistory: 16,
		},
		RBAC: RBACConfig{
			Roles: map[string]RolePolicy{
				"admin":   {Allow: []string{"*"}},
				"analyst": {Allow: []string{"/api", "/reports"}, Deny: []string{"/admin"}},
				"user":    {Allow: []string{"/info", "/api", "/public"}, Deny: []string{"/admin"}},
				"guest":   {Allow: []string{"/public", "/api/status"}, Deny: []string{"/admin", "/internal"}},
			},
			HoneypotPrefixes: []string{"/wp-admin", "/phpmyadmin", "/.env", "/.git"},
			HoneypotPolicy:   HoneypotObserve,
			AdminPrefixes:    []string{"/admin"},
		},
		Risk: RiskConfig{
			BlockThreshold:  0.90,
			HighThreshold:   0.70,
			MediumThreshold: 0.40,
		},
		ML: MLConfig{
			Timeout: "5s",
		},
		Audit: AuditConfig{
			SIEM: SIEMConfig{
				BatchSize:     64,
				FlushInterval: "2s",
				BufferSize:    4096,
			},
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "ngfw",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("NGFW_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/ngfw/config.yaml and can
// be overridden via NGFW_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	// Pre-allocate Redis so the env parser can populate it. If no REDIS_
	// env vars are set the pointer is reset to nil below.
	redisPresentInYAML := cfg.Redis != nil
	if cfg.Redis == nil {
		cfg.Redis = &RedisConfig{}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "NGFW_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	// A Redis section with no endpoints means in-memory only.
	if len(cfg.Redis.Endpoints) == 0 && !redisPresentInYAML {
		cfg.Redis = nil
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "passThrough"
// or env values like "PASSTHROUGH" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	if cfg.Redis != nil {
		cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
		if cfg.Redis.Mode == "" {
			cfg.Redis.Mode = RedisModeSingle
		}
	}
	cfg.RBAC.HoneypotPolicy = HoneypotPolicy(strings.ToLower(string(cfg.RBAC.HoneypotPolicy)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateBackend(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateRBAC(cfg); err != nil {
		return err
	}
	if err := validateRisk(cfg); err != nil {
		return err
	}
	if err := validateML(cfg); err != nil {
		return err
	}
	if err := validateAudit(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateBackend(cfg *Config) error {
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}

	// Normalize the backend URL so that host always includes an explicit
	// port. This avoids port-guessing logic scattered across the codebase.
	normalized, err := normalizeURL(cfg.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend.url %q: %w", cfg.Backend.URL, err)
	}
	cfg.Backend.URL = normalized

	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
// If no port is specified, the scheme-appropriate default is appended
// (80 for http/ws, 443 for https/wss).
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https", "wss":
			u.Host += ":443"
		default:
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"backend.timeout", cfg.Backend.Timeout},
		{"backend.idle_conn_timeout", cfg.Backend.IdleConnTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"backend.transport.dial_timeout", cfg.Backend.Transport.DialTimeout},
		{"backend.transport.dial_keep_alive", cfg.Backend.Transport.DialKeepAlive},
		{"backend.transport.tls_handshake_timeout", cfg.Backend.Transport.TLSHandshakeTimeout},
		{"backend.transport.expect_continue_timeout", cfg.Backend.Transport.ExpectContinueTimeout},
		{"backend.transport.h2_read_idle_timeout", cfg.Backend.Transport.H2ReadIdleTimeout},
		{"backend.transport.h2_ping_timeout", cfg.Backend.Transport.H2PingTimeout},
		{"backend.transport.websocket_dial_timeout", cfg.Backend.Transport.WebSocketDialTimeout},
		{"rate_limit.window", cfg.RateLimit.Window},
		{"session.ttl", cfg.Session.TTL},
		{"ml.timeout", cfg.ML.Timeout},
		{"ml.circuit_breaker.reset_timeout", cfg.ML.CircuitBreaker.ResetTimeout},
		{"audit.siem.flush_interval", cfg.Audit.SIEM.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
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
	return nil
}

func validateRateLimit(cfg *Config) error {
	if cfg.RateLimit.WindowCeiling < 0 {
		return fmt.Errorf("rate_limit.window_ceiling must be >= 0")
	}
	if fp := cfg.RateLimit.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", fp)
	}
	return nil
}

func validateRedis(cfg *Config) error {
	if cfg.Redis == nil {
		return nil // in-memory only
	}
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateRBAC(cfg *Config) error {
	if !cfg.RBAC.HoneypotPolicy.Valid() {
		return fmt.Errorf("invalid rbac.honeypot_policy %q: must be observe or deny", cfg.RBAC.HoneypotPolicy)
	}
	if _, ok := cfg.RBAC.Roles["guest"]; !ok {
		return fmt.Errorf("rbac.roles must define a guest role (the unknown-role fallback)")
	}
	for role, policy := range cfg.RBAC.Roles {
		if len(policy.Allow) == 0 && len(policy.Deny) == 0 {
			return fmt.Errorf("rbac.roles.%s: at least one allow or deny prefix is required", role)
		}
	}
	return nil
}

func validateRisk(cfg *Config) error {
	for _, t := range []struct {
		name string
		val  float64
	}{
		{"risk.block_threshold", cfg.Risk.BlockThreshold},
		{"risk.high_threshold", cfg.Risk.HighThreshold},
		{"risk.medium_threshold", cfg.Risk.MediumThreshold},
	} {
		if t.val < 0 || t.val > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %v", t.name, t.val)
		}
	}
	if cfg.Risk.MediumThreshold > cfg.Risk.HighThreshold {
		return fmt.Errorf("risk.medium_threshold (%v) must not exceed risk.high_threshold (%v)",
			cfg.Risk.MediumThreshold, cfg.Risk.HighThreshold)
	}
	return nil
}

func validateML(cfg *Config) error {
	if cfg.ML.Enabled && cfg.ML.URL == "" {
		return fmt.Errorf("ml.url is required when ml is enabled")
	}
	return nil
}

func validateAudit(cfg *Config) error {
	if cfg.Audit.MaxEntries < 0 {
		return fmt.Errorf("audit.max_entries must be >= 0")
	}
	if cfg.Audit.SIEM.Enabled && cfg.Audit.SIEM.URL == "" {
		return fmt.Errorf("audit.siem.url is required when the SIEM shipper is enabled")
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
// the new config can be hot-reloaded safely.
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
	if (c.Redis == nil) != (old.Redis == nil) {
		fields = append(fields, "redis")
	} else if c.Redis != nil && c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	return fields
}
