package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	NonceBackendMemory  = "memory"
	NonceBackendRedis   = "redis"
	NonceBackendLevelDB = "leveldb"
)

type UpstreamConfig struct {
	URL              string        `yaml:"url" toml:"url"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout"`
	MaxResponseBytes int64         `yaml:"maxResponseBytes" toml:"maxResponseBytes"`
}

type KeyStoreConfig struct {
	URL      string        `yaml:"url" toml:"url"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
	CacheTTL time.Duration `yaml:"cacheTTL" toml:"cacheTTL"`
}

type NonceConfig struct {
	Backend     string        `yaml:"backend" toml:"backend"`
	Addresses   []string      `yaml:"addresses" toml:"addresses"`
	Username    string        `yaml:"username" toml:"username"`
	Password    string        `yaml:"password" toml:"password"`
	DB          int           `yaml:"db" toml:"db"`
	Prefix      string        `yaml:"prefix" toml:"prefix"`
	Path        string        `yaml:"path" toml:"path"`
	Capacity    int           `yaml:"capacity" toml:"capacity"`
	KeyCapacity int           `yaml:"keyCapacity" toml:"keyCapacity"`
	TTL         time.Duration `yaml:"ttl" toml:"ttl"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
}

type AuthConfig struct {
	MaxAge         time.Duration `yaml:"maxAge" toml:"maxAge"`
	Debug          bool          `yaml:"debug" toml:"debug"`
	FailureDetail  *bool         `yaml:"failureDetail" toml:"failureDetail"`
	InternalScheme string        `yaml:"internalScheme" toml:"internalScheme"`
	Schemes        []string      `yaml:"schemes" toml:"schemes"`
}

// FailureDetailEnabled reports whether rejected requests carry the numeric
// failure reason header. It defaults to on.
func (a AuthConfig) FailureDetailEnabled() bool {
	return a.FailureDetail == nil || *a.FailureDetail
}

// SchemeEnabled reports whether the scheme token may be used by callers.
func (a AuthConfig) SchemeEnabled(scheme string) bool {
	for _, s := range a.Schemes {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

type RateLimitConfig struct {
	RequestsPerMinute float64  `yaml:"requestsPerMinute" toml:"requestsPerMinute"`
	Burst             int      `yaml:"burst" toml:"burst"`
	// TrustedProxies lists the addresses or CIDRs whose X-Real-IP and
	// X-Forwarded-For headers identify the client.
	TrustedProxies    []string `yaml:"trustedProxies" toml:"trustedProxies"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName" toml:"serviceName"`
	Metrics       bool   `yaml:"metrics" toml:"metrics"`
	Tracing       bool   `yaml:"tracing" toml:"tracing"`
	LogRequests   bool   `yaml:"logRequests" toml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix" toml:"metricsPrefix"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
}

type SecurityConfig struct {
	AutoUpgradeHTTP bool   `yaml:"autoUpgradeHTTP" toml:"autoUpgradeHTTP"`
	AllowInsecure   bool   `yaml:"allowInsecure" toml:"allowInsecure"`
	TLSCertFile     string `yaml:"tlsCertFile" toml:"tlsCertFile"`
	TLSKeyFile      string `yaml:"tlsKeyFile" toml:"tlsKeyFile"`
	TLSClientCAFile string `yaml:"tlsClientCAFile" toml:"tlsClientCAFile"`
}

type Config struct {
	ListenAddress string              `yaml:"listen" toml:"listen"`
	AdminAddress  string              `yaml:"adminListen" toml:"adminListen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout" toml:"idleTimeout"`
	MaxBodyBytes  int64               `yaml:"maxBodyBytes" toml:"maxBodyBytes"`
	Upstream      UpstreamConfig      `yaml:"upstream" toml:"upstream"`
	KeyStore      KeyStoreConfig      `yaml:"keyStore" toml:"keyStore"`
	Nonce         NonceConfig         `yaml:"nonce" toml:"nonce"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit" toml:"rateLimit"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Security      SecurityConfig      `yaml:"security" toml:"security"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ListenAddress: ":8000",
		AdminAddress:  "127.0.0.1:8001",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   120 * time.Second,
		MaxBodyBytes:  1 << 20,
		Upstream: UpstreamConfig{
			URL:     "http://127.0.0.1:8080",
			Timeout: 30 * time.Second,
		},
		KeyStore: KeyStoreConfig{
			URL:     "http://127.0.0.1:8070",
			Timeout: 2 * time.Second,
		},
		Nonce: NonceConfig{
			Backend: NonceBackendMemory,
			Prefix:  "yar:nonce:",
			TTL:     5 * time.Minute,
			Timeout: time.Second,
		},
		Auth: AuthConfig{
			MaxAge:         30 * time.Second,
			InternalScheme: "YAR",
			Schemes:        []string{"MAC", "BASIC"},
		},
		Observability: ObservabilityConfig{
			ServiceName:   "yar-gateway",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "yar",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             60,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads defaults, then the file at path (YAML, or TOML for a .toml
// extension), then YAR_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("YAR_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(getenv("YAR_ADMIN_LISTEN")); v != "" {
		cfg.AdminAddress = v
	}
	if v := strings.TrimSpace(getenv("YAR_TRUSTED_PROXIES")); v != "" {
		cfg.RateLimit.TrustedProxies = SplitList(v)
	}
	if v := strings.TrimSpace(getenv("YAR_UPSTREAM_URL")); v != "" {
		cfg.Upstream.URL = v
	}
	if v := strings.TrimSpace(getenv("YAR_KEYSTORE_URL")); v != "" {
		cfg.KeyStore.URL = v
	}
	if v := strings.TrimSpace(getenv("YAR_NONCE_BACKEND")); v != "" {
		cfg.Nonce.Backend = v
	}
	if v := strings.TrimSpace(getenv("YAR_NONCE_ADDRS")); v != "" {
		cfg.Nonce.Addresses = SplitList(v)
	}
	if v := strings.TrimSpace(getenv("YAR_MAX_AGE")); v != "" {
		d, err := ParseSeconds(v)
		if err != nil {
			return fmt.Errorf("YAR_MAX_AGE: %w", err)
		}
		cfg.Auth.MaxAge = d
	}
	if v := strings.TrimSpace(getenv("YAR_DEBUG")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("YAR_DEBUG: %w", err)
		}
		cfg.Auth.Debug = parsed
	}
	if v := strings.TrimSpace(getenv("YAR_AUTH_METHOD")); v != "" {
		cfg.Auth.InternalScheme = v
	}
	return nil
}

// ParseSeconds accepts either a Go duration ("45s") or a bare number of seconds.
func ParseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// SplitList splits a comma separated list, dropping empty entries.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("maxBodyBytes must be positive")
	}
	if _, err := absoluteURL("upstream.url", cfg.Upstream.URL); err != nil {
		return err
	}
	if _, err := absoluteURL("keyStore.url", cfg.KeyStore.URL); err != nil {
		return err
	}
	if cfg.Auth.MaxAge <= 0 {
		return fmt.Errorf("auth.maxAge must be positive")
	}
	scheme := strings.TrimSpace(cfg.Auth.InternalScheme)
	if scheme == "" || strings.ContainsAny(scheme, " \t\r\n") {
		return fmt.Errorf("auth.internalScheme must be a single non-empty token")
	}
	cfg.Auth.InternalScheme = scheme
	if len(cfg.Auth.Schemes) == 0 {
		return fmt.Errorf("auth.schemes must enable at least one scheme")
	}
	for i, s := range cfg.Auth.Schemes {
		upper := strings.ToUpper(strings.TrimSpace(s))
		if upper != "MAC" && upper != "BASIC" {
			return fmt.Errorf("auth.schemes[%d]: unsupported scheme %q", i, s)
		}
		cfg.Auth.Schemes[i] = upper
	}
	// A recorded nonce must outlive every timestamp the window still accepts.
	if floor := cfg.Auth.MaxAge + time.Second; cfg.Nonce.TTL < floor {
		cfg.Nonce.TTL = floor
	}
	cfg.Nonce.Backend = strings.ToLower(strings.TrimSpace(cfg.Nonce.Backend))
	switch cfg.Nonce.Backend {
	case NonceBackendMemory:
	case NonceBackendRedis:
		if len(cfg.Nonce.Addresses) == 0 {
			return fmt.Errorf("nonce.addresses required for the redis backend")
		}
	case NonceBackendLevelDB:
		if strings.TrimSpace(cfg.Nonce.Path) == "" {
			return fmt.Errorf("nonce.path required for the leveldb backend")
		}
	default:
		return fmt.Errorf("nonce.backend %q must be one of memory, redis, leveldb", cfg.Nonce.Backend)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rateLimit values cannot be negative")
	}
	for i, proxy := range cfg.RateLimit.TrustedProxies {
		if _, err := ParseNetwork(proxy); err != nil {
			return fmt.Errorf("rateLimit.trustedProxies[%d]: %w", i, err)
		}
	}
	if cfg.Nonce.KeyCapacity < 0 {
		return fmt.Errorf("nonce.keyCapacity cannot be negative")
	}
	if addr := strings.TrimSpace(cfg.AdminAddress); addr != "" && addr == strings.TrimSpace(cfg.ListenAddress) {
		return fmt.Errorf("adminListen must differ from listen")
	}
	return nil
}

// Warnings lists settings that validate but leave the gateway exposed.
func (cfg *Config) Warnings() []string {
	if cfg == nil {
		return nil
	}
	var out []string
	if cfg.Nonce.Backend == NonceBackendMemory && cfg.RateLimit.RequestsPerMinute <= 0 {
		out = append(out, "memory nonce store without rate limiting: unauthenticated MAC requests can fill it and fail every MAC request closed")
	}
	return out
}

// ParseNetwork accepts a CIDR or a bare IP address, which is treated as a
// single-host network.
func ParseNetwork(raw string) (*net.IPNet, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.Contains(trimmed, "/") {
		_, network, err := net.ParseCIDR(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse network %q: %w", raw, err)
		}
		return network, nil
	}
	ip := net.ParseIP(trimmed)
	if ip == nil {
		return nil, fmt.Errorf("parse network %q: not an IP address or CIDR", raw)
	}
	bits := 8 * net.IPv6len
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 8*net.IPv4len
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func absoluteURL(field, raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%s %q must be an absolute URL", field, raw)
	}
	return parsed, nil
}

// UpstreamURL returns the parsed upstream URL.
func (cfg Config) UpstreamURL() (*url.URL, error) {
	return absoluteURL("upstream.url", cfg.Upstream.URL)
}

// KeyStoreURL returns the parsed credential store URL.
func (cfg Config) KeyStoreURL() (*url.URL, error) {
	return absoluteURL("keyStore.url", cfg.KeyStore.URL)
}

// IsSensitiveDeployment reports whether TLS material is configured, which is
// how production listeners are recognised.
func (cfg *Config) IsSensitiveDeployment() bool {
	if cfg == nil {
		return false
	}
	if cfg.Security.AutoUpgradeHTTP {
		return true
	}
	return strings.TrimSpace(cfg.Security.TLSCertFile) != "" ||
		strings.TrimSpace(cfg.Security.TLSKeyFile) != "" ||
		strings.TrimSpace(cfg.Security.TLSClientCAFile) != ""
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev environment.
// If autoUpgrade is enabled, insecure HTTP URLs are transparently upgraded to HTTPS.
// The returned boolean indicates whether an upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	scheme := strings.ToLower(strings.TrimSpace(target.Scheme))
	switch scheme {
	case "https":
		return target, false, nil
	case "http":
		if isDevEnv(env) || isLoopbackHost(target.Hostname()) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		if strings.TrimSpace(env) == "" {
			env = "(unset)"
		}
		return nil, false, fmt.Errorf("plaintext HTTP endpoints are not permitted for environment %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

func isDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
