package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen         string `yaml:"listen"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
}

type UpstreamCfg struct {
	URL       string `yaml:"url"` // empty: serve the built-in echo handler instead of proxying
	TimeoutMs int    `yaml:"timeout_ms"`
}

type StoreCfg struct {
	Backend       string `yaml:"backend"` // redis | memory
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
	TimeoutMs     int    `yaml:"timeout_ms"` // per-operation deadline
}

// RateSpec is a parsed "N/unit" rate string, e.g. "100/minute" or "5/60s".
type RateSpec struct {
	Limit  int
	Window time.Duration
}

// RouteRate binds a path prefix to a rate override. Longest prefix wins.
type RouteRate struct {
	Prefix string
	Spec   RateSpec
}

// FailPolicyCfg decides what happens to a check when the shared store is
// unreachable: deny the request (fail_closed) or skip the check (fail_open).
type FailPolicyCfg struct {
	BanCheck   string `yaml:"ban_check"`  // default fail_closed
	RateLimit  string `yaml:"rate_limit"` // default fail_open
	Heuristics string `yaml:"heuristics"` // default fail_open
}

type SecurityCfg struct {
	IPWhitelist       []string `yaml:"ip_whitelist"` // IPs or CIDRs, bypass all checks
	IPBlacklist       []string `yaml:"ip_blacklist"` // IPs or CIDRs, always denied
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs"`

	DefaultRateLimit   string            `yaml:"default_rate_limit"`
	PerRouteRateLimits map[string]string `yaml:"per_route_rate_limits"`
	RateAbuseMultiple  float64           `yaml:"rate_abuse_multiplier"`
	ExemptPaths        []string          `yaml:"exempt_paths"` // path prefixes skipped by rate limit and CSRF

	CSRFEnabled      bool   `yaml:"csrf_enabled"`
	CSRFSecret       string `yaml:"csrf_secret"`
	CSRFMaxAgeSec    int    `yaml:"csrf_max_age_seconds"`
	CSRFCookieName   string `yaml:"csrf_cookie_name"`
	CSRFCookieSecure bool   `yaml:"csrf_cookie_secure"`
	CSRFTokenPath    string `yaml:"csrf_token_path"`

	SuspiciousPatterns     []string `yaml:"suspicious_pattern_list"`
	MinUserAgentLen        int      `yaml:"min_user_agent_len"`
	FrequencyThreshold     int      `yaml:"suspicious_frequency_threshold"` // requests per minute bucket
	SuspiciousBanThreshold int      `yaml:"suspicious_ban_threshold"`
	SuspiciousWindowSec    int      `yaml:"suspicious_window_seconds"`

	AutoBlacklist bool `yaml:"auto_blacklist_enabled"`
	BanTTLSec     int  `yaml:"ban_ttl_seconds"`

	OnStoreError FailPolicyCfg `yaml:"on_store_error"`

	// populated by Load from the raw strings above
	DefaultRate RateSpec    `yaml:"-"`
	RouteRates  []RouteRate `yaml:"-"`
}

type AuditCfg struct {
	EventRetentionDays    int     `yaml:"event_retention_days"`
	AccessLogSampleRate   float64 `yaml:"access_log_sample_rate"` // 0 disables the access log
	AccessLogRetentionSec int     `yaml:"access_log_retention_sec"`
	MaxWritesPerSec       int     `yaml:"max_writes_per_sec"` // access-log write budget
}

type AdminCfg struct {
	Enabled    bool              `yaml:"enabled"`
	Keys       map[string]string `yaml:"token_keys"` // kid -> shared secret
	CurrentKID string            `yaml:"current_kid"`
	Issuer     string            `yaml:"issuer"`
	SkewSec    int               `yaml:"skew_sec"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type HeadersCfg struct {
	CSP               string `yaml:"csp"`
	PermissionsPolicy string `yaml:"permissions_policy"`
	HSTSMaxAgeSec     int    `yaml:"hsts_max_age_sec"`
}

type Config struct {
	Server   ServerCfg   `yaml:"server"`
	Upstream UpstreamCfg `yaml:"upstream"`
	Store    StoreCfg    `yaml:"store"`
	Security SecurityCfg `yaml:"security"`
	Audit    AuditCfg    `yaml:"audit"`
	Admin    AdminCfg    `yaml:"admin"`
	Logging  LoggingCfg  `yaml:"logging"`
	Headers  HeadersCfg  `yaml:"headers"`
}

// Fail policy values accepted by on_store_error.
const (
	FailOpen   = "fail_open"
	FailClosed = "fail_closed"
)

func defaultSuspiciousPatterns() []string {
	return []string{"../", "<script", "union select", ";--", "/etc/passwd", "cmd.exe"}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	// defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 5000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 60000
	}
	if cfg.Upstream.TimeoutMs == 0 {
		cfg.Upstream.TimeoutMs = 30000
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "redis"
	}
	if cfg.Store.RedisAddr == "" {
		cfg.Store.RedisAddr = "127.0.0.1:6379"
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "gw"
	}
	if cfg.Store.TimeoutMs == 0 {
		cfg.Store.TimeoutMs = 250
	}
	if cfg.Security.DefaultRateLimit == "" {
		cfg.Security.DefaultRateLimit = "100/minute"
	}
	if cfg.Security.RateAbuseMultiple == 0 {
		cfg.Security.RateAbuseMultiple = 2.0
	}
	if cfg.Security.CSRFMaxAgeSec == 0 {
		cfg.Security.CSRFMaxAgeSec = 3600
	}
	if cfg.Security.CSRFCookieName == "" {
		cfg.Security.CSRFCookieName = "csrf_token"
	}
	if cfg.Security.CSRFTokenPath == "" {
		cfg.Security.CSRFTokenPath = "/csrf-token"
	}
	if cfg.Security.SuspiciousPatterns == nil {
		cfg.Security.SuspiciousPatterns = defaultSuspiciousPatterns()
	}
	for i, p := range cfg.Security.SuspiciousPatterns {
		cfg.Security.SuspiciousPatterns[i] = strings.ToLower(p)
	}
	if cfg.Security.MinUserAgentLen == 0 {
		cfg.Security.MinUserAgentLen = 10
	}
	if cfg.Security.FrequencyThreshold == 0 {
		cfg.Security.FrequencyThreshold = 30
	}
	if cfg.Security.SuspiciousBanThreshold == 0 {
		cfg.Security.SuspiciousBanThreshold = 10
	}
	if cfg.Security.SuspiciousWindowSec == 0 {
		cfg.Security.SuspiciousWindowSec = 3600
	}
	if cfg.Security.BanTTLSec == 0 {
		cfg.Security.BanTTLSec = 86400
	}
	if cfg.Security.OnStoreError.BanCheck == "" {
		cfg.Security.OnStoreError.BanCheck = FailClosed
	}
	if cfg.Security.OnStoreError.RateLimit == "" {
		cfg.Security.OnStoreError.RateLimit = FailOpen
	}
	if cfg.Security.OnStoreError.Heuristics == "" {
		cfg.Security.OnStoreError.Heuristics = FailOpen
	}
	if cfg.Audit.EventRetentionDays == 0 {
		cfg.Audit.EventRetentionDays = 7
	}
	if cfg.Audit.AccessLogRetentionSec == 0 {
		cfg.Audit.AccessLogRetentionSec = 3600
	}
	if cfg.Audit.MaxWritesPerSec == 0 {
		cfg.Audit.MaxWritesPerSec = 200
	}
	if cfg.Admin.Issuer == "" {
		cfg.Admin.Issuer = "gatewarden"
	}
	if cfg.Admin.SkewSec == 0 {
		cfg.Admin.SkewSec = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Headers.CSP == "" {
		cfg.Headers.CSP = "default-src 'self'"
	}
	if cfg.Headers.PermissionsPolicy == "" {
		cfg.Headers.PermissionsPolicy = "geolocation=(), microphone=(), camera=()"
	}
	if cfg.Headers.HSTSMaxAgeSec == 0 {
		cfg.Headers.HSTSMaxAgeSec = 31536000
	}
	// parse rate specs
	cfg.Security.DefaultRate, err = ParseRateSpec(cfg.Security.DefaultRateLimit)
	if err != nil {
		return nil, fmt.Errorf("default_rate_limit: %w", err)
	}
	for prefix, raw := range cfg.Security.PerRouteRateLimits {
		spec, err := ParseRateSpec(raw)
		if err != nil {
			return nil, fmt.Errorf("per_route_rate_limits[%q]: %w", prefix, err)
		}
		cfg.Security.RouteRates = append(cfg.Security.RouteRates, RouteRate{Prefix: prefix, Spec: spec})
	}
	sort.Slice(cfg.Security.RouteRates, func(i, j int) bool {
		return len(cfg.Security.RouteRates[i].Prefix) > len(cfg.Security.RouteRates[j].Prefix)
	})
	return &cfg, nil
}

// ParseRateSpec parses "N/unit" where unit is second|minute|hour|day
// (optionally plural) or any duration time.ParseDuration accepts, e.g.
// "100/minute", "5/60s", "1000/hour".
func ParseRateSpec(s string) (RateSpec, error) {
	limitStr, unit, ok := strings.Cut(s, "/")
	if !ok {
		return RateSpec{}, fmt.Errorf("rate %q: want N/unit", s)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
	if err != nil || limit <= 0 {
		return RateSpec{}, fmt.Errorf("rate %q: limit must be a positive integer", s)
	}
	var window time.Duration
	switch strings.TrimSuffix(strings.TrimSpace(strings.ToLower(unit)), "s") {
	case "second", "sec":
		window = time.Second
	case "minute", "min":
		window = time.Minute
	case "hour":
		window = time.Hour
	case "day":
		window = 24 * time.Hour
	default:
		window, err = time.ParseDuration(strings.TrimSpace(unit))
		if err != nil || window <= 0 {
			return RateSpec{}, fmt.Errorf("rate %q: unknown window %q", s, unit)
		}
	}
	return RateSpec{Limit: limit, Window: window}, nil
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutMs) * time.Millisecond
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutMs) * time.Millisecond
}

func (c *Config) CSRFMaxAge() time.Duration {
	return time.Duration(c.Security.CSRFMaxAgeSec) * time.Second
}

func (c *Config) BanTTL() time.Duration {
	return time.Duration(c.Security.BanTTLSec) * time.Second
}

func (c *Config) SuspiciousWindow() time.Duration {
	return time.Duration(c.Security.SuspiciousWindowSec) * time.Second
}

func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.Audit.EventRetentionDays) * 24 * time.Hour
}

func (c *Config) AccessLogRetention() time.Duration {
	return time.Duration(c.Audit.AccessLogRetentionSec) * time.Second
}

func validPolicy(v string) bool {
	return v == FailOpen || v == FailClosed
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "redis", "memory":
	default:
		return errors.New("store.backend must be 'redis' or 'memory'")
	}
	if c.Security.CSRFEnabled {
		if c.Security.CSRFSecret == "" {
			return errors.New("security.csrf_secret required when csrf_enabled")
		}
		if len(c.Security.CSRFSecret) < 32 {
			return errors.New("security.csrf_secret must be at least 32 bytes")
		}
		if !strings.HasPrefix(c.Security.CSRFTokenPath, "/") {
			return errors.New("security.csrf_token_path must start with '/'")
		}
	}
	if c.Security.RateAbuseMultiple < 1 {
		return errors.New("security.rate_abuse_multiplier must be >= 1")
	}
	if c.Security.MinUserAgentLen < 0 {
		return errors.New("security.min_user_agent_len must be >= 0")
	}
	if c.Security.SuspiciousBanThreshold < 1 {
		return errors.New("security.suspicious_ban_threshold must be >= 1")
	}
	if c.Security.BanTTLSec < 0 {
		return errors.New("security.ban_ttl_seconds must be >= 0")
	}
	if !validPolicy(c.Security.OnStoreError.BanCheck) ||
		!validPolicy(c.Security.OnStoreError.RateLimit) ||
		!validPolicy(c.Security.OnStoreError.Heuristics) {
		return errors.New("security.on_store_error values must be 'fail_open' or 'fail_closed'")
	}
	if c.Audit.AccessLogSampleRate < 0 || c.Audit.AccessLogSampleRate > 1 {
		return errors.New("audit.access_log_sample_rate must be in [0,1]")
	}
	if c.Audit.EventRetentionDays < 1 {
		return errors.New("audit.event_retention_days must be >= 1")
	}
	if c.Admin.Enabled {
		if c.Admin.CurrentKID == "" || len(c.Admin.Keys) == 0 {
			return errors.New("admin.token_keys and admin.current_kid required when admin.enabled")
		}
		if _, ok := c.Admin.Keys[c.Admin.CurrentKID]; !ok {
			return errors.New("admin.current_kid not found in admin.token_keys")
		}
	}
	return nil
}
