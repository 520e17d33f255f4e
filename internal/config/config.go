// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/devproxy/config.toml",
	"configs/config.toml",
}

const defaultMetricsPath = "/metrics"

// ReservedRoutes are served by the proxy itself and cannot be used as rule
// prefixes or the metrics path.
var ReservedRoutes = []string{"/healthz", "/__devproxy"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Rules    []RuleConfig   `toml:"rules"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	CORS         CORSConfig      `toml:"cors"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// CORSConfig controls the CORS middleware in front of all routes.
type CORSConfig struct {
	Enabled      bool     `toml:"enabled"`
	AllowOrigins []string `toml:"allow_origins"`
}

// UpstreamConfig holds upstream connection settings shared by all rules.
type UpstreamConfig struct {
	TimeoutSeconds  int                  `toml:"timeout_seconds"`
	IdleConnections int                  `toml:"idle_connections"`
	CircuitBreaker  CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the per-upstream-host circuit breaker.
// A breaker opens once at least Threshold requests were seen in the current
// window and half of them failed; it stays open for OpenSeconds.
type CircuitBreakerConfig struct {
	Enabled     bool `toml:"enabled"`
	Threshold   int  `toml:"threshold"`
	OpenSeconds int  `toml:"open_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// RuleConfig is one proxy rule keyed by path prefix.
//
// A rule either forwards to a fixed Target or, when Dynamic is set, to the
// absolute URL percent-encoded in the remainder of the path.
type RuleConfig struct {
	Prefix       string        `toml:"prefix"`
	Target       string        `toml:"target"`
	Dynamic      bool          `toml:"dynamic"`
	Rewrite      RewriteConfig `toml:"rewrite"`
	PreserveHost bool          `toml:"preserve_host"`
	StripHeaders []string      `toml:"strip_headers"`
	AllowedHosts []string      `toml:"allowed_hosts"`
}

// RewriteConfig replaces the first match of Pattern in the request path
// with Replacement before forwarding to a static target.
type RewriteConfig struct {
	Pattern     string `toml:"pattern"`
	Replacement string `toml:"replacement"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/devproxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.CircuitBreaker.Threshold < 0 {
		return fmt.Errorf("upstream.circuit_breaker.threshold must be non-negative; got %d", c.Upstream.CircuitBreaker.Threshold)
	}
	if c.Upstream.CircuitBreaker.OpenSeconds < 0 {
		return fmt.Errorf("upstream.circuit_breaker.open_seconds must be non-negative; got %d", c.Upstream.CircuitBreaker.OpenSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if err := c.validateRules(); err != nil {
		return err
	}

	// Metrics path validation (only when metrics are enabled). An unset path
	// is checked as the default it will become.
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p == "" {
			p = defaultMetricsPath
		}
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range ReservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		for _, r := range c.Rules {
			if p == strings.TrimSuffix(r.Prefix, "/") {
				return fmt.Errorf("metrics.path %q conflicts with rule prefix %q", p, r.Prefix)
			}
		}
	}

	return nil
}

func (c *Config) validateRules() error {
	if len(c.Rules) == 0 {
		return fmt.Errorf("at least one [[rules]] entry is required")
	}

	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		field := fmt.Sprintf("rules[%d]", i)

		if r.Prefix == "" || r.Prefix[0] != '/' {
			return fmt.Errorf("%s.prefix must start with '/'; got %q", field, r.Prefix)
		}
		if seen[r.Prefix] {
			return fmt.Errorf("%s.prefix %q is configured more than once", field, r.Prefix)
		}
		seen[r.Prefix] = true

		for _, reserved := range ReservedRoutes {
			if r.Prefix == reserved || strings.HasPrefix(r.Prefix, reserved+"/") {
				return fmt.Errorf("%s.prefix %q conflicts with reserved route %q", field, r.Prefix, reserved)
			}
		}

		switch {
		case r.Dynamic && r.Target != "":
			return fmt.Errorf("%s: target and dynamic are mutually exclusive", field)
		case !r.Dynamic && r.Target == "":
			return fmt.Errorf("%s: either target or dynamic = true is required", field)
		}

		if r.Dynamic {
			if r.Rewrite.Pattern != "" {
				return fmt.Errorf("%s.rewrite is not supported on dynamic rules", field)
			}
			if r.PreserveHost {
				return fmt.Errorf("%s.preserve_host is not supported on dynamic rules", field)
			}
		} else {
			u, err := url.Parse(r.Target)
			if err != nil {
				return fmt.Errorf("%s.target is not a valid URL: %w", field, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("%s.target must use http or https; got %q", field, r.Target)
			}
			if u.Host == "" {
				return fmt.Errorf("%s.target must include a host; got %q", field, r.Target)
			}
			if len(r.AllowedHosts) > 0 {
				return fmt.Errorf("%s.allowed_hosts is only supported on dynamic rules", field)
			}
		}

		if r.Rewrite.Pattern != "" {
			if _, err := regexp.Compile(r.Rewrite.Pattern); err != nil {
				return fmt.Errorf("%s.rewrite.pattern: %w", field, err)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.CORS.Enabled && len(c.Server.CORS.AllowOrigins) == 0 {
		c.Server.CORS.AllowOrigins = []string{"*"}
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.CircuitBreaker.Threshold == 0 {
		c.Upstream.CircuitBreaker.Threshold = 5
	}
	if c.Upstream.CircuitBreaker.OpenSeconds == 0 {
		c.Upstream.CircuitBreaker.OpenSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
}

// Prefixes returns the configured rule prefixes in declaration order.
func (c *Config) Prefixes() []string {
	out := make([]string, 0, len(c.Rules))
	for _, r := range c.Rules {
		out = append(out, r.Prefix)
	}
	return out
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
