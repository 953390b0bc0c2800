// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/stream-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	SigningSecret string `kong:"help='Capability URL signing secret (overrides config).',env='SIGNING_SECRET'"`
	StorageURL    string `kong:"help='Log storage service base URL (overrides config).',env='STORAGE_URL'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Signing  SigningConfig  `toml:"signing"`
	Upstream UpstreamConfig `toml:"upstream"`
	Storage  StorageConfig  `toml:"storage"`
	Connect  ConnectConfig  `toml:"connect"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// SigningConfig holds capability URL signing settings.
type SigningConfig struct {
	// Secret is the HMAC key for capability signatures.
	Secret string `toml:"secret"`
	// DefaultTTLSeconds is the capability lifetime when the caller sends no
	// Stream-Signed-URL-TTL header.
	DefaultTTLSeconds int `toml:"default_ttl_seconds"`
	// MaxTTLSeconds caps caller-requested lifetimes.
	MaxTTLSeconds int `toml:"max_ttl_seconds"`
}

// UpstreamConfig holds upstream forwarding settings.
type UpstreamConfig struct {
	// AllowedHosts is the forwarding allowlist; an Upstream-URL whose host
	// is not listed is rejected.
	AllowedHosts    []string `toml:"allowed_hosts"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	IdleConnections int      `toml:"idle_connections"`
}

// StorageConfig holds log storage service settings. An empty base_url
// selects the in-process store.
type StorageConfig struct {
	BaseURL            string `toml:"base_url"`
	ReadTimeoutSeconds int    `toml:"read_timeout_seconds"`
	IdleConnections    int    `toml:"idle_connections"`
}

// ConnectConfig holds the external connect-handler settings.
type ConnectConfig struct {
	// HandlerURL receives session bootstrap requests with a Stream-Id
	// header. Empty disables the connect action.
	HandlerURL     string `toml:"handler_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/stream-proxy/config.toml then configs/config.toml.
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
	if cli.SigningSecret != "" {
		c.Signing.Secret = cli.SigningSecret
	}
	if cli.StorageURL != "" {
		c.Storage.BaseURL = cli.StorageURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Signing.Secret == "" {
		return fmt.Errorf("signing.secret is required")
	}
	if c.Signing.Secret == "CHANGE_ME" {
		return fmt.Errorf("signing.secret contains placeholder value; generate a real secret")
	}
	if len(c.Signing.Secret) < 16 {
		return fmt.Errorf("signing.secret must be at least 16 bytes; got %d", len(c.Signing.Secret))
	}

	if len(c.Upstream.AllowedHosts) == 0 {
		return fmt.Errorf("upstream.allowed_hosts is required")
	}
	for _, h := range c.Upstream.AllowedHosts {
		if h == "" || strings.ContainsAny(h, "/ ") {
			return fmt.Errorf("upstream.allowed_hosts entry %q is not a hostname", h)
		}
	}

	if c.Storage.BaseURL != "" {
		u, err := url.Parse(c.Storage.BaseURL)
		if err != nil {
			return fmt.Errorf("storage.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("storage.base_url must be http or https; got %q", c.Storage.BaseURL)
		}
	}

	if c.Connect.HandlerURL != "" {
		u, err := url.Parse(c.Connect.HandlerURL)
		if err != nil {
			return fmt.Errorf("connect.handler_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("connect.handler_url must be http or https; got %q", c.Connect.HandlerURL)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Signing.DefaultTTLSeconds < 0 || c.Signing.MaxTTLSeconds < 0 {
		return fmt.Errorf("signing TTLs must be non-negative")
	}
	if c.Signing.MaxTTLSeconds != 0 && c.Signing.DefaultTTLSeconds > c.Signing.MaxTTLSeconds {
		return fmt.Errorf("signing.default_ttl_seconds %d exceeds signing.max_ttl_seconds %d",
			c.Signing.DefaultTTLSeconds, c.Signing.MaxTTLSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
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

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/streams", "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
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
	if c.Signing.DefaultTTLSeconds == 0 {
		c.Signing.DefaultTTLSeconds = 600
	}
	if c.Signing.MaxTTLSeconds == 0 {
		c.Signing.MaxTTLSeconds = 86400
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 300
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Storage.ReadTimeoutSeconds == 0 {
		c.Storage.ReadTimeoutSeconds = 60
	}
	if c.Storage.IdleConnections == 0 {
		c.Storage.IdleConnections = 100
	}
	if c.Connect.TimeoutSeconds == 0 {
		c.Connect.TimeoutSeconds = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// DefaultTTL returns the default capability lifetime.
func (c *SigningConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// MaxTTL returns the maximum caller-requested capability lifetime.
func (c *SigningConfig) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLSeconds) * time.Second
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
