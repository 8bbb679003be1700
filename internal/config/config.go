// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/lmstudio-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIKey      string `kong:"help='Proxy API key, sk-... (overrides config).',env='PROXY_API_KEY'"`
	LMStudioURL string `kong:"help='LM Studio base URL (overrides config).',env='LM_STUDIO_URL'"`
	AllowedIPs  string `kong:"help='Comma-separated IP/CIDR allow-list (overrides config).',env='ALLOWED_IPS'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is loaded once at
// startup and never mutated afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Access   AccessConfig   `toml:"access"`
	LMStudio LMStudioConfig `toml:"lmstudio"`
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

// AuthConfig holds the bearer credential callers must present.
type AuthConfig struct {
	APIKey string `toml:"api_key"`
}

// AccessConfig holds the client IP admission settings.
//
// An empty allow-list disables IP filtering entirely (accept-all). This is an
// intentional insecure default for local development; production deployments
// should set allowed_ips or rely on the API key alone.
//
// TrustLoopback admits loopback sources (127.0.0.0/8, ::1) regardless of the
// allow-list. A localhost tunnel daemon (e.g. cloudflared) relays every
// external caller through loopback, so IP filtering cannot see the true
// origin there and authentication is the only effective control. The bypass
// is on by default and can be disabled for strict deployments.
type AccessConfig struct {
	AllowedIPs    []string `toml:"allowed_ips"`
	TrustLoopback *bool    `toml:"trust_loopback"`
}

// LMStudioConfig holds upstream connection settings.
type LMStudioConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
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
// /etc/lmstudio-proxy/config.toml then configs/config.toml.
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

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
	if cli.APIKey != "" {
		c.Auth.APIKey = cli.APIKey
	}
	if cli.LMStudioURL != "" {
		c.LMStudio.BaseURL = cli.LMStudioURL
	}
	if cli.AllowedIPs != "" {
		c.Access.AllowedIPs = nil
		for _, e := range strings.Split(cli.AllowedIPs, ",") {
			if e = strings.TrimSpace(e); e != "" {
				c.Access.AllowedIPs = append(c.Access.AllowedIPs, e)
			}
		}
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// The proxy credential must itself satisfy the format callers are held to.
	if c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required")
	}
	if !strings.HasPrefix(c.Auth.APIKey, "sk-") {
		return fmt.Errorf("auth.api_key must start with %q", "sk-")
	}
	if len(c.Auth.APIKey) < 10 {
		return fmt.Errorf("auth.api_key must be at least 10 characters; got %d", len(c.Auth.APIKey))
	}

	// Upstream URL: required, http or https (LM Studio usually serves plain
	// HTTP on the loopback interface).
	u, err := url.Parse(c.LMStudio.BaseURL)
	if err != nil {
		return fmt.Errorf("lmstudio.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("lmstudio.base_url must use http or https; got %q", c.LMStudio.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("lmstudio.base_url has no host; got %q", c.LMStudio.BaseURL)
	}

	// Allow-list entries must parse as an address or a CIDR block. Catching
	// typos here beats silently never matching at request time.
	for _, entry := range c.Access.AllowedIPs {
		if strings.Contains(entry, "/") {
			if _, err := netip.ParsePrefix(entry); err != nil {
				return fmt.Errorf("access.allowed_ips entry %q is not a valid CIDR: %w", entry, err)
			}
		} else if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("access.allowed_ips entry %q is not a valid IP address: %w", entry, err)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.LMStudio.TimeoutSeconds < 0 {
		return fmt.Errorf("lmstudio.timeout_seconds must be non-negative; got %d", c.LMStudio.TimeoutSeconds)
	}
	if c.LMStudio.IdleConnections < 0 {
		return fmt.Errorf("lmstudio.idle_connections must be non-negative; got %d", c.LMStudio.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled). The catch-all
	// proxy route forwards everything except /health, so the metrics path
	// carves a second reserved path out of the upstream's namespace.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/health" || strings.HasPrefix(p, "/health/") {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/health")
		}
		if p == "/v1" || strings.HasPrefix(p, "/v1/") {
			return fmt.Errorf("metrics.path %q shadows the proxied API under %q", p, "/v1")
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
		c.Server.BodyMaxBytes = 100 * 1024 * 1024 // 100 MB; chat payloads with attachments get large
	}
	if c.LMStudio.BaseURL == "" {
		c.LMStudio.BaseURL = "http://127.0.0.1:1234"
	}
	if c.LMStudio.TimeoutSeconds == 0 {
		c.LMStudio.TimeoutSeconds = 100 // matches the Cloudflare edge's own origin budget
	}
	if c.LMStudio.IdleConnections == 0 {
		c.LMStudio.IdleConnections = 100
	}
	if c.Access.TrustLoopback == nil {
		t := true
		c.Access.TrustLoopback = &t
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

// TrustLoopback reports whether loopback sources bypass the allow-list.
func (c *Config) TrustLoopback() bool {
	return c.Access.TrustLoopback == nil || *c.Access.TrustLoopback
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
