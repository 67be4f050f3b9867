// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/rewrite-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes cannot be used as proxy endpoints or the metrics path.
var reservedRoutes = []string{"/", "/index.html", "/healthz", "/status"}

// DefaultUserAgent is sent upstream when the user agent mode is "substitute".
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// User agent modes.
const (
	UserAgentSubstitute = "substitute"
	UserAgentForward    = "forward"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	UserAgentMode string `kong:"help='Upstream User-Agent policy: substitute|forward (overrides config).',env='USER_AGENT_MODE'"`
	Egress        string `kong:"help='SOCKS5 egress proxy URL, e.g. socks5://127.0.0.1:1080 (overrides config).',env='EGRESS'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Render   RenderConfig   `toml:"render"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	UserAgentMode   string `toml:"user_agent_mode"`
	UserAgent       string `toml:"user_agent"`
	Egress          string `toml:"egress"`
}

// ProxyConfig holds the public endpoint paths.
type ProxyConfig struct {
	Endpoint       string `toml:"endpoint"`
	BrowseEndpoint string `toml:"browse_endpoint"`
}

// RewriteConfig tunes the HTML rewriter.
type RewriteConfig struct {
	MaxTokenBytes    int   `toml:"max_token_bytes"`
	InjectFormTarget *bool `toml:"inject_form_target"`
}

// RenderConfig points at a managed headless-browser service.
type RenderConfig struct {
	Enabled        bool   `toml:"enabled"`
	URL            string `toml:"url"`
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
// /etc/rewrite-proxy/config.toml then configs/config.toml. Unlike an explicit
// path, a missing search-path file is not an error: defaults are used.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

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
	if cli.UserAgentMode != "" {
		c.Upstream.UserAgentMode = cli.UserAgentMode
	}
	if cli.Egress != "" {
		c.Upstream.Egress = cli.Egress
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
	if c.Rewrite.MaxTokenBytes < 0 {
		return fmt.Errorf("rewrite.max_token_bytes must be non-negative; got %d", c.Rewrite.MaxTokenBytes)
	}
	if c.Render.TimeoutSeconds < 0 {
		return fmt.Errorf("render.timeout_seconds must be non-negative; got %d", c.Render.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Upstream.UserAgentMode) {
	case UserAgentSubstitute, UserAgentForward, "":
	default:
		return fmt.Errorf("upstream.user_agent_mode must be one of: substitute, forward; got %q", c.Upstream.UserAgentMode)
	}

	if c.Upstream.Egress != "" {
		u, err := url.Parse(c.Upstream.Egress)
		if err != nil {
			return fmt.Errorf("upstream.egress is not a valid URL: %w", err)
		}
		if u.Scheme != "socks5" || u.Host == "" {
			return fmt.Errorf("upstream.egress must be socks5://host:port; got %q", c.Upstream.Egress)
		}
	}

	// Endpoint paths.
	for name, p := range map[string]string{
		"proxy.endpoint":        c.Proxy.Endpoint,
		"proxy.browse_endpoint": c.Proxy.BrowseEndpoint,
	} {
		if err := checkRoute(name, p); err != nil {
			return err
		}
	}
	if ep := orDefault(c.Proxy.Endpoint, "/proxy"); ep == orDefault(c.Proxy.BrowseEndpoint, "/browse") {
		return fmt.Errorf("proxy.endpoint and proxy.browse_endpoint must differ; both are %q", ep)
	}

	if c.Render.Enabled {
		if c.Render.URL == "" {
			return fmt.Errorf("render.url is required when rendering is enabled")
		}
		u, err := url.Parse(c.Render.URL)
		if err != nil {
			return fmt.Errorf("render.url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("render.url must use http or https; got %q", c.Render.URL)
		}
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

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		if err := checkRoute("metrics.path", c.Metrics.Path); err != nil {
			return err
		}
		for _, ep := range []string{orDefault(c.Proxy.Endpoint, "/proxy"), orDefault(c.Proxy.BrowseEndpoint, "/browse")} {
			if c.Metrics.Path == ep {
				return fmt.Errorf("metrics.path %q conflicts with proxy endpoint", c.Metrics.Path)
			}
		}
	}

	return nil
}

// checkRoute validates an optional route path against the reserved routes.
func checkRoute(name, p string) error {
	if p == "" {
		return nil
	}
	if p[0] != '/' {
		return fmt.Errorf("%s must start with '/'; got %q", name, p)
	}
	for _, reserved := range reservedRoutes {
		if p == reserved {
			return fmt.Errorf("%s %q conflicts with reserved route %q", name, p, reserved)
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	c.Upstream.UserAgentMode = strings.ToLower(c.Upstream.UserAgentMode)
	if c.Upstream.UserAgentMode == "" {
		c.Upstream.UserAgentMode = UserAgentSubstitute
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = DefaultUserAgent
	}
	if c.Proxy.Endpoint == "" {
		c.Proxy.Endpoint = "/proxy"
	}
	if c.Proxy.BrowseEndpoint == "" {
		c.Proxy.BrowseEndpoint = "/browse"
	}
	if c.Rewrite.MaxTokenBytes == 0 {
		c.Rewrite.MaxTokenBytes = 8 * 1024 * 1024
	}
	if c.Rewrite.InjectFormTarget == nil {
		inject := true
		c.Rewrite.InjectFormTarget = &inject
	}
	if c.Render.TimeoutSeconds == 0 {
		c.Render.TimeoutSeconds = 30
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

// FormTargetInjection reports whether GET forms get a hidden target field.
func (c *RewriteConfig) FormTargetInjection() bool {
	return c.InjectFormTarget == nil || *c.InjectFormTarget
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		logger.Info("no config file found; using defaults", "searched", configSearchPaths)
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
