// Package config handles CLI parsing targets and TOML configuration loading.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/relay-proxy/config.toml",
	"configs/config.toml",
}

const defaultAdminPort = 9090

// Malformed request policies.
const (
	OnMalformedTerminate = "terminate"
	OnMalformedSkip      = "skip"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Port int `kong:"arg,required,help='Port to listen on for proxy clients.'"`

	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	AccessLog  string `kong:"help='Access log path (overrides config).',env='ACCESS_LOG'"`
	MaxWorkers int    `kong:"help='Maximum concurrent client connections (overrides config).',env='MAX_WORKERS'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Relay     RelayConfig     `toml:"relay"`
	Origin    OriginConfig    `toml:"origin"`
	AccessLog AccessLogConfig `toml:"access_log"`
	Log       LogConfig       `toml:"log"`
	Admin     AdminConfig     `toml:"admin"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds proxy listener and admission settings.
type ServerConfig struct {
	Host                      string          `toml:"host"`
	Port                      int             `toml:"port"`
	MaxWorkers                int             `toml:"max_workers"`
	ProxyProtocol             bool            `toml:"proxy_protocol"`
	ProxyHeaderTimeoutSeconds int             `toml:"proxy_header_timeout_seconds"`
	RateLimit                 RateLimitConfig `toml:"rate_limit"`
}

// ProxyHeaderTimeout returns how long a PROXY protocol header may take to arrive.
func (s ServerConfig) ProxyHeaderTimeout() time.Duration {
	return time.Duration(s.ProxyHeaderTimeoutSeconds) * time.Second
}

// RateLimitConfig controls token-bucket admission of new connections or requests.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// RelayConfig holds per-connection relay settings.
type RelayConfig struct {
	BufferSize   int    `toml:"buffer_size"`
	MaxLineBytes int    `toml:"max_line_bytes"`
	BodyMaxBytes int64  `toml:"body_max_bytes"`
	OnMalformed  string `toml:"on_malformed"`
}

// OriginConfig holds origin connection settings.
type OriginConfig struct {
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
}

// ConnectTimeout returns the origin connect timeout as a duration.
func (o OriginConfig) ConnectTimeout() time.Duration {
	return time.Duration(o.ConnectTimeoutSeconds) * time.Second
}

// AccessLogConfig holds the shared exchange log settings.
type AccessLogConfig struct {
	Path string `toml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Enabled   bool            `toml:"enabled"`
	Host      string          `toml:"host"`
	Port      int             `toml:"port"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Path string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/relay-proxy/config.toml then configs/config.toml; running without a
// file is allowed and yields the defaults.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
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

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.AccessLog != "" {
		c.AccessLog.Path = cli.AccessLog
	}
	if cli.MaxWorkers != 0 {
		c.Server.MaxWorkers = cli.MaxWorkers
	}
}

func (c *Config) validate() error {
	// Listener: the port is required, normally from the positional argument.
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1–65535; got %d", c.Server.Port)
	}
	if c.Server.MaxWorkers < 0 {
		return fmt.Errorf("server.max_workers must be non-negative; got %d", c.Server.MaxWorkers)
	}
	if c.Server.ProxyHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("server.proxy_header_timeout_seconds must be non-negative; got %d", c.Server.ProxyHeaderTimeoutSeconds)
	}
	if err := c.Server.RateLimit.validate("server.rate_limit"); err != nil {
		return err
	}

	// Relay bounds.
	if c.Relay.BufferSize < 0 {
		return fmt.Errorf("relay.buffer_size must be non-negative; got %d", c.Relay.BufferSize)
	}
	if c.Relay.MaxLineBytes < 0 || (c.Relay.MaxLineBytes > 0 && c.Relay.MaxLineBytes < 64) {
		return fmt.Errorf("relay.max_line_bytes must be at least 64; got %d", c.Relay.MaxLineBytes)
	}
	if c.Relay.BodyMaxBytes < 0 {
		return fmt.Errorf("relay.body_max_bytes must be non-negative; got %d", c.Relay.BodyMaxBytes)
	}
	switch strings.ToLower(c.Relay.OnMalformed) {
	case OnMalformedTerminate, OnMalformedSkip, "":
		// valid
	default:
		return fmt.Errorf("relay.on_malformed must be one of: terminate, skip; got %q", c.Relay.OnMalformed)
	}

	if c.Origin.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("origin.connect_timeout_seconds must be non-negative; got %d", c.Origin.ConnectTimeoutSeconds)
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

	// Admin server (only when enabled).
	if c.Admin.Enabled {
		if c.Admin.Port < 0 || c.Admin.Port > 65535 {
			return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
		}
		adminPort := c.Admin.Port
		if adminPort == 0 {
			adminPort = defaultAdminPort
		}
		if adminPort == c.Server.Port {
			return fmt.Errorf("admin.port %d conflicts with the proxy listener", adminPort)
		}
		if err := c.Admin.RateLimit.validate("admin.rate_limit"); err != nil {
			return err
		}
		if p := c.Metrics.Path; p != "" {
			if p[0] != '/' {
				return fmt.Errorf("metrics.path must start with '/'; got %q", p)
			}
			for _, reserved := range []string{"/healthz", "/proxy/status"} {
				if p == reserved || strings.HasPrefix(p, reserved+"/") {
					return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
				}
			}
		}
	}

	return nil
}

func (r RateLimitConfig) validate(section string) error {
	if r.Enabled && r.RequestsPerSecond <= 0 {
		return fmt.Errorf("%s.requests_per_second must be > 0 when rate limiting is enabled; got %v", section, r.RequestsPerSecond)
	}
	if r.Burst < 0 {
		return fmt.Errorf("%s.burst must be non-negative; got %d", section, r.Burst)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.MaxWorkers == 0 {
		c.Server.MaxWorkers = 256
	}
	if c.Server.ProxyHeaderTimeoutSeconds == 0 {
		c.Server.ProxyHeaderTimeoutSeconds = 5
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = max(1, int(c.Server.RateLimit.RequestsPerSecond))
	}
	if c.Relay.BufferSize == 0 {
		c.Relay.BufferSize = 8192
	}
	if c.Relay.MaxLineBytes == 0 {
		c.Relay.MaxLineBytes = 8192
	}
	if c.Relay.BodyMaxBytes == 0 {
		c.Relay.BodyMaxBytes = 1 << 30 // 1 GiB
	}
	if c.Relay.OnMalformed == "" {
		c.Relay.OnMalformed = OnMalformedTerminate
	}
	c.Relay.OnMalformed = strings.ToLower(c.Relay.OnMalformed)
	if c.Origin.ConnectTimeoutSeconds == 0 {
		c.Origin.ConnectTimeoutSeconds = 10
	}
	if c.AccessLog.Path == "" {
		c.AccessLog.Path = "proxy.log"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = defaultAdminPort
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

// Addr returns the proxy listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
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
