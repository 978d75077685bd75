package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file with the
// positional port set.
func cliWithPath(path string) *CLI {
	return &CLI{Port: 15213, Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
max_workers = 16
proxy_protocol = true

[relay]
buffer_size = 4096
max_line_bytes = 2048
body_max_bytes = 5242880
on_malformed = "Skip"

[origin]
connect_timeout_seconds = 3

[access_log]
path = "/var/log/relay-proxy/proxy.log"

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 15213 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 15213)
	}
	if cfg.Server.MaxWorkers != 16 {
		t.Errorf("Server.MaxWorkers = %d, want %d", cfg.Server.MaxWorkers, 16)
	}
	if !cfg.Server.ProxyProtocol {
		t.Error("Server.ProxyProtocol = false, want true")
	}
	if cfg.Relay.BufferSize != 4096 || cfg.Relay.MaxLineBytes != 2048 || cfg.Relay.BodyMaxBytes != 5242880 {
		t.Errorf("Relay = %+v", cfg.Relay)
	}
	if cfg.Relay.OnMalformed != OnMalformedSkip {
		t.Errorf("Relay.OnMalformed = %q, want %q", cfg.Relay.OnMalformed, OnMalformedSkip)
	}
	if got := cfg.Origin.ConnectTimeout(); got != 3*time.Second {
		t.Errorf("Origin.ConnectTimeout() = %v, want 3s", got)
	}
	if cfg.AccessLog.Path != "/var/log/relay-proxy/proxy.log" {
		t.Errorf("AccessLog.Path = %q", cfg.AccessLog.Path)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load(&CLI{Port: 8080})
	if err != nil {
		t.Fatalf("Load() error = %v; running without a config file should be allowed", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Server.MaxWorkers != 256 {
		t.Errorf("default Server.MaxWorkers = %d, want %d", cfg.Server.MaxWorkers, 256)
	}
	if cfg.Relay.BufferSize != 8192 || cfg.Relay.MaxLineBytes != 8192 {
		t.Errorf("default Relay = %+v", cfg.Relay)
	}
	if cfg.Relay.BodyMaxBytes != 1<<30 {
		t.Errorf("default Relay.BodyMaxBytes = %d, want %d", cfg.Relay.BodyMaxBytes, 1<<30)
	}
	if cfg.Relay.OnMalformed != OnMalformedTerminate {
		t.Errorf("default Relay.OnMalformed = %q, want %q", cfg.Relay.OnMalformed, OnMalformedTerminate)
	}
	if cfg.Origin.ConnectTimeoutSeconds != 10 {
		t.Errorf("default Origin.ConnectTimeoutSeconds = %d, want 10", cfg.Origin.ConnectTimeoutSeconds)
	}
	if cfg.AccessLog.Path != "proxy.log" {
		t.Errorf("default AccessLog.Path = %q, want %q", cfg.AccessLog.Path, "proxy.log")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Server.ProxyHeaderTimeoutSeconds != 5 {
		t.Errorf("default Server.ProxyHeaderTimeoutSeconds = %d, want 5", cfg.Server.ProxyHeaderTimeoutSeconds)
	}
	if cfg.Admin.Enabled {
		t.Error("admin server should be disabled by default")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("default Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_ParseError(t *testing.T) {
	path := writeConfig(t, "[server\nport = ")
	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid TOML, got nil")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Errorf("error = %q, want mention of parse", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000
max_workers = 10

[access_log]
path = "from-file.log"

[log]
level = "info"
`)

	cli := &CLI{
		Port:       3000,
		Config:     path,
		Host:       "127.0.0.1",
		LogLevel:   "debug",
		AccessLog:  "from-cli.log",
		MaxWorkers: 2,
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Server.MaxWorkers != 2 {
		t.Errorf("Server.MaxWorkers = %d, want %d (CLI override)", cfg.Server.MaxWorkers, 2)
	}
	if cfg.AccessLog.Path != "from-cli.log" {
		t.Errorf("AccessLog.Path = %q, want %q (CLI override)", cfg.AccessLog.Path, "from-cli.log")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_PortFromFileWithoutCLI(t *testing.T) {
	path := writeConfig(t, "[server]\nport = 8123\n")
	cfg, err := Load(&CLI{Config: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8123)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		cli     *CLI
		data    string
		wantErr string
	}{
		{"port missing", &CLI{}, "", "server.port"},
		{"port too large", &CLI{Port: 70000}, "", "server.port"},
		{"negative max_workers", nil, "[server]\nmax_workers = -1\n", "server.max_workers"},
		{"negative buffer", nil, "[relay]\nbuffer_size = -1\n", "relay.buffer_size"},
		{"tiny line bound", nil, "[relay]\nmax_line_bytes = 8\n", "relay.max_line_bytes"},
		{"negative body max", nil, "[relay]\nbody_max_bytes = -1\n", "relay.body_max_bytes"},
		{"unknown malformed policy", nil, "[relay]\non_malformed = \"ignore\"\n", "relay.on_malformed"},
		{"negative connect timeout", nil, "[origin]\nconnect_timeout_seconds = -5\n", "origin.connect_timeout_seconds"},
		{"invalid log level", nil, "[log]\nlevel = \"verbose\"\n", "log.level"},
		{"invalid log format", nil, "[log]\nformat = \"xml\"\n", "log.format"},
		{"negative proxy header timeout", nil, "[server]\nproxy_header_timeout_seconds = -1\n", "server.proxy_header_timeout_seconds"},
		{"rate limit without rps", nil, "[server.rate_limit]\nenabled = true\n", "requests_per_second"},
		{"negative burst", nil, "[server.rate_limit]\nburst = -1\n", "burst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := tt.cli
			if cli == nil {
				cli = cliWithPath(writeConfig(t, tt.data))
			}
			_, err := Load(cli)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
	if cfg.Server.RateLimit.Burst != 50 {
		t.Errorf("default RateLimit.Burst = %d, want 50", cfg.Server.RateLimit.Burst)
	}
}

func TestLoad_RateLimitConfig_Disabled(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, "")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = false by default")
	}
	if cfg.Server.RateLimit.Burst != 0 {
		t.Errorf("RateLimit.Burst = %d, want 0 when disabled", cfg.Server.RateLimit.Burst)
	}
}

func TestLoad_AdminDefaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, "[admin]\nenabled = true\n")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Admin.Addr(); got != "127.0.0.1:9090" {
		t.Errorf("Admin.Addr() = %q, want %q", got, "127.0.0.1:9090")
	}
}

func TestLoad_AdminPortConflict(t *testing.T) {
	path := writeConfig(t, "[admin]\nenabled = true\nport = 15213\n")
	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for admin port equal to proxy port, got nil")
	}
	if !strings.Contains(err.Error(), "conflicts") {
		t.Errorf("error = %q, want mention of conflict", err)
	}
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	path := writeConfig(t, `
[admin]
enabled = true

[metrics]
path = "metrics"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics.path without leading slash, got nil")
	}
	if !strings.Contains(err.Error(), "metrics.path") {
		t.Errorf("error = %q, want mention of metrics.path", err)
	}
}

func TestLoad_MetricsPathConflictsWithAdminRoute(t *testing.T) {
	for _, p := range []string{"/healthz", "/healthz/metrics", "/proxy/status"} {
		t.Run(p, func(t *testing.T) {
			path := writeConfig(t, `
[admin]
enabled = true

[metrics]
path = "`+p+`"
`)
			_, err := Load(cliWithPath(path))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", p)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_AdminDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, `
[admin]
enabled = false

[metrics]
path = "bad-no-slash"
`)

	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v; disabled admin server should skip path validation", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "[server]\nport = 1\n")
	path2 := writeConfig(t, "[server]\nport = 2\n")

	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path1, path2}); got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
