package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"relay-proxy/internal/accesslog"
	"relay-proxy/internal/client"
	"relay-proxy/internal/config"
	"relay-proxy/internal/dispatch"
	"relay-proxy/internal/handler"
	"relay-proxy/internal/metrics"
	"relay-proxy/internal/middleware"
	"relay-proxy/internal/relay"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("relay-proxy"),
		kong.Description("Explicit HTTP forwarding proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newAccessLog,
			client.NewOriginDialer,
			newEngine,
			newDispatcher,
			func(d *dispatch.Dispatcher) handler.Stats { return d },
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(warnConfigPermissions, startProxy, startAdmin),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newAccessLog opens the shared exchange log once; failure aborts startup.
func newAccessLog(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*accesslog.Log, error) {
	l, err := accesslog.Open(cfg.AccessLog.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("access log opened", "path", cfg.AccessLog.Path)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return l.Close() },
	})
	return l, nil
}

func newEngine(cfg *config.Config, d *client.OriginDialer, l *accesslog.Log, logger *slog.Logger, m *metrics.Metrics) *relay.Engine {
	return relay.NewEngine(cfg, d, l, logger, m)
}

func newDispatcher(e *relay.Engine, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *dispatch.Dispatcher {
	return dispatch.New(e, cfg, logger, m)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.MetricsMiddleware(m))

	if cfg.Admin.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Admin.RateLimit))
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startProxy(lc fx.Lifecycle, d *dispatch.Dispatcher, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			if cfg.Server.ProxyProtocol {
				ln = dispatch.ProxyProtocolListener(ln, cfg.Server.ProxyHeaderTimeout())
			}

			fmt.Printf("relay-proxy: started on port %d\n", cfg.Server.Port)
			logger.Info("proxy listening",
				"addr", addr,
				"max_workers", cfg.Server.MaxWorkers,
				"proxy_protocol", cfg.Server.ProxyProtocol,
			)
			go func() {
				if err := d.Serve(ln); err != nil {
					logger.Error("accept loop stopped", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy", "live", d.Live())
			return d.Shutdown(ctx)
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, health *handler.HealthHandler, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	handler.RegisterRoutes(e, health, m, cfg)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("admin server listening", "addr", addr, "metrics_path", cfg.Metrics.Path)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
