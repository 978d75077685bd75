// Package client opens connections to origin servers.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"relay-proxy/internal/config"
	"relay-proxy/internal/metrics"
)

var (
	// ErrResolve is returned when the origin host name cannot be resolved.
	ErrResolve = errors.New("origin host unresolvable")
	// ErrConnect is returned when the origin refuses or does not answer.
	ErrConnect = errors.New("origin connect failed")
)

// OriginDialer opens one fresh TCP connection per request.
type OriginDialer struct {
	dialer  *net.Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewOriginDialer creates an OriginDialer with the configured connect timeout.
// The metrics parameter is optional; pass nil to disable connect metrics.
func NewOriginDialer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginDialer {
	return &OriginDialer{
		dialer: &net.Dialer{
			Timeout:   cfg.Origin.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		},
		logger:  logger.With("component", "origin_dialer"),
		metrics: m,
	}
}

// Dial resolves host and connects to host:port.
func (d *OriginDialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d.logger.Debug("connecting to origin", "addr", addr)

	start := time.Now()
	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if d.metrics != nil {
		d.metrics.OriginConnectDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		reason, sentinel := classify(err)
		if d.metrics != nil {
			d.metrics.OriginConnectFailures.WithLabelValues(reason).Inc()
		}
		return nil, fmt.Errorf("%w: %s: %w", sentinel, addr, err)
	}
	return conn, nil
}

// classify maps a dial error to a metric reason and a sentinel error.
func classify(err error) (string, error) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "resolve", ErrResolve
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", ErrConnect
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", ErrConnect
	}
	return "connect", ErrConnect
}
