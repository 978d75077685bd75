// Package dispatch accepts client connections and runs each admitted one in
// its own worker goroutine, bounded by a live-worker cap.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"relay-proxy/internal/config"
	"relay-proxy/internal/metrics"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Handler serves one client connection until it ends. Implementations own
// conn and must close it before returning.
type Handler interface {
	Serve(ctx context.Context, conn net.Conn) error
}

// Dispatcher is the accept loop and worker supervisor.
type Dispatcher struct {
	handler  Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	capacity int64

	live     atomic.Int64
	closing  atomic.Bool
	workers  sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	listener net.Listener
}

// New creates a Dispatcher. The metrics parameter is optional.
func New(h Handler, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		handler:  h,
		logger:   logger.With("component", "dispatch"),
		metrics:  m,
		capacity: int64(cfg.Server.MaxWorkers),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	if rl := cfg.Server.RateLimit; rl.Enabled {
		d.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.Burst)
	}
	return d
}

// Live returns the number of running workers.
func (d *Dispatcher) Live() int64 { return d.live.Load() }

// Capacity returns the live-worker cap. Zero means unlimited.
func (d *Dispatcher) Capacity() int64 { return d.capacity }

// Serve accepts connections on ln until it is closed. It returns nil after
// Shutdown and the accept error otherwise.
func (d *Dispatcher) Serve(ln net.Listener) error {
	d.mu.Lock()
	if d.closing.Load() {
		d.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	d.listener = ln
	d.mu.Unlock()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if !temporary(err) {
				return fmt.Errorf("accept: %w", err)
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			d.logger.Warn("accept failed, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if reason, ok := d.admit(); !ok {
			d.reject(conn, reason)
			continue
		}
		d.spawn(conn)
	}
}

// admit reserves a worker slot or reports why the connection is refused.
func (d *Dispatcher) admit() (string, bool) {
	if d.limiter != nil && !d.limiter.Allow() {
		return metrics.ResultRejectedRate, false
	}
	for {
		n := d.live.Load()
		if d.capacity > 0 && n >= d.capacity {
			return metrics.ResultRejectedCap, false
		}
		if d.live.CompareAndSwap(n, n+1) {
			return metrics.ResultAccepted, true
		}
	}
}

func (d *Dispatcher) reject(conn net.Conn, reason string) {
	_ = conn.Close()
	d.logger.Warn("connection rejected",
		"peer", transportAddr(conn),
		"reason", reason,
		"live", d.live.Load(),
	)
	if d.metrics != nil {
		d.metrics.ConnectionsTotal.WithLabelValues(reason).Inc()
	}
}

func (d *Dispatcher) spawn(conn net.Conn) {
	if d.metrics != nil {
		d.metrics.ConnectionsTotal.WithLabelValues(metrics.ResultAccepted).Inc()
		d.metrics.WorkersActive.Inc()
	}
	live := d.live.Load()

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		defer d.release()
		defer func() {
			if r := recover(); r != nil {
				_ = conn.Close()
				if d.metrics != nil {
					d.metrics.WorkerPanics.Inc()
				}
				d.logger.Error("worker panic",
					"client", conn.RemoteAddr().String(),
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()

		// RemoteAddr may block on a PROXY header, so it is only read here.
		d.logger.Debug("connection accepted", "client", conn.RemoteAddr().String(), "live", live)
		if err := d.handler.Serve(d.baseCtx, conn); err != nil {
			d.logger.Info("connection closed with error", "client", conn.RemoteAddr().String(), "err", err)
		}
	}()
}

func (d *Dispatcher) release() {
	d.live.Add(-1)
	if d.metrics != nil {
		d.metrics.WorkersActive.Dec()
	}
}

// Shutdown stops accepting and waits for workers to finish. When ctx expires
// first, the remaining connections are force-closed and ctx's error is
// returned once every worker has exited.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing.Store(true)
	ln := d.listener
	d.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close listener: %w", cerr))
		}
	}

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
	case <-ctx.Done():
		d.logger.Warn("shutdown deadline reached, closing connections", "live", d.live.Load())
		d.cancel()
		<-done
		err = multierr.Append(err, ctx.Err())
	}
	return err
}

// temporary reports whether an accept error is worth retrying.
func temporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNABORTED, syscall.ECONNRESET, syscall.EMFILE,
		syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
