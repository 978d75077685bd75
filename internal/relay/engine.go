// Package relay implements the per-connection worker that forwards HTTP
// exchanges between one client connection and fresh origin connections.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"relay-proxy/internal/config"
	"relay-proxy/internal/metrics"
	"relay-proxy/internal/model"
	"relay-proxy/internal/rio"
)

// ErrBodyTooLarge is returned when a Content-Length exceeds relay.body_max_bytes.
var ErrBodyTooLarge = errors.New("body exceeds configured maximum")

// Dialer opens a connection to an origin server.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (net.Conn, error)
}

// ExchangeLog receives one record per completed exchange.
type ExchangeLog interface {
	Append(rec model.Exchange) error
}

// Engine holds the settings and collaborators shared by all workers. It has
// no per-connection state and is safe for concurrent use.
type Engine struct {
	dialer  Dialer
	log     ExchangeLog
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	bufferSize    int
	maxLine       int
	bodyMax       int64
	skipMalformed bool
}

// NewEngine creates an Engine. The metrics parameter is optional.
func NewEngine(cfg *config.Config, d Dialer, log ExchangeLog, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		dialer:        d,
		log:           log,
		logger:        logger.With("component", "relay"),
		metrics:       m,
		now:           time.Now,
		bufferSize:    cfg.Relay.BufferSize,
		maxLine:       cfg.Relay.MaxLineBytes,
		bodyMax:       cfg.Relay.BodyMaxBytes,
		skipMalformed: cfg.Relay.OnMalformed == config.OnMalformedSkip,
	}
}

// Serve runs the worker loop for conn until the client closes its side, an
// unrecoverable error occurs, or ctx is canceled. conn is always closed on
// return. A nil error means the client ended the connection cleanly.
func (e *Engine) Serve(ctx context.Context, conn net.Conn) error {
	w := &worker{
		engine:   e,
		ctx:      ctx,
		client:   conn,
		clientIn: rio.NewReader(conn, e.bufferSize),
		chunk:    make([]byte, max(e.bufferSize, 512)),
		logger: e.logger.With(
			"conn_id", uuid.NewString(),
			"client", conn.RemoteAddr().String(),
		),
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer w.close()

	w.logger.Debug("worker started")
	return w.run()
}

func (e *Engine) protocolError(kind string) {
	if e.metrics != nil {
		e.metrics.ProtocolErrors.WithLabelValues(kind).Inc()
	}
}

func (e *Engine) record(rec model.Exchange) {
	if e.metrics == nil {
		return
	}
	e.metrics.ExchangesTotal.WithLabelValues(metrics.NormalizeMethod(rec.Method)).Inc()
	e.metrics.BytesRelayed.WithLabelValues(metrics.DirectionRequest).Add(float64(rec.RequestBytes))
	e.metrics.BytesRelayed.WithLabelValues(metrics.DirectionResponse).Add(float64(rec.ResponseBytes))
}
