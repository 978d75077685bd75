package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	humanize "github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"relay-proxy/internal/httpmsg"
	"relay-proxy/internal/model"
	"relay-proxy/internal/rio"
)

type state int

const (
	stateAwaitRequestLine state = iota
	stateForwardHeaders
	stateForwardBody
	stateAwaitResponseHeaders
	stateForwardResponseBody
	stateLogged
	stateTerminate
)

var stateNames = [...]string{
	stateAwaitRequestLine:     "await_request_line",
	stateForwardHeaders:       "forward_headers",
	stateForwardBody:          "forward_body",
	stateAwaitResponseHeaders: "await_response_headers",
	stateForwardResponseBody:  "forward_response_body",
	stateLogged:               "logged",
	stateTerminate:            "terminate",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Canned replies for requests the proxy cannot forward.
var (
	replyBadRequestClose = []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	replyBadRequest      = []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")
	replyBadGateway      = []byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
)

// worker owns one client connection and at most one origin connection.
type worker struct {
	engine *Engine
	ctx    context.Context
	logger *slog.Logger

	client   net.Conn
	clientIn *rio.Reader

	origin     net.Conn
	originIn   *rio.Reader
	stopOrigin func() bool

	chunk []byte

	// Per-exchange state, reset in awaitRequestLine.
	req           *httpmsg.RequestLine
	contentLength int64
	status        int
	requestBytes  int64
	responseBytes int64
}

func (w *worker) run() error {
	st := stateAwaitRequestLine
	for {
		var (
			next state
			err  error
		)
		switch st {
		case stateAwaitRequestLine:
			next, err = w.awaitRequestLine()
		case stateForwardHeaders:
			next, err = w.forwardHeaders()
		case stateForwardBody:
			next, err = w.forwardBody()
		case stateAwaitResponseHeaders:
			next, err = w.awaitResponseHeaders()
		case stateForwardResponseBody:
			next, err = w.forwardResponseBody()
		case stateLogged:
			next, err = w.logged()
		case stateTerminate:
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", st, err)
		}
		st = next
	}
}

func (w *worker) awaitRequestLine() (state, error) {
	w.req, w.contentLength, w.status = nil, 0, 0
	w.requestBytes, w.responseBytes = 0, 0

	rl, err := httpmsg.ParseRequestLine(w.clientIn, w.engine.maxLine)
	switch {
	case err == io.EOF:
		w.logger.Debug("client closed connection")
		return stateTerminate, nil
	case errors.Is(err, httpmsg.ErrMalformed), errors.Is(err, httpmsg.ErrLineTooLong):
		return w.malformed(err)
	case err != nil:
		return stateTerminate, err
	}

	w.req = rl
	w.logger.Debug("request", "method", rl.Method, "uri", rl.URI)

	conn, err := w.engine.dialer.Dial(w.ctx, rl.Host, rl.Port)
	if err != nil {
		w.logger.Error("origin connect failed", "origin", rl.Addr(), "err", err)
		_, _ = rio.WriteFull(w.client, replyBadGateway)
		return stateTerminate, err
	}
	w.origin = conn
	w.originIn = rio.NewReader(conn, w.engine.bufferSize)
	w.stopOrigin = context.AfterFunc(w.ctx, func() { _ = conn.Close() })
	return stateForwardHeaders, nil
}

// malformed applies the configured policy to an unparsable request line.
func (w *worker) malformed(cause error) (state, error) {
	w.engine.protocolError("malformed_request")
	if !w.engine.skipMalformed {
		_, _ = rio.WriteFull(w.client, replyBadRequestClose)
		return stateTerminate, cause
	}

	w.logger.Warn("skipping malformed request", "err", cause)
	for {
		h, err := httpmsg.ReadHeaderLine(w.clientIn, w.engine.maxLine)
		if err != nil {
			return stateTerminate, err
		}
		if h.Terminator {
			break
		}
	}
	if _, err := rio.WriteFull(w.client, replyBadRequest); err != nil {
		return stateTerminate, err
	}
	return stateAwaitRequestLine, nil
}

func (w *worker) forwardHeaders() (state, error) {
	line := w.req.OutboundLine()
	if _, err := rio.WriteFull(w.origin, line); err != nil {
		return stateTerminate, fmt.Errorf("write request line: %w", err)
	}
	w.requestBytes += int64(len(line))

	n, err := w.relayHeaders(w.clientIn, w.origin, &w.requestBytes)
	if err != nil {
		return stateTerminate, err
	}
	w.contentLength = n
	return stateForwardBody, nil
}

func (w *worker) forwardBody() (state, error) {
	if err := w.relayBody(w.clientIn, w.origin, w.contentLength, &w.requestBytes); err != nil {
		return stateTerminate, err
	}
	return stateAwaitResponseHeaders, nil
}

func (w *worker) awaitResponseHeaders() (state, error) {
	for {
		line, err := httpmsg.ReadStatusLine(w.originIn, w.engine.maxLine)
		if err != nil {
			if w.responseBytes == 0 {
				_, _ = rio.WriteFull(w.client, replyBadGateway)
			}
			return stateTerminate, err
		}
		if _, err := rio.WriteFull(w.client, line); err != nil {
			return stateTerminate, fmt.Errorf("write status line: %w", err)
		}
		w.responseBytes += int64(len(line))
		w.status = httpmsg.StatusCode(line)

		n, err := w.relayHeaders(w.originIn, w.client, &w.responseBytes)
		if err != nil {
			return stateTerminate, err
		}
		w.contentLength = n

		// Interim responses are followed by the final one.
		if w.status < 100 || w.status >= 200 || w.status == 101 {
			break
		}
	}
	return stateForwardResponseBody, nil
}

func (w *worker) forwardResponseBody() (state, error) {
	if !httpmsg.ResponseHasBody(w.req.Method, w.status) {
		return stateLogged, nil
	}
	if err := w.relayBody(w.originIn, w.client, w.contentLength, &w.responseBytes); err != nil {
		return stateTerminate, err
	}
	return stateLogged, nil
}

func (w *worker) logged() (state, error) {
	if err := w.closeOrigin(); err != nil {
		w.logger.Debug("closing origin", "err", err)
	}

	rec := model.Exchange{
		Time:          w.engine.now(),
		ClientAddr:    w.client.RemoteAddr(),
		Method:        w.req.Method,
		URI:           w.req.URI,
		Host:          w.req.Host,
		Port:          w.req.Port,
		RequestBytes:  w.requestBytes,
		ResponseBytes: w.responseBytes,
	}
	if err := w.engine.log.Append(rec); err != nil {
		w.logger.Error("access log append failed", "err", err)
	}
	w.engine.record(rec)

	w.logger.Debug("exchange complete",
		"uri", rec.URI,
		"status", w.status,
		"sent", humanize.Bytes(uint64(rec.RequestBytes)),
		"received", humanize.Bytes(uint64(rec.ResponseBytes)),
		"total", humanize.Bytes(uint64(rec.TotalBytes())),
	)
	return stateAwaitRequestLine, nil
}

// relayHeaders copies header lines from src to dst up to and including the
// terminator and returns the last Content-Length seen (0 if none).
func (w *worker) relayHeaders(src *rio.Reader, dst io.Writer, counter *int64) (int64, error) {
	var contentLength int64
	for {
		h, err := httpmsg.ReadHeaderLine(src, w.engine.maxLine)
		if err != nil {
			w.classify(err)
			return 0, err
		}
		if h.HasContentLength {
			if h.ContentLength > w.engine.bodyMax {
				w.engine.protocolError("body_too_large")
				return 0, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, h.ContentLength, w.engine.bodyMax)
			}
			contentLength = h.ContentLength
		}
		if _, err := rio.WriteFull(dst, h.Raw); err != nil {
			return 0, fmt.Errorf("write header: %w", err)
		}
		*counter += int64(len(h.Raw))
		if h.Terminator {
			return contentLength, nil
		}
	}
}

// relayBody copies exactly n bytes from src to dst in chunks.
func (w *worker) relayBody(src *rio.Reader, dst io.Writer, n int64, counter *int64) error {
	for n > 0 {
		size := int64(len(w.chunk))
		if n < size {
			size = n
		}
		got, err := src.ReadFull(w.chunk[:size])
		if got > 0 {
			if _, werr := rio.WriteFull(dst, w.chunk[:got]); werr != nil {
				return fmt.Errorf("write body: %w", werr)
			}
			*counter += int64(got)
			n -= int64(got)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				w.engine.protocolError("short_body")
				return fmt.Errorf("read body: %d bytes missing: %w", n, io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("read body: %w", err)
		}
	}
	return nil
}

func (w *worker) classify(err error) {
	switch {
	case errors.Is(err, httpmsg.ErrMissingTerminator):
		w.engine.protocolError("missing_terminator")
	case errors.Is(err, httpmsg.ErrInvalidContentLength):
		w.engine.protocolError("invalid_content_length")
	case errors.Is(err, httpmsg.ErrLineTooLong):
		w.engine.protocolError("line_too_long")
	}
}

func (w *worker) closeOrigin() error {
	if w.origin == nil {
		return nil
	}
	w.stopOrigin()
	err := w.origin.Close()
	w.origin, w.originIn, w.stopOrigin = nil, nil, nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (w *worker) close() {
	err := w.closeOrigin()
	if cerr := w.client.Close(); !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	if err != nil {
		w.logger.Debug("worker teardown", "err", err)
	}
	w.logger.Debug("worker finished")
}
