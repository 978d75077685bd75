// Package httpmsg parses HTTP/1.x request lines, status lines and header
// lines one line at a time. Nothing is buffered beyond the current line.
package httpmsg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxLineLen bounds a single request, status or header line.
const DefaultMaxLineLen = 8192

// DefaultPort is used when the target URI carries no port.
const DefaultPort = 80

// OutboundVersion is the protocol token on every forwarded request line.
const OutboundVersion = "HTTP/1.1"

var (
	// ErrMalformed marks a request line or URI that cannot be decomposed.
	ErrMalformed = errors.New("malformed request line")
	// ErrMissingTerminator marks a header block cut off by end of stream.
	ErrMissingTerminator = errors.New("header block not terminated before end of stream")
	// ErrLineTooLong marks a line longer than the configured bound.
	ErrLineTooLong = errors.New("line exceeds maximum length")
	// ErrInvalidContentLength marks a non-numeric, negative or overflowing Content-Length.
	ErrInvalidContentLength = errors.New("invalid Content-Length")
	// ErrEmptyResponse marks an origin that closed before sending a status line.
	ErrEmptyResponse = errors.New("origin closed connection before responding")
)

// LineReader is the line-oriented input used by the parser.
type LineReader interface {
	ReadLine(maxLen int) ([]byte, error)
}

// RequestLine is the routing metadata of one client request.
type RequestLine struct {
	Method  string
	URI     string
	Version string
	Host    string
	Port    int
	Path    string
}

// Addr returns the origin address as host:port.
func (rl *RequestLine) Addr() string {
	return fmt.Sprintf("%s:%d", rl.Host, rl.Port)
}

// OutboundLine renders the request line sent to the origin. The version is
// always normalized to HTTP/1.1 and an empty path becomes "/".
func (rl *RequestLine) OutboundLine() []byte {
	path := rl.Path
	if path == "" {
		path = "/"
	}
	return []byte(rl.Method + " " + path + " " + OutboundVersion + "\r\n")
}

// HeaderLine is one header line as read from the stream.
type HeaderLine struct {
	// Raw holds the line including its original terminator bytes.
	Raw []byte
	// Terminator is set for the empty line ending the header block.
	Terminator bool

	HasContentLength bool
	ContentLength    int64
	Host             string
}

// ParseRequestLine reads and decomposes the next request line. It returns
// io.EOF (unwrapped) when the stream ends before any byte.
func ParseRequestLine(r LineReader, maxLen int) (*RequestLine, error) {
	line, err := readLine(r, maxLen)
	if err != nil {
		return nil, err
	}
	text := string(line)
	if !strings.Contains(text, "HTTP/") {
		return nil, fmt.Errorf("%w: no protocol token in %q", ErrMalformed, trimEOL(text))
	}
	fields := strings.Fields(text)
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformed, len(fields))
	}
	rl := &RequestLine{
		Method:  fields[0],
		URI:     fields[1],
		Version: fields[2],
	}
	rl.Host, rl.Port, rl.Path, err = ParseURI(rl.URI)
	if err != nil {
		return nil, err
	}
	return rl, nil
}

// ParseURI splits an absolute http:// URI into host, port and path. The port
// defaults to 80; the path starts at the first '/' after the host and is empty
// when there is none.
func ParseURI(uri string) (host string, port int, path string, err error) {
	const scheme = "http://"
	if len(uri) < len(scheme) || !strings.EqualFold(uri[:len(scheme)], scheme) {
		return "", 0, "", fmt.Errorf("%w: unsupported scheme in %q", ErrMalformed, uri)
	}
	rest := uri[len(scheme):]

	end := strings.IndexAny(rest, " :/\r\n")
	if end < 0 {
		end = len(rest)
	}
	host = rest[:end]
	if host == "" {
		return "", 0, "", fmt.Errorf("%w: empty host in %q", ErrMalformed, uri)
	}
	rest = rest[end:]

	port = DefaultPort
	if strings.HasPrefix(rest, ":") {
		digits := rest[1:]
		if i := strings.IndexAny(digits, "/ \r\n"); i >= 0 {
			digits = digits[:i]
		}
		p, perr := strconv.Atoi(digits)
		if perr != nil || p < 1 || p > 65535 {
			return "", 0, "", fmt.Errorf("%w: bad port %q", ErrMalformed, digits)
		}
		port = p
	}

	if i := strings.IndexByte(rest, '/'); i >= 0 {
		path = trimEOL(rest[i:])
	}
	return host, port, path, nil
}

// ReadHeaderLine reads the next header line and classifies it.
func ReadHeaderLine(r LineReader, maxLen int) (HeaderLine, error) {
	line, err := readLine(r, maxLen)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return HeaderLine{}, ErrMissingTerminator
		}
		return HeaderLine{}, err
	}
	if line[len(line)-1] != '\n' {
		// A partial line followed by end of stream.
		return HeaderLine{}, ErrMissingTerminator
	}

	h := HeaderLine{Raw: line}
	switch {
	case isBlank(line):
		h.Terminator = true
	case bytes.HasPrefix(line, []byte("Content-Length")):
		n, err := ParseContentLength(headerValue(line, len("Content-Length")))
		if err != nil {
			return HeaderLine{}, err
		}
		h.HasContentLength = true
		h.ContentLength = n
	case bytes.HasPrefix(line, []byte("Host")):
		h.Host = headerValue(line, len("Host"))
	}
	return h, nil
}

// ReadStatusLine reads the origin's status line verbatim.
func ReadStatusLine(r LineReader, maxLen int) ([]byte, error) {
	line, err := readLine(r, maxLen)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyResponse
		}
		return nil, err
	}
	if line[len(line)-1] != '\n' {
		return nil, ErrMissingTerminator
	}
	return line, nil
}

// ParseContentLength validates a Content-Length value.
func ParseContentLength(v string) (int64, error) {
	if v == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidContentLength)
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidContentLength, v)
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidContentLength, v)
	}
	return n, nil
}

// readLine reads one line and reports ErrLineTooLong when the bound cut it.
func readLine(r LineReader, maxLen int) ([]byte, error) {
	if maxLen <= 1 {
		maxLen = DefaultMaxLineLen
	}
	line, err := r.ReadLine(maxLen)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, io.EOF
	}
	if len(line) >= maxLen-1 && line[len(line)-1] != '\n' {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, maxLen-1)
	}
	return line, nil
}

// headerValue returns the trimmed text after the header name and colon.
func headerValue(line []byte, nameLen int) string {
	v := strings.TrimSpace(string(line[nameLen:]))
	v = strings.TrimPrefix(v, ":")
	return strings.TrimSpace(v)
}

func isBlank(line []byte) bool {
	return string(line) == "\r\n" || string(line) == "\n"
}

func trimEOL(s string) string {
	return strings.TrimRight(s, "\r\n")
}

// StatusCode extracts the numeric status from a status line, or 0 if the
// line is not a well-formed HTTP status line.
func StatusCode(statusLine []byte) int {
	fields := strings.Fields(string(statusLine))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") || len(fields[1]) != 3 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 {
		return 0
	}
	return code
}

// ResponseHasBody reports whether a response to method with the given status
// carries a message body. An unparsable status (0) defers to Content-Length.
func ResponseHasBody(method string, status int) bool {
	if method == "HEAD" {
		return false
	}
	if status == 0 {
		return true
	}
	return status >= 200 && status != 204 && status != 304
}
