// Package accesslog writes one line per completed exchange to an append-only
// file shared by all workers.
package accesslog

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"

	"relay-proxy/internal/model"
)

// TimeLayout renders timestamps as "Tue 07 Mar 2023 14:05:09 CET".
const TimeLayout = "Mon 02 Jan 2006 15:04:05 MST"

// Log serializes exchange records onto a single writer.
type Log struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// Open opens (or creates) path in append mode.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("accesslog: open %s: %w", path, err)
	}
	return &Log{w: f, c: f}, nil
}

// New returns a Log writing to w. Close is a no-op unless w is an io.Closer.
func New(w io.Writer) *Log {
	l := &Log{w: w}
	if c, ok := w.(io.Closer); ok {
		l.c = c
	}
	return l
}

// Append formats rec and writes it as one line. Concurrent calls never
// interleave partial lines.
func (l *Log) Append(rec model.Exchange) error {
	line := Format(rec)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := io.WriteString(l.w, line); err != nil {
		return fmt.Errorf("accesslog: write: %w", err)
	}
	return nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c == nil {
		return nil
	}
	err := l.c.Close()
	l.c = nil
	return err
}

// Format renders rec as "<timestamp>: <ip> <uri> <bytes>\n". The byte count is
// the size of the response relayed to the client.
func Format(rec model.Exchange) string {
	b := make([]byte, 0, 64+len(rec.URI))
	b = rec.Time.AppendFormat(b, TimeLayout)
	b = append(b, ": "...)
	b = append(b, ClientIP(rec.ClientAddr)...)
	b = append(b, ' ')
	b = append(b, rec.URI...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, rec.ResponseBytes, 10)
	b = append(b, '\n')
	return string(b)
}

// ClientIP returns the dotted-quad form of an IPv4 peer (including IPv4-mapped
// IPv6) and the canonical text form otherwise.
func ClientIP(addr net.Addr) string {
	if addr == nil {
		return "-"
	}
	var ip netip.Addr
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, _ = netip.AddrFromSlice(a.IP)
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return addr.String()
		}
		ip = ap.Addr()
	}
	if !ip.IsValid() {
		return addr.String()
	}
	return ip.Unmap().String()
}
