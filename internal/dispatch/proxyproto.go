package dispatch

import (
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
)

// ProxyProtocolListener wraps ln so that accepted connections report the
// client address carried in a PROXY protocol header. The header is read
// lazily by the worker that owns the connection, never by the accept loop,
// and must arrive within timeout.
func ProxyProtocolListener(ln net.Listener, timeout time.Duration) net.Listener {
	return &proxyproto.Listener{
		Listener:          ln,
		ReadHeaderTimeout: timeout,
	}
}

// transportAddr returns the TCP peer of conn without waiting for a PROXY
// protocol header.
func transportAddr(conn net.Conn) string {
	if pc, ok := conn.(*proxyproto.Conn); ok {
		return pc.Raw().RemoteAddr().String()
	}
	return conn.RemoteAddr().String()
}
