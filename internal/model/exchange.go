// Package model defines shared types for the proxy.
package model

import (
	"net"
	"time"
)

// Exchange records one completed request/response cycle. It is built once by
// the worker that relayed it and never modified afterwards.
type Exchange struct {
	Time       time.Time
	ClientAddr net.Addr
	Method     string
	URI        string
	Host       string
	Port       int

	// RequestBytes counts bytes sent to the origin, ResponseBytes bytes
	// relayed back to the client. Both include line and header framing.
	RequestBytes  int64
	ResponseBytes int64
}

// TotalBytes returns the bytes relayed in both directions.
func (e Exchange) TotalBytes() int64 {
	return e.RequestBytes + e.ResponseBytes
}
