// Package tcpinfo retrieves TCP_INFO from a raw socket descriptor, one
// platform backend per file selected by build tag, the way the teacher
// package it's adapted from covers Linux/Darwin/Windows/other.
//
// SentryFlow's only consumer (internal/tcpstat.Snapshot, logged by
// internal/server on connection close) reads a connection's state name
// and most recent round-trip time, so Info carries only those two
// fields rather than the full kernel tcp_info/tcp_connection_info
// struct each backend actually parses off the wire.
package tcpinfo

import "time"

// Info is the TCP_INFO subset SentryFlow logs at connection close.
type Info struct {
	State string        `json:"state"`
	RTT   time.Duration `json:"rtt"`
}
