package server

import (
	"fmt"
	"net"

	"github.com/higebu/netfd"
)

// connFD and listenerFD extract the underlying socket descriptor so the
// event loop can bypass net.Conn/net.Listener's own Read/Write/Accept and
// drive the fd directly through the poller, the same fd-extraction idiom
// wrap.go uses before handing a descriptor to tcpinfo.GetTCPInfo.
//
// connFD covers accepted connections via netfd.GetFdFromConn, the same
// helper poller_test.go already uses. *net.TCPListener is not a net.Conn,
// so listenerFD goes through SyscallConn().Control instead.

// connFD extracts the raw fd of an accepted connection.
func connFD(conn net.Conn) (int, error) {
	fd := netfd.GetFdFromConn(conn)
	if fd <= 0 {
		return 0, fmt.Errorf("server: could not extract fd from connection")
	}
	return fd, nil
}

// listenerFD extracts the raw fd of the bound listening socket.
func listenerFD(ln *net.TCPListener) (int, error) {
	rc, err := ln.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("server: listener syscall conn: %w", err)
	}

	var fd int
	if err := rc.Control(func(sysfd uintptr) {
		fd = int(sysfd)
	}); err != nil {
		return 0, fmt.Errorf("server: listener control: %w", err)
	}
	return fd, nil
}
