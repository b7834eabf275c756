//go:build darwin
// +build darwin

package tcpinfo

import (
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawInfo mirrors the leading fields of xnu's tcp_connection_info (see
// bsd/netinet/tcp.h), truncated after tcpi_srtt. getsockopt(2) copies
// min(requested, actual) bytes, so asking for a struct shorter than the
// kernel's is safe and still yields the connection state and the
// smoothed round-trip time estimate.
type rawInfo struct {
	state        uint8
	sndWScale    uint8
	rcvWScale    uint8
	_            uint8 // __pad1
	options      uint32
	flags        uint32
	rto          uint32
	maxSeg       uint32
	sendSSThresh uint32
	sendCwnd     uint32
	sendWnd      uint32
	sendSBBytes  uint32
	recvWnd      uint32
	rttCur       uint32
	srtt         uint32 // tcpi_srtt, average RTT in ms
}

// TCP state constants from xnu bsd/netinet/ip_compat.h
const (
	tcpsClosed       = 0
	tcpsListen       = 1
	tcpsSynSent      = 2
	tcpsSynReceived  = 3
	tcpsEstablished  = 4
	tcpsCloseWait    = 5
	tcpsFinWait1     = 6
	tcpsClosing      = 7
	tcpsLastAck      = 8
	tcpsFinWait2     = 9
	tcpsTimeWait     = 10
)

var tcpStateMap = map[uint8]string{
	tcpsEstablished: "ESTABLISHED",
	tcpsSynSent:     "SYN_SENT",
	tcpsSynReceived: "SYN_RECV",
	tcpsFinWait1:    "FIN_WAIT1",
	tcpsFinWait2:    "FIN_WAIT2",
	tcpsTimeWait:    "TIME_WAIT",
	tcpsClosed:      "CLOSE",
	tcpsCloseWait:   "CLOSE_WAIT",
	tcpsLastAck:     "LAST_ACK",
	tcpsListen:      "LISTEN",
	tcpsClosing:     "CLOSING",
}

func (packed *rawInfo) toInfo() *Info {
	return &Info{
		State: tcpStateMap[packed.state],
		RTT:   time.Duration(packed.srtt) * time.Millisecond,
	}
}

// Errors from syscall package are private, so define our own to match the errno.
var (
	EAGAIN error = syscall.EAGAIN
	EINVAL error = syscall.EINVAL
	ENOENT error = syscall.ENOENT
)

// GetTCPInfo calls getsockopt(2) with TCP_CONNECTION_INFO to retrieve
// the connection's state and smoothed round-trip time.
func GetTCPInfo(fd uintptr) (*Info, error) {
	var value rawInfo
	length := uint32(unsafe.Sizeof(value))

	_, _, errno := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		fd,
		syscall.IPPROTO_TCP,
		unix.TCP_CONNECTION_INFO,
		uintptr(unsafe.Pointer(&value)),
		uintptr(unsafe.Pointer(&length)),
		0,
	)
	if errno != 0 {
		switch errno {
		case syscall.EAGAIN:
			return nil, EAGAIN
		case syscall.EINVAL:
			return nil, EINVAL
		case syscall.ENOENT:
			return nil, ENOENT
		}
		return nil, errno
	}

	return value.toInfo(), nil
}

func Supported() bool {
	return true
}
