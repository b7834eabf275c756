//go:build linux

package tcpinfo

import (
	"syscall"
	"time"
)

// rawTCPInfo mirrors the leading bytes of Linux's struct tcp_info (see
// uapi/linux/tcp.h), truncated after tcpi_rtt. Both tcpi_state and
// tcpi_rtt have been at these offsets since the struct's original
// (v2.6.12-rc2) shape, and getsockopt(2) copies min(requested, actual)
// bytes, so asking for a struct shorter than the kernel's is safe and
// still yields a valid state and rtt on every kernel SentryFlow runs on.
type rawTCPInfo struct {
	state        uint8
	caState      uint8
	retransmits  uint8
	probes       uint8
	backoff      uint8
	options      uint8
	bitfield0    uint8
	bitfield1    uint8
	rto          uint32
	ato          uint32
	sndMSS       uint32
	rcvMSS       uint32
	unacked      uint32
	sacked       uint32
	lost         uint32
	retrans      uint32
	fackets      uint32
	lastDataSent uint32
	lastAckSent  uint32
	lastDataRecv uint32
	lastAckRecv  uint32
	pmtu         uint32
	rcvSSThresh  uint32
	rtt          uint32 // tcpi_rtt, microseconds
}

const sizeOfRawTCPInfo = 72

// TCP connection states, from uapi/linux/tcp.h's enum.
const (
	tcpEstablished = iota + 1
	tcpSynSent
	tcpSynRecv
	tcpFinWait1
	tcpFinWait2
	tcpTimeWait
	tcpClose
	tcpCloseWait
	tcpLastAck
	tcpListen
	tcpClosing
)

var tcpStateMap = map[uint8]string{
	tcpEstablished: "ESTABLISHED",
	tcpSynSent:     "SYN_SENT",
	tcpSynRecv:     "SYN_RECV",
	tcpFinWait1:    "FIN_WAIT1",
	tcpFinWait2:    "FIN_WAIT2",
	tcpTimeWait:    "TIME_WAIT",
	tcpClose:       "CLOSE",
	tcpCloseWait:   "CLOSE_WAIT",
	tcpLastAck:     "LAST_ACK",
	tcpListen:      "LISTEN",
	tcpClosing:     "CLOSING",
}

// Errors from syscall package are private, so define our own to match the errno.
var (
	EAGAIN error = syscall.EAGAIN
	EINVAL error = syscall.EINVAL
	ENOENT error = syscall.ENOENT
)

func (packed *rawTCPInfo) toInfo() *Info {
	return &Info{
		State: tcpStateMap[packed.state],
		RTT:   time.Duration(packed.rtt) * time.Microsecond,
	}
}

// GetTCPInfo calls getsockopt(2) to retrieve tcp_info and returns the
// connection state and most recent round-trip time.
func GetTCPInfo(fd uintptr) (*Info, error) {
	raw, err := getRawTCPInfo(fd)
	if err != nil {
		return nil, err
	}
	return raw.toInfo(), nil
}

func Supported() bool {
	return true
}
