//go:build windows
// +build windows

package tcpinfo

import (
	"fmt"
	"syscall"
	"time"
	"unsafe"
)

// SIO_TCP_INFO is available to non-admins, as opposed to GetPerTcpConnectionEStats:
// https://learn.microsoft.com/en-us/windows/win32/api/iphlpapi/nf-iphlpapi-getpertcpconnectionestats
const SIO_TCP_INFO = syscall.IOC_INOUT | syscall.IOC_VENDOR | 39

// rawInfoV0 mirrors the _TCP_INFO_v0 structure from the Windows SDK.
// https://learn.microsoft.com/en-us/windows/win32/api/mstcpip/ns-mstcpip-tcp_info_v0
type rawInfoV0 struct {
	State             uint32
	Mss               uint32
	ConnectionTimeMs  uint64
	TimestampsEnabled bool
	RttUs             uint32
	MinRttUs          uint32
	BytesInFlight     uint32
	Cwnd              uint32
	SndWnd            uint32
	RcvWnd            uint32
	RcvBuf            uint32
	BytesOut          uint64
	BytesIn           uint64
	BytesReordered    uint32
	BytesRetrans      uint32
	FastRetrans       uint32
	DupAcksIn         uint32
	TimeoutEpisodes   uint32
	SynRetrans        uint8
}

// rawInfoV1 mirrors the _TCP_INFO_v1 structure, which is _TCP_INFO_v0's
// fields followed by additional send-limited counters. WSAIoctl requires
// an exact-size output buffer for these versioned structs (unlike
// getsockopt(2) on Linux/Darwin, which tolerates a short read), so unlike
// the other platform backends this one keeps every upstream field rather
// than truncate the struct.
// https://learn.microsoft.com/en-us/windows/win32/api/mstcpip/ns-mstcpip-tcp_info_v1
type rawInfoV1 struct {
	rawInfoV0
	SndLimTransRwin uint32
	SndLimTimeRwin  uint32
	SndLimBytesRwin uint64
	SndLimTransCwnd uint32
	SndLimTimeCwnd  uint32
	SndLimBytesCwnd uint64
	SndLimTransSnd  uint32
	SndLimTimeSnd   uint32
	SndLimBytesSnd  uint64
}

// TCP state constants from https://learn.microsoft.com/en-us/windows/win32/api/mstcpip/ne-mstcpip-tcpstate
const (
	tcpsClosed      = 0
	tcpsListen      = 1
	tcpsSynSent     = 2
	tcpsSynReceived = 3
	tcpsEstablished = 4
	tcpsFinWait1    = 5
	tcpsFinWait2    = 6
	tcpsCloseWait   = 7
	tcpsClosing     = 8
	tcpsLastAck     = 9
	tcpsTimeWait    = 10
)

var tcpStateMap = map[uint32]string{
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

func (packed *rawInfoV0) toInfo() *Info {
	return &Info{
		State: tcpStateMap[packed.State],
		RTT:   time.Duration(packed.RttUs) * time.Microsecond,
	}
}

func (packed *rawInfoV1) toInfo() *Info {
	return packed.rawInfoV0.toInfo()
}

// GetTCPInfo issues a SIO_TCP_INFO WSAIoctl to retrieve the connection's
// state and most recent round-trip time, preferring the richer v1
// struct and falling back to v0 on older Windows versions.
func GetTCPInfo(fds uintptr) (*Info, error) {
	fd := syscall.Handle(fds)

	var inbufv1 uint32 = 1
	var outbufv1 rawInfoV1
	var cbbr uint32
	var ov syscall.Overlapped

	if err := syscall.WSAIoctl(
		fd,
		SIO_TCP_INFO,
		(*byte)(unsafe.Pointer(&inbufv1)),
		uint32(unsafe.Sizeof(inbufv1)),
		(*byte)(unsafe.Pointer(&outbufv1)),
		uint32(unsafe.Sizeof(outbufv1)),
		&cbbr,
		&ov,
		0,
	); err != nil {
		var inbufv0 uint32 = 1
		var outbufv0 rawInfoV0

		if err = syscall.WSAIoctl(
			fd,
			SIO_TCP_INFO,
			(*byte)(unsafe.Pointer(&inbufv0)),
			uint32(unsafe.Sizeof(inbufv0)),
			(*byte)(unsafe.Pointer(&outbufv0)),
			uint32(unsafe.Sizeof(outbufv0)),
			&cbbr,
			&ov,
			0,
		); err != nil {
			return nil, fmt.Errorf("could not perform the WSAIoctl: %w", err)
		}
		return outbufv0.toInfo(), nil
	}

	return outbufv1.toInfo(), nil
}

func Supported() bool {
	return true
}
