//go:build linux && 386

package tcpinfo

import (
	"syscall"
	"unsafe"
)

const netGetSockOpt = 15

// getRawTCPInfo calls socketcall(2) on Linux to retrieve tcp_info.
// This variant is for the 32-bit x86 (386) architecture.
func getRawTCPInfo(fd uintptr) (*rawTCPInfo, error) {
	var value rawTCPInfo
	length := uint32(sizeOfRawTCPInfo)

	args := [5]uintptr{
		uintptr(fd),
		uintptr(syscall.SOL_TCP), uintptr(syscall.TCP_INFO),
		uintptr(unsafe.Pointer(&value)), uintptr(unsafe.Pointer(&length)),
	}

	_, _, errNo := syscall.RawSyscall(
		syscall.SYS_SOCKETCALL,
		netGetSockOpt,
		uintptr(unsafe.Pointer(&args)),
		0,
	)
	if errNo != 0 {
		switch errNo {
		case syscall.EAGAIN:
			return nil, EAGAIN
		case syscall.EINVAL:
			return nil, EINVAL
		case syscall.ENOENT:
			return nil, ENOENT
		}
		return nil, errNo
	}

	return &value, nil
}
