//go:build !(linux || darwin || windows)

package tcpinfo

import (
	"fmt"
	"runtime"
)

func GetTCPInfo(fd uintptr) (*Info, error) {
	return nil, fmt.Errorf("%s is unsupported", runtime.GOOS)
}

func Supported() bool {
	return false
}
