// Package tcpstat adapts the TCP_INFO diagnostics gathering from wrap.go's
// gatherAndReport into a direct-fd form: SentryFlow's connections already
// hold a raw, non-blocking fd (internal/server), so there is no net.Conn to
// type-assert or SyscallConn through here, just pkg/tcpinfo.GetTCPInfo
// called straight on the descriptor at close time.
package tcpstat

import (
	"fmt"

	"github.com/docker/docker/pkg/parsers/kernel"

	"github.com/runzero/sentryflow/pkg/tcpinfo"
)

// Supported reports whether this platform's pkg/tcpinfo backend can gather
// TCP_INFO at all (wrap.go's "supportsTCPInfo" gate, computed once here
// instead of per-connection since it never changes at runtime).
func Supported() bool {
	return tcpinfo.Supported()
}

// Snapshot gathers a best-effort TCP_INFO snapshot for fd, returned as the
// portable tcpinfo.Info the pkg/tcpinfo backends already know how to build.
// A nil result with a non-nil error is a normal outcome (unsupported
// platform, closed socket) and callers should log it rather than treat it
// as fatal, matching wrap.go's InfoErr-then-continue policy.
func Snapshot(fd int) (*tcpinfo.Info, error) {
	info, err := tcpinfo.GetTCPInfo(uintptr(fd))
	if err != nil {
		return nil, fmt.Errorf("tcpstat: %w", err)
	}
	return info, nil
}

// KernelBanner returns a short "kernel X.Y.Z" string for the startup log
// line, or an empty string if the version can't be determined on this
// platform (pkg/kernel's uname_unsupported.go posture: fail quietly rather
// than block startup on a diagnostic).
func KernelBanner() string {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("kernel %d.%d.%d", v.Kernel, v.Major, v.Minor)
}
