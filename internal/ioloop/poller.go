// Package ioloop provides the readiness-based suspension point the server
// loop blocks on (spec.md §5): a single Wait call per iteration, gated by a
// 1000ms timeout, reporting which registered file descriptors are
// readable/writable without blocking.
//
// Exactly one backend is compiled in per platform, following the same
// shape as the platform layer's kernel-version detection: a real backend
// behind a build tag, a portable fallback everywhere else, both satisfying
// one exported interface.
package ioloop

import "time"

// WaitTimeout is the fixed readiness-wait timeout named in spec.md §5/§6.
const WaitTimeout = 1000 * time.Millisecond

// Event reports readiness for one registered file descriptor.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller is the readiness-based suspension point. Register/Deregister are
// called on accept/close; SetWritable toggles write-readiness interest as a
// connection enters/leaves Draining (spec.md §4.5); Wait blocks for at most
// WaitTimeout and returns the fds ready for I/O.
type Poller interface {
	// Register starts watching fd for read readiness (and, if wantWrite,
	// write readiness too).
	Register(fd int, wantWrite bool) error
	// SetWritable updates whether fd is also watched for write readiness.
	SetWritable(fd int, wantWrite bool) error
	// Deregister stops watching fd. Safe to call even if the fd was
	// already closed by the caller.
	Deregister(fd int) error
	// Wait blocks until at least one registered fd is ready, or
	// WaitTimeout elapses, and returns the ready set. An empty, nil-error
	// result means the timeout elapsed with nothing ready: callers should
	// use it as a housekeeping tick (spec.md §5).
	Wait() ([]Event, error)
	// Close releases the poller's own resources (e.g. the epoll fd).
	Close() error
}
