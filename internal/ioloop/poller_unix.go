//go:build darwin || freebsd || openbsd || netbsd || dragonfly

package ioloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pollPoller is the BSD/Darwin Poller backend. It uses poll(2) rather than
// kqueue: with at most a few dozen live connections the O(n) fd scan poll()
// does per call is not the bottleneck, and it keeps this file a fraction of
// the size of a full kqueue implementation for a path the core spec treats
// as a portability fallback, not its primary target (spec.md §9: the
// epoll-based loop is authoritative).
type pollPoller struct {
	fds       []int
	wantWrite map[int]bool
}

// NewPoller returns the poll(2)-backed Poller for non-Linux, non-Windows
// unix platforms.
func NewPoller() (Poller, error) {
	return &pollPoller{wantWrite: make(map[int]bool)}, nil
}

func (p *pollPoller) Register(fd int, wantWrite bool) error {
	p.fds = append(p.fds, fd)
	p.wantWrite[fd] = wantWrite
	return nil
}

func (p *pollPoller) SetWritable(fd int, wantWrite bool) error {
	if _, ok := p.wantWrite[fd]; !ok {
		return fmt.Errorf("ioloop: SetWritable on unregistered fd %d", fd)
	}
	p.wantWrite[fd] = wantWrite
	return nil
}

func (p *pollPoller) Deregister(fd int) error {
	for i, f := range p.fds {
		if f == fd {
			p.fds = append(p.fds[:i], p.fds[i+1:]...)
			break
		}
	}
	delete(p.wantWrite, fd)
	return nil
}

func (p *pollPoller) Wait() ([]Event, error) {
	// An empty set still goes through poll(2), which honors the timeout,
	// so Wait blocks for WaitTimeout even with nothing registered.
	fds := make([]unix.PollFd, len(p.fds))
	for i, fd := range p.fds {
		events := int16(unix.POLLIN)
		if p.wantWrite[fd] {
			events |= unix.POLLOUT
		}
		fds[i] = unix.PollFd{Fd: int32(fd), Events: events}
	}

	timeoutMs := int(WaitTimeout / 1e6)
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ioloop: poll: %w", err)
		}
		if n == 0 {
			return nil, nil
		}

		events := make([]Event, 0, n)
		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			events = append(events, Event{
				Fd:       int(pfd.Fd),
				Readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
				Writable: pfd.Revents&unix.POLLOUT != 0,
			})
		}
		return events, nil
	}
}

func (p *pollPoller) Close() error { return nil }
