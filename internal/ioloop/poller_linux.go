//go:build linux

package ioloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux Poller backend: one epoll instance per process,
// level-triggered (the default), matching the straightforward
// readiness-report-don't-consume semantics spec.md §5 describes. Retries
// EINTR itself so callers never see it (spec.md §7: "EINTR on the
// readiness wait is retried").
type epollPoller struct {
	epfd int
}

// NewPoller returns the Linux epoll-backed Poller.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioloop: epoll_create1: %w", err)
	}
	return &epollPoller{epfd: epfd}, nil
}

func eventMask(wantWrite bool) uint32 {
	mask := uint32(unix.EPOLLIN)
	if wantWrite {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epollPoller) Register(fd int, wantWrite bool) error {
	ev := unix.EpollEvent{Events: eventMask(wantWrite), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ioloop: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

func (p *epollPoller) SetWritable(fd int, wantWrite bool) error {
	ev := unix.EpollEvent{Events: eventMask(wantWrite), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("ioloop: epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Deregister(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("ioloop: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Wait() ([]Event, error) {
	raw := make([]unix.EpollEvent, 64)
	timeoutMs := int(WaitTimeout / 1e6)

	for {
		n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ioloop: epoll_wait: %w", err)
		}

		events := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			e := raw[i]
			events = append(events, Event{
				Fd:       int(e.Fd),
				Readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
				Writable: e.Events&unix.EPOLLOUT != 0,
			})
		}
		return events, nil
	}
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
