// Package server implements the per-connection event-driven loop: accept,
// nonblocking read, decode, dispatch, encode, nonblocking write, all on one
// goroutine driven by a single readiness poller (spec.md §4.5, §5).
package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/runzero/sentryflow/internal/clock"
	"github.com/runzero/sentryflow/internal/dispatch"
	"github.com/runzero/sentryflow/internal/ioloop"
	"github.com/runzero/sentryflow/internal/routing"
	"github.com/runzero/sentryflow/internal/tcpstat"
	"github.com/runzero/sentryflow/internal/telemetry"
	"github.com/runzero/sentryflow/internal/wire"
)

// ListenBacklog documents the minimum listen backlog required by spec.md
// §6. net.ListenTCP derives its actual backlog from the kernel's somaxconn
// (Go runtime, syscall/execenv), which is virtually always well above this
// floor; this constant only records that floor: it is not passed to a
// syscall and no other code reads it.
const ListenBacklog = 16

// acceptRetryDeadline bounds how long a single Accept call is allowed to
// wait once the poller has already told the loop the listener is readable;
// it keeps the single goroutine from ever blocking past the readiness
// wait it just returned from.
const acceptRetryDeadline = time.Millisecond

// Config bundles the construction-time parameters an operator supplies
// (spec.md §6 CLI surface), independent of how they were parsed.
type Config struct {
	BindAddr string
	Strategy dispatch.Strategy
	Routes   []routing.Entry
}

// Server owns the listening socket, the full connection set, the routing
// table and the telemetry counters: every piece of mutable state named in
// spec.md §5 as belonging to the single loop thread.
type Server struct {
	ln         *net.TCPListener
	lnFD       int
	poller     ioloop.Poller
	conns      map[int]*Conn
	dispatcher *dispatch.Dispatcher
	telem      *telemetry.Recorder
	collector  *telemetry.Collector
	clock      *clock.System
	log        *logrus.Logger
}

// New binds cfg.BindAddr, installs cfg.Routes, and returns a Server ready
// for Run. The routing table and telemetry counters are created fresh;
// collector may be nil to skip Prometheus wiring.
func New(cfg Config, log *logrus.Logger, collector *telemetry.Collector) (*Server, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("server: resolve %q: %w", cfg.BindAddr, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}

	lnFD, err := listenerFD(ln)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("server: %w", err)
	}
	if err := unix.SetNonblock(lnFD, true); err != nil {
		ln.Close()
		return nil, fmt.Errorf("server: set listener nonblocking: %w", err)
	}

	poller, err := ioloop.NewPoller()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("server: %w", err)
	}
	if err := poller.Register(lnFD, false); err != nil {
		ln.Close()
		poller.Close()
		return nil, fmt.Errorf("server: register listener: %w", err)
	}

	clk := clock.NewSystem()
	routes := routing.New()
	for _, e := range cfg.Routes {
		if err := routes.Upsert(e); err != nil {
			log.Warnf("startup route %s/%d rejected: %v", routing.FormatIPv4(e.Prefix), e.MaskBits, err)
		}
	}
	telem := telemetry.NewRecorder(clk)

	return &Server{
		ln:         ln,
		lnFD:       lnFD,
		poller:     poller,
		conns:      make(map[int]*Conn),
		dispatcher: dispatch.New(routes, telem, clk, cfg.Strategy, log),
		telem:      telem,
		collector:  collector,
		clock:      clk,
		log:        log,
	}, nil
}

// Addr returns the bound listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close releases the listener, the poller and every live connection.
func (s *Server) Close() {
	for fd, c := range s.conns {
		s.poller.Deregister(fd)
		c.close()
	}
	s.poller.Deregister(s.lnFD)
	s.poller.Close()
	s.ln.Close()
}

// Run drives the event loop until ctx-equivalent stop is requested via
// done, or a fatal listener error occurs. It never returns nil except on a
// clean shutdown signal.
func (s *Server) Run(done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}

		events, err := s.poller.Wait()
		if err != nil {
			return fmt.Errorf("server: poller wait: %w", err)
		}

		if s.collector != nil {
			s.collector.Update(s.telem.Snapshot(), s.clock.UptimeMs())
		}

		for _, ev := range events {
			if ev.Fd == s.lnFD {
				s.acceptLoop()
				continue
			}
			c, ok := s.conns[ev.Fd]
			if !ok {
				continue
			}
			if err := c.handle(ev, s.dispatcher); err != nil {
				s.closeConn(c, err)
			} else {
				s.syncInterest(c)
			}
		}
	}
}

// acceptLoop accepts every connection already pending on the listener,
// bounding each Accept call to acceptRetryDeadline so the single goroutine
// never blocks past the readiness wait that triggered it (spec.md §7:
// "for accept, log and continue the loop").
func (s *Server) acceptLoop() {
	for {
		if err := s.ln.SetDeadline(time.Now().Add(acceptRetryDeadline)); err != nil {
			s.log.Warnf("accept: set deadline: %v", err)
			return
		}
		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			s.log.Warnf("accept: %v", err)
			return
		}

		fd, err := connFD(conn)
		if err != nil {
			s.log.Warnf("accept: %v", err)
			conn.Close()
			continue
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			s.log.Warnf("accept: set nonblocking: %v", err)
			conn.Close()
			continue
		}
		if err := s.poller.Register(fd, false); err != nil {
			s.log.Warnf("accept: register: %v", err)
			conn.Close()
			continue
		}

		c := newConn(conn, fd)
		s.conns[fd] = c
		s.log.Infof("accept: id=%s remote=%s", c.ID, c.Remote)
	}
}

// syncInterest updates the poller's write-interest for c after it has been
// handled, reflecting a Reading<->Draining transition.
func (s *Server) syncInterest(c *Conn) {
	if err := s.poller.SetWritable(c.FD(), c.pollerInterest()); err != nil {
		s.log.Warnf("id=%s: set writable: %v", c.ID, err)
	}
}

// closeConn tears down c, logging why, and folds a decode ParseError into
// bad_frames (spec.md §4.5/§7; only ParseError counts, not peer-close, I/O
// errors or receive-buffer overflow).
func (s *Server) closeConn(c *Conn, cause error) {
	if cause != nil {
		if errors.Is(cause, wire.ErrParse) {
			s.telem.RecordBadFrame()
		}
		s.log.Infof("close: id=%s remote=%s reason=%v rx=%d tx=%d", c.ID, c.Remote, cause, c.RxBytes(), c.TxBytes())
	} else {
		s.log.Infof("close: id=%s remote=%s rx=%d tx=%d", c.ID, c.Remote, c.RxBytes(), c.TxBytes())
	}

	if info, err := tcpstat.Snapshot(c.FD()); err == nil {
		s.log.Debugf("close: id=%s tcp_info state=%s rtt=%s", c.ID, info.State, info.RTT)
	}

	s.poller.Deregister(c.FD())
	delete(s.conns, c.FD())
	c.close()
}
