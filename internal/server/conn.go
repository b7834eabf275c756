package server

import (
	"errors"
	"fmt"
	"net"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/runzero/sentryflow/internal/dispatch"
	"github.com/runzero/sentryflow/internal/ioloop"
	"github.com/runzero/sentryflow/internal/wire"
)

// State is one of the three connection lifecycle states from spec.md §4.5.
type State int

const (
	// StateReading is interested in readable events only; a new frame
	// may be dispatched as soon as it fully arrives.
	StateReading State = iota
	// StateDraining is interested in readable and writable events. More
	// inbound bytes are still appended to the receive buffer, but no new
	// frame is dispatched until the pending reply fully drains.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const transmitBufferCap = 8192
const requestScratchCap = 4096
const replyScratchCap = 2048

// Conn is one accepted connection: its socket, receive buffer, single
// pending outbound frame, and bookkeeping. It is owned exclusively by the
// event loop goroutine; see spec.md §5.
type Conn struct {
	ID     xid.ID
	Remote string

	conn  net.Conn
	fd    int
	state State

	recv           *wire.RecvBuffer
	requestPayload [requestScratchCap]byte
	replyPayload   [replyScratchCap]byte

	tx    []byte
	txOff int

	rxBytes int64
	txBytes int64
}

// newConn wraps an accepted net.Conn (already made non-blocking by the
// caller) into a Conn ready for the event loop. conn.Read/conn.Write are
// never called again after this point: all I/O goes through raw reads and
// writes on fd, driven by the event loop's own poller registration. conn
// itself is kept only for RemoteAddr() and Close().
func newConn(c net.Conn, fd int) *Conn {
	return &Conn{
		ID:     xid.New(),
		Remote: c.RemoteAddr().String(),
		conn:   c,
		fd:     fd,
		state:  StateReading,
		recv:   wire.NewRecvBuffer(wire.DefaultRecvBufferCap),
		tx:     make([]byte, 0, transmitBufferCap),
	}
}

// FD returns the connection's raw file descriptor, used to key the poller
// and the connection registry.
func (c *Conn) FD() int { return c.fd }

// State reports the connection's current lifecycle state.
func (c *Conn) State() State { return c.state }

// RxBytes/TxBytes report cumulative byte counts, used for close-time
// logging in the style of wrap.go's ToMap.
func (c *Conn) RxBytes() int64 { return c.rxBytes }
func (c *Conn) TxBytes() int64 { return c.txBytes }

var errPeerClosed = errors.New("server: peer closed connection")

// onReadable drains the socket into the receive buffer, then attempts to
// dispatch at most one frame (spec.md §4.5: never more than one pending
// reply). Returns errPeerClosed, an I/O error, or a protocol error; callers
// close the connection on any non-nil, non-EAGAIN-equivalent result this
// function already fully absorbs (EAGAIN never escapes it).
func (c *Conn) onReadable(d *dispatch.Dispatcher) error {
	var buf [8192]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return fmt.Errorf("server: read: %w", err)
		}
		if n == 0 {
			return errPeerClosed
		}
		c.rxBytes += int64(n)
		if err := c.recv.Append(buf[:n]); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	return c.tryDispatch(d)
}

// tryDispatch decodes and dispatches exactly one frame if the connection is
// in StateReading and a full frame is already buffered. A ParseError is
// returned to the caller so it can count it against bad_frames and close;
// ErrNeedMore is swallowed (not an error from the caller's point of view).
func (c *Conn) tryDispatch(d *dispatch.Dispatcher) error {
	if c.state != StateReading {
		return nil
	}

	hdr, n, err := wire.Decode(c.recv, c.requestPayload[:])
	if errors.Is(err, wire.ErrNeedMore) {
		return nil
	}
	if err != nil {
		return err
	}

	replyType, replyLen, start := d.Dispatch(hdr.Type, c.requestPayload[:n], c.replyPayload[:])

	tx, err := wire.AppendEncoded(c.tx[:0], replyType, 0, hdr.Seq, c.replyPayload[:replyLen])
	if err != nil {
		// Only possible if replyLen ever exceeded wire.MaxPayloadLen,
		// which replyScratchCap (2048) makes unreachable; kept as a
		// defensive return rather than a panic.
		return fmt.Errorf("server: encode reply: %w", err)
	}
	// last_latency_ms/avg_latency_ms cover entering dispatch through the
	// end of encoding (spec.md §4.4), so the clock stops here rather than
	// inside Dispatch, which returns before the reply frame exists.
	d.Telem.RecordRequest(start)
	c.tx = tx
	c.txOff = 0
	c.state = StateDraining
	return nil
}

// onWritable drains the pending reply. Once fully sent it returns to
// StateReading and immediately attempts to dispatch any frame that
// accumulated in the receive buffer while draining.
func (c *Conn) onWritable(d *dispatch.Dispatcher) error {
	for c.txOff < len(c.tx) {
		n, err := unix.Write(c.fd, c.tx[c.txOff:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return fmt.Errorf("server: write: %w", err)
		}
		c.txBytes += int64(n)
		c.txOff += n
	}

	c.state = StateReading
	return c.tryDispatch(d)
}

// pollerInterest reports whether the poller should currently watch this
// connection for write readiness.
func (c *Conn) pollerInterest() bool {
	return c.state == StateDraining
}

// handle adapts a raw readiness event to the Conn's own handlers, writable
// before readable so a just-drained connection can dispatch a frame that
// arrived in the same readiness round.
func (c *Conn) handle(ev ioloop.Event, d *dispatch.Dispatcher) error {
	if ev.Writable {
		if err := c.onWritable(d); err != nil {
			return err
		}
	}
	if ev.Readable {
		if err := c.onReadable(d); err != nil {
			return err
		}
	}
	return nil
}

// close releases the socket. Safe to call once; the registry removes the
// connection from the poller beforehand.
func (c *Conn) close() {
	c.state = StateClosed
	_ = c.conn.Close()
}
