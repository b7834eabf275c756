package server

import (
	"net"
	"testing"
	"time"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/runzero/sentryflow/internal/dispatch"
	"github.com/runzero/sentryflow/internal/routing"
	"github.com/runzero/sentryflow/internal/telemetry"
	"github.com/runzero/sentryflow/internal/wire"
)

type stepClock struct{ now int64 }

func (c *stepClock) NowMs() int64 { c.now++; return c.now }

func newTestDispatcher() *dispatch.Dispatcher {
	clk := &stepClock{}
	return dispatch.New(routing.New(), telemetry.NewRecorder(clk), clk, dispatch.StrategyDirect, nil)
}

// loopbackPair returns a connected (server, client) net.Conn pair over real
// TCP loopback sockets, the same setup poller_test.go uses: Conn drives a
// raw fd directly, so it needs a genuine socket, not net.Pipe's in-memory
// implementation.
func loopbackPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		acceptCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case server = <-acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}
	return server, client
}

func newTestConn(t *testing.T, c net.Conn) *Conn {
	t.Helper()
	fd := netfd.GetFdFromConn(c)
	if err := unix.SetNonblock(fd, true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	return newConn(c, fd)
}

func waitReadable(t *testing.T, c net.Conn) {
	t.Helper()
	fd := netfd.GetFdFromConn(c)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := unix.Poll(fds, 100)
		if err != nil && err != unix.EINTR {
			t.Fatalf("poll: %v", err)
		}
		if n > 0 {
			return
		}
	}
	t.Fatal("fd never became readable")
}

func TestConnPingRoundTrip(t *testing.T) {
	serverSide, clientSide := loopbackPair(t)
	defer serverSide.Close()
	defer clientSide.Close()

	c := newTestConn(t, serverSide)
	d := newTestDispatcher()

	req := make([]byte, wire.EncodedLen(2))
	n, err := wire.Encode(req, wire.TypePing, 0, 7, []byte("hi"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := clientSide.Write(req[:n]); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitReadable(t, serverSide)
	if err := c.onReadable(d); err != nil {
		t.Fatalf("onReadable: %v", err)
	}
	if c.state != StateDraining {
		t.Fatalf("expected Draining after dispatch, got %v", c.state)
	}

	if err := c.onWritable(d); err != nil {
		t.Fatalf("onWritable: %v", err)
	}
	if c.state != StateReading {
		t.Fatalf("expected Reading after drain, got %v", c.state)
	}

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wire.EncodedLen(2))
	if _, err := readFull(clientSide, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}

	rb := wire.NewRecvBuffer(wire.DefaultRecvBufferCap)
	if err := rb.Append(buf); err != nil {
		t.Fatalf("append: %v", err)
	}
	hdr, n, err := wire.Decode(rb, make([]byte, 2))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if hdr.Type != wire.TypePong || hdr.Seq != 7 || n != 2 {
		t.Fatalf("unexpected reply header: %+v n=%d", hdr, n)
	}
}

// TestConnBackpressure verifies spec.md §8 property 10: while a connection
// has a non-empty transmit buffer (Draining), a second fully-arrived frame
// is left in the receive buffer rather than dispatched.
func TestConnBackpressure(t *testing.T) {
	serverSide, clientSide := loopbackPair(t)
	defer serverSide.Close()
	defer clientSide.Close()

	c := newTestConn(t, serverSide)
	d := newTestDispatcher()

	var both []byte
	for _, seq := range []uint32{1, 2} {
		frame := make([]byte, wire.EncodedLen(2))
		n, err := wire.Encode(frame, wire.TypePing, 0, seq, []byte("hi"))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		both = append(both, frame[:n]...)
	}
	if _, err := clientSide.Write(both); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitReadable(t, serverSide)
	if err := c.onReadable(d); err != nil {
		t.Fatalf("onReadable: %v", err)
	}
	if c.state != StateDraining {
		t.Fatalf("expected Draining, got %v", c.state)
	}
	// The second frame is already fully buffered, but tryDispatch must not
	// have touched it: onReadable only dispatches once, from StateReading.
	if c.recv.Len() == 0 {
		t.Fatal("second frame should remain buffered while draining")
	}

	if err := c.onWritable(d); err != nil {
		t.Fatalf("onWritable: %v", err)
	}
	if c.state != StateDraining {
		t.Fatalf("expected Draining again after dispatching the buffered frame, got %v", c.state)
	}
	if c.recv.Len() != 0 {
		t.Fatalf("expected buffered frame to be consumed, %d bytes remain", c.recv.Len())
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
