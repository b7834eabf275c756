package dispatch

import (
	"encoding/binary"
	"testing"

	"github.com/runzero/sentryflow/internal/routing"
	"github.com/runzero/sentryflow/internal/telemetry"
	"github.com/runzero/sentryflow/internal/wire"
)

type stepClock struct {
	values []int64
	i      int
}

func (c *stepClock) NowMs() int64 {
	if c.i >= len(c.values) {
		return c.values[len(c.values)-1]
	}
	v := c.values[c.i]
	c.i++
	return v
}

func newDispatcher(clk *stepClock) *Dispatcher {
	return New(routing.New(), telemetry.NewRecorder(clk), clk, StrategyDirect, nil)
}

// dispatchAndRecord mirrors internal/server/conn.go's tryDispatch: it
// calls Dispatch and only records telemetry once the caller's own
// "encoding" is done, matching spec.md §4.4's measurement window.
func dispatchAndRecord(d *Dispatcher, reqType uint8, payload []byte, out []byte) (uint8, int) {
	typ, n, start := d.Dispatch(reqType, payload, out)
	d.Telem.RecordRequest(start)
	return typ, n
}

func TestDispatchPing(t *testing.T) {
	d := newDispatcher(&stepClock{values: []int64{0, 1}})
	out := make([]byte, maxEchoLen)
	typ, n := dispatchAndRecord(d, wire.TypePing, []byte("hi"), out)
	if typ != wire.TypePong || string(out[:n]) != "hi" {
		t.Fatalf("got type=%d payload=%q", typ, out[:n])
	}
}

func TestDispatchEchoTruncates(t *testing.T) {
	d := newDispatcher(&stepClock{values: []int64{0, 1}})
	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i)
	}
	out := make([]byte, maxEchoLen)
	typ, n := dispatchAndRecord(d, wire.TypeEcho, big, out)
	if typ != wire.TypeEchoReply || n != maxEchoLen {
		t.Fatalf("got type=%d n=%d, want EchoReply/%d", typ, n, maxEchoLen)
	}
}

func TestDispatchGetStatsShape(t *testing.T) {
	d := newDispatcher(&stepClock{values: []int64{0, 1, 2, 3}})
	out := make([]byte, maxEchoLen)

	// One prior request so TotalRequests/latency are non-zero.
	dispatchAndRecord(d, wire.TypePing, nil, out)

	typ, n := dispatchAndRecord(d, wire.TypeGetStats, nil, out)
	if typ != wire.TypeStatsReply || n != statsReplyLen {
		t.Fatalf("got type=%d n=%d, want StatsReply/%d", typ, n, statsReplyLen)
	}
	// The GET_STATS reply is built, and thus its snapshot taken, before
	// this request's own RecordRequest runs (spec.md §4.4: total_requests
	// increments "after handling"), so it only reflects the prior ping.
	totalRequests := binary.BigEndian.Uint64(out[0:8])
	if totalRequests != 1 {
		t.Fatalf("total_requests = %d, want 1", totalRequests)
	}
}

func TestDispatchRouteUpdateThenLookup(t *testing.T) {
	d := newDispatcher(&stepClock{values: []int64{0, 1, 2, 3}})
	out := make([]byte, maxEchoLen)

	rec := make([]byte, 16)
	binary.BigEndian.PutUint32(rec[0:4], ipv4(t, "10.0.0.0"))
	rec[4] = 8
	rec[5] = 0
	binary.BigEndian.PutUint16(rec[6:8], 10)
	binary.BigEndian.PutUint32(rec[8:12], ipv4(t, "10.0.0.1"))

	typ, n := dispatchAndRecord(d, wire.TypeRouteUpdate, rec, out)
	if typ != wire.TypeRouteAck || n != 4 {
		t.Fatalf("got type=%d n=%d", typ, n)
	}
	if applied := binary.BigEndian.Uint32(out[:4]); applied != 1 {
		t.Fatalf("applied_count = %d, want 1", applied)
	}

	lookupPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(lookupPayload, ipv4(t, "10.0.0.5"))
	typ, n = dispatchAndRecord(d, wire.TypeRouteLookup, lookupPayload, out)
	if typ != wire.TypeRouteReply || n != 8 {
		t.Fatalf("got type=%d n=%d", typ, n)
	}
	if out[0] != 8 || out[1] != 0 {
		t.Fatalf("mask_bits/reserved = %d/%d, want 8/0", out[0], out[1])
	}
	if metric := binary.BigEndian.Uint16(out[2:4]); metric != 10 {
		t.Fatalf("metric = %d, want 10", metric)
	}
	if nh := binary.BigEndian.Uint32(out[4:8]); nh != ipv4(t, "10.0.0.1") {
		t.Fatalf("next_hop = %#x, want %#x", nh, ipv4(t, "10.0.0.1"))
	}
}

func TestDispatchRouteLookupMiss(t *testing.T) {
	d := newDispatcher(&stepClock{values: []int64{0, 1}})
	out := make([]byte, maxEchoLen)
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 0)

	typ, n := dispatchAndRecord(d, wire.TypeRouteLookup, payload, out)
	if typ != wire.TypeRouteReply || n != 8 {
		t.Fatalf("got type=%d n=%d", typ, n)
	}
	want := []byte{0, 0, 0xFF, 0xFF, 0, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, out[i], want[i])
		}
	}
}

func TestDispatchRouteLookupBadPayload(t *testing.T) {
	d := newDispatcher(&stepClock{values: []int64{0, 1}})
	out := make([]byte, maxEchoLen)
	typ, n := dispatchAndRecord(d, wire.TypeRouteLookup, []byte{0, 1}, out)
	if typ != wire.TypeError || string(out[:n]) != "bad payload" {
		t.Fatalf("got type=%d payload=%q", typ, out[:n])
	}
}

func TestDispatchUnknownType(t *testing.T) {
	d := newDispatcher(&stepClock{values: []int64{0, 1}})
	out := make([]byte, maxEchoLen)
	typ, n := dispatchAndRecord(d, 99, nil, out)
	if typ != wire.TypeError || string(out[:n]) != "unknown message type" {
		t.Fatalf("got type=%d payload=%q", typ, out[:n])
	}
}

func TestDispatchRouteUpdateIgnoresTrailingBytes(t *testing.T) {
	d := newDispatcher(&stepClock{values: []int64{0, 1}})
	out := make([]byte, maxEchoLen)
	payload := make([]byte, 16+5)
	binary.BigEndian.PutUint32(payload[0:4], ipv4(t, "192.168.0.0"))
	payload[4] = 16
	binary.BigEndian.PutUint16(payload[6:8], 1)

	typ, n := dispatchAndRecord(d, wire.TypeRouteUpdate, payload, out)
	if typ != wire.TypeRouteAck {
		t.Fatalf("got type=%d", typ)
	}
	if applied := binary.BigEndian.Uint32(out[:n]); applied != 1 {
		t.Fatalf("applied_count = %d, want 1 (trailing 5 bytes ignored)", applied)
	}
}

func ipv4(t *testing.T, s string) uint32 {
	t.Helper()
	v, err := routing.ParseIPv4(s)
	if err != nil {
		t.Fatalf("ParseIPv4(%q): %v", s, err)
	}
	return v
}
