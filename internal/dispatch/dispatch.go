// Package dispatch maps a decoded request frame to a reply frame, reading
// and writing the routing table and updating telemetry as it goes.
package dispatch

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/runzero/sentryflow/internal/clock"
	"github.com/runzero/sentryflow/internal/routing"
	"github.com/runzero/sentryflow/internal/telemetry"
	"github.com/runzero/sentryflow/internal/wire"
)

// Strategy selects how Dispatcher computes the diagnostic Hops value on a
// ROUTE_LOOKUP hit. It never changes any byte placed on the wire (spec.md
// §9: "computed but never transmitted").
type Strategy int

const (
	// StrategyDirect always reports a single hop.
	StrategyDirect Strategy = iota
	// StrategyHop buckets the matched mask length into a coarse hop count.
	StrategyHop
)

// maxEchoLen bounds PING/ECHO replies (spec.md §4.4): requests may carry up
// to 4096 bytes, but the outbound scratch truncates replies to 2048.
const maxEchoLen = 2048

// routeUpdateRecordLen is the size in bytes of one ROUTE_UPDATE record.
const routeUpdateRecordLen = 16

// statsReplyLen is the fixed size of a GET_STATS reply payload.
const statsReplyLen = 40

// routeReplyLen is the fixed size of a ROUTE_LOOKUP reply payload.
const routeReplyLen = 8

const unknownTypeMessage = "unknown message type"
const badRouteLookupPayloadMessage = "bad payload"

// Dispatcher holds the mutable state a request's handling reads and
// writes: the routing table, the telemetry recorder, a clock for
// last_updated_ms, and the diagnostic strategy. There is exactly one
// dispatcher per process, exclusively owned by the event loop goroutine.
type Dispatcher struct {
	Routes   *routing.Table
	Telem    *telemetry.Recorder
	Clock    clock.Clock
	Strategy Strategy

	// Log receives the diagnostic hops line on a ROUTE_LOOKUP hit; nil
	// disables it. It is never required for correctness, only for the
	// same "what would the source's debug print have shown" visibility
	// cmd/get's logrus-based tracing gives HTTP client dials.
	Log *logrus.Logger
}

// New returns a Dispatcher wired to the given collaborators. log may be nil
// to skip the diagnostic hops logging.
func New(routes *routing.Table, telem *telemetry.Recorder, clk clock.Clock, strategy Strategy, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{Routes: routes, Telem: telem, Clock: clk, Strategy: strategy, Log: log}
}

// Dispatch handles one decoded request and returns the reply type and
// payload, plus the monotonic timestamp dispatch began at. seq is echoed
// verbatim by the caller, not by Dispatch itself. replyOut is scratch
// space the reply payload is written into; it must have capacity for at
// least maxEchoLen bytes (PING/ECHO are the largest possible reply).
//
// Dispatch does not itself update telemetry: spec.md §4.4 measures
// last_latency_ms from entering dispatch to the end of encoding the
// reply frame, and encoding happens in the caller (internal/server,
// after wire.AppendEncoded) rather than here. The caller must pass the
// returned start to Telem.RecordRequest once encoding is done.
func (d *Dispatcher) Dispatch(reqType uint8, payload []byte, replyOut []byte) (replyType uint8, replyLen int, start int64) {
	start = d.Telem.Begin()
	replyType, replyLen = d.dispatch(reqType, payload, replyOut)
	return replyType, replyLen, start
}

func (d *Dispatcher) dispatch(reqType uint8, payload []byte, replyOut []byte) (uint8, int) {
	switch reqType {
	case wire.TypePing:
		return wire.TypePong, truncatedEcho(payload, replyOut)
	case wire.TypeEcho:
		return wire.TypeEchoReply, truncatedEcho(payload, replyOut)
	case wire.TypeGetStats:
		return wire.TypeStatsReply, d.handleGetStats(replyOut)
	case wire.TypeRouteUpdate:
		return wire.TypeRouteAck, d.handleRouteUpdate(payload, replyOut)
	case wire.TypeRouteLookup:
		return d.handleRouteLookup(payload, replyOut)
	default:
		return wire.TypeError, copy(replyOut, unknownTypeMessage)
	}
}

func truncatedEcho(payload []byte, out []byte) int {
	n := len(payload)
	if n > maxEchoLen {
		n = maxEchoLen
	}
	return copy(out, payload[:n])
}

func (d *Dispatcher) handleGetStats(out []byte) int {
	if len(out) < statsReplyLen {
		return 0
	}
	c := d.Telem.Snapshot()
	binary.BigEndian.PutUint64(out[0:8], c.TotalRequests)
	binary.BigEndian.PutUint64(out[8:16], c.BadFrames)
	binary.BigEndian.PutUint64(out[16:24], c.RoutesInstalled)
	binary.BigEndian.PutUint64(out[24:32], uint64(d.Clock.NowMs()))
	binary.BigEndian.PutUint32(out[32:36], microsTruncated(c.LastLatencyMs))
	binary.BigEndian.PutUint32(out[36:40], microsTruncated(c.AvgLatencyMs))
	return statsReplyLen
}

// microsTruncated converts a millisecond float to microseconds, truncating
// toward zero (spec.md §4.4: "multiplied by 1000 and truncated toward zero").
func microsTruncated(ms float64) uint32 {
	return uint32(int64(ms * 1000))
}

func (d *Dispatcher) handleRouteUpdate(payload []byte, out []byte) int {
	var applied uint32
	now := uint32(d.Clock.NowMs())

	for len(payload) >= routeUpdateRecordLen {
		rec := payload[:routeUpdateRecordLen]
		payload = payload[routeUpdateRecordLen:]

		entry := routing.Entry{
			Prefix:        binary.BigEndian.Uint32(rec[0:4]),
			MaskBits:      rec[4],
			Metric:        binary.BigEndian.Uint16(rec[6:8]),
			NextHop:       binary.BigEndian.Uint32(rec[8:12]),
			LastUpdatedMs: now,
		}
		if err := d.Routes.Upsert(entry); err == nil {
			applied++
			d.Telem.RecordRouteInstalled()
		}
		// routing.ErrFull and routing.ErrInvalidMask both silently drop
		// the record without incrementing applied (spec.md §7,
		// CapacityError policy).
	}

	if len(out) < 4 {
		return 0
	}
	binary.BigEndian.PutUint32(out[0:4], applied)
	return 4
}

func (d *Dispatcher) handleRouteLookup(payload []byte, out []byte) (uint8, int) {
	if len(payload) < 4 {
		return wire.TypeError, copy(out, badRouteLookupPayloadMessage)
	}
	ip := binary.BigEndian.Uint32(payload[0:4])

	entry, err := d.Routes.Lookup(ip)
	if len(out) < routeReplyLen {
		return wire.TypeRouteReply, 0
	}
	if err != nil {
		out[0] = 0
		out[1] = 0
		binary.BigEndian.PutUint16(out[2:4], 0xFFFF)
		binary.BigEndian.PutUint32(out[4:8], 0)
		return wire.TypeRouteReply, routeReplyLen
	}

	out[0] = entry.MaskBits
	out[1] = 0
	binary.BigEndian.PutUint16(out[2:4], entry.Metric)
	binary.BigEndian.PutUint32(out[4:8], entry.NextHop)

	if d.Log != nil {
		d.Log.Debugf("route lookup hit: mask=/%d hops=%d", entry.MaskBits, d.Hops(entry.MaskBits))
	}

	return wire.TypeRouteReply, routeReplyLen
}

// Hops returns the diagnostic (never transmitted) hop count for a matched
// route, per Strategy. StrategyDirect always reports 1 hop; StrategyHop
// reports 1 plus the number of whole 8-bit steps in 32-matchedMaskBits
// (1 for /25../32, 2 for /17../24, ..., 5 for /0).
func (d *Dispatcher) Hops(matchedMaskBits uint8) int {
	if d.Strategy == StrategyDirect {
		return 1
	}
	return 1 + int(32-matchedMaskBits)/8
}
