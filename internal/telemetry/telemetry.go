// Package telemetry owns the process-wide counters described in spec.md §3
// and exposes them as a Prometheus collector, the same Describe/Collect
// shape as the platform layer's TCPInfoCollector.
package telemetry

import (
	"github.com/runzero/sentryflow/internal/clock"
)

// Counters holds the single-writer telemetry state. Only the event-loop
// goroutine writes it (the dispatcher, and internal/server when it closes
// a connection on a bad frame), so no locking is required;
// Collect (read-only, called from a different goroutine serving
// /metrics) takes a defensive copy under a mutex, see Collector.
type Counters struct {
	TotalRequests   uint64
	BadFrames       uint64
	RoutesInstalled uint64
	LastLatencyMs   float64
	AvgLatencyMs    float64
}

// Recorder accumulates per-request latency samples into Counters using the
// incremental-mean update avg += (x - avg) / n.
type Recorder struct {
	counters Counters
	clk      clock.Clock
}

// NewRecorder returns a Recorder backed by clk, used to read NowMs at the
// start and end of a dispatch to compute the request's latency.
func NewRecorder(clk clock.Clock) *Recorder {
	return &Recorder{clk: clk}
}

// Begin returns the monotonic timestamp dispatch started at, to be passed
// to RecordRequest once the reply has been encoded.
func (r *Recorder) Begin() int64 {
	return r.clk.NowMs()
}

// RecordRequest increments TotalRequests and folds the latency between
// startMs and now into LastLatencyMs/AvgLatencyMs.
func (r *Recorder) RecordRequest(startMs int64) {
	latency := float64(r.clk.NowMs() - startMs)
	r.counters.TotalRequests++
	n := float64(r.counters.TotalRequests)
	r.counters.LastLatencyMs = latency
	r.counters.AvgLatencyMs += (latency - r.counters.AvgLatencyMs) / n
}

// RecordBadFrame increments BadFrames for a connection closed on a
// protocol-level parse error.
func (r *Recorder) RecordBadFrame() {
	r.counters.BadFrames++
}

// RecordRouteInstalled increments RoutesInstalled for each successfully
// upserted ROUTE_UPDATE record.
func (r *Recorder) RecordRouteInstalled() {
	r.counters.RoutesInstalled++
}

// Snapshot returns a copy of the current counters. Safe to call from the
// owning goroutine only; Collector.Collect uses a separate, mutex-guarded
// path for cross-goroutine reads.
func (r *Recorder) Snapshot() Counters {
	return r.counters
}
