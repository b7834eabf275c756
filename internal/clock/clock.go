// Package clock supplies the monotonic and wall-clock time sources the core
// treats as external collaborators (spec.md §6). Latency is measured as the
// delta between two readings; GET_STATS reports a single NowMs reading as
// uptime, which is the process uptime for System since its readings count
// from construction.
package clock

import "time"

// Clock is the minimal time interface the dispatcher and telemetry depend
// on, so tests can substitute a fake without touching the real wall clock.
type Clock interface {
	// NowMs returns a monotonic millisecond timestamp. Only differences
	// between two calls are meaningful.
	NowMs() int64
}

// System is the production Clock, backed by time.Now's monotonic reading.
type System struct {
	start time.Time
}

// NewSystem returns a Clock anchored at the current instant; uptime
// reporting measures elapsed time since this point.
func NewSystem() *System {
	return &System{start: time.Now()}
}

// NowMs implements Clock.
func (s *System) NowMs() int64 {
	return time.Since(s.start).Milliseconds()
}

// UptimeMs reports milliseconds elapsed since the clock was constructed,
// i.e. since process start when NewSystem is called at startup.
func (s *System) UptimeMs() int64 {
	return s.NowMs()
}
