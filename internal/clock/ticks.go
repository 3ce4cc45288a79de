package clock

import "time"

// Ticks is a wrapping millisecond counter.
//
// Differences are computed in 32-bit two's complement so that a comparison
// across the wrap point still gives the short interval.
type Ticks uint32

// Sub returns t - u in milliseconds.
func (t Ticks) Sub(u Ticks) int64 {
	return int64(int32(uint32(t) - uint32(u)))
}

// Add returns t advanced by ms milliseconds.
func (t Ticks) Add(ms int64) Ticks {
	return Ticks(uint32(int64(t) + ms))
}

// Source supplies the current time to the control loop.
type Source interface {
	Now() Timestamp
	Ticks() Ticks
}

// System is a Source backed by the host clock.
type System struct {
	start time.Time
}

// NewSystem creates a System source whose Ticks start at zero.
func NewSystem() *System {
	return &System{start: time.Now()}
}

// Now returns the current wall-clock time.
func (s *System) Now() Timestamp {
	return FromTime(time.Now())
}

// Ticks returns milliseconds since the source was created.
func (s *System) Ticks() Ticks {
	return Ticks(uint32(time.Since(s.start).Milliseconds()))
}
