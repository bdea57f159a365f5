// Package clock provides the time sources shared by a session and its trials.
//
// All timestamps in ExpTools are durations measured from the moment the clock was
// started, so trial and phase times stay comparable across a whole session.
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic time source.
type Clock interface {
	// Now returns the time elapsed since the clock was started.
	Now() time.Duration
	// Sleep blocks the caller for d. Test clocks advance instead of blocking.
	Sleep(d time.Duration)
}

// Wall is a Clock backed by the runtime's monotonic clock.
type Wall struct {
	start time.Time
}

// NewWall creates a Wall clock started now.
func NewWall() *Wall {
	return &Wall{start: time.Now()}
}

// Now returns the monotonic time since the clock was started.
func (w *Wall) Now() time.Duration {
	return time.Since(w.start)
}

// Sleep pauses the calling goroutine.
func (w *Wall) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

// StartedAt returns the wall-clock time at which the clock was started.
func (w *Wall) StartedAt() time.Time {
	return w.start
}

// Manual is a Clock that only moves when told to. Sleep advances it, which makes
// polling loops deterministic in tests.
type Manual struct {
	mu  sync.Mutex
	now time.Duration
}

// NewManual creates a Manual clock at zero.
func NewManual() *Manual {
	return &Manual{}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep advances the clock by d.
func (m *Manual) Sleep(d time.Duration) {
	m.Advance(d)
}

// Advance moves the clock forward by d. Negative values are ignored.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}

// Set moves the clock to t if t is later than the current time.
func (m *Manual) Set(t time.Duration) {
	m.mu.Lock()
	if t > m.now {
		m.now = t
	}
	m.mu.Unlock()
}
