// Package display defines the frame-presentation collaborator and the screen
// geometry used to convert visual angle to pixels.
package display

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/BTreeMap/ExpTools/internal/clock"
)

// Display presents frames. Flip blocks until the next refresh.
type Display interface {
	Flip() error
	Size() (width, height int)
}

// Canvas is implemented by displays that accept drawing commands between flips.
type Canvas interface {
	Display
	// DrawText queues a text stimulus centred at (x, y) for the next frame.
	DrawText(text string, x, y float64)
	// DrawDots queues a set of dots for the next frame.
	DrawDots(xs, ys []float64, size float64)
}

// DefaultRefreshRate is used when the configuration leaves the refresh rate unset.
const DefaultRefreshRate = 60.0

// Frame is one presented frame of a headless display.
type Frame struct {
	Index int
	At    time.Duration
	Texts []string
	Dots  int
}

// Headless is a Canvas without a window. Flip sleeps on the clock until the next
// refresh deadline, so a manual clock advances one frame per flip.
type Headless struct {
	mu sync.Mutex

	clock    clock.Clock
	width    int
	height   int
	interval time.Duration
	next     time.Duration
	flips    int

	pending Frame
	keep    int
	frames  []Frame
}

// HeadlessOption configures a Headless display.
type HeadlessOption func(*Headless)

// WithFrameHistory keeps the last n presented frames for inspection.
func WithFrameHistory(n int) HeadlessOption {
	return func(h *Headless) { h.keep = n }
}

// NewHeadless creates a headless display of the given size refreshing at rate Hz.
func NewHeadless(c clock.Clock, width, height int, rate float64, opts ...HeadlessOption) *Headless {
	if rate <= 0 {
		rate = DefaultRefreshRate
	}
	h := &Headless{
		clock:    c,
		width:    width,
		height:   height,
		interval: time.Duration(float64(time.Second) / rate),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.next = c.Now() + h.interval
	slog.Debug("Headless display created", "width", width, "height", height, "refresh_rate", rate)
	return h
}

// Flip waits for the next refresh and presents the queued drawing.
func (h *Headless) Flip() error {
	now := h.clock.Now()
	h.mu.Lock()
	wait := h.next - now
	h.mu.Unlock()
	if wait > 0 {
		h.clock.Sleep(wait)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	now = h.clock.Now()
	// a missed refresh is dropped rather than caught up
	for h.next <= now {
		h.next += h.interval
	}
	frame := h.pending
	frame.Index = h.flips
	frame.At = now
	h.flips++
	h.pending = Frame{}
	if h.keep > 0 {
		h.frames = append(h.frames, frame)
		if len(h.frames) > h.keep {
			h.frames = h.frames[len(h.frames)-h.keep:]
		}
	}
	return nil
}

// Size returns the display size in pixels.
func (h *Headless) Size() (int, int) { return h.width, h.height }

// FrameInterval returns the duration of one refresh.
func (h *Headless) FrameInterval() time.Duration { return h.interval }

// Flips returns how many frames have been presented.
func (h *Headless) Flips() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flips
}

// Frames returns the retained frame history.
func (h *Headless) Frames() []Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Frame(nil), h.frames...)
}

// DrawText records a text stimulus for the next frame.
func (h *Headless) DrawText(text string, x, y float64) {
	h.mu.Lock()
	h.pending.Texts = append(h.pending.Texts, text)
	h.mu.Unlock()
}

// DrawDots records a dot field for the next frame.
func (h *Headless) DrawDots(xs, ys []float64, size float64) {
	h.mu.Lock()
	h.pending.Dots += min(len(xs), len(ys))
	h.mu.Unlock()
}

// Geometry describes the physical viewing setup.
type Geometry struct {
	WidthPx  int
	HeightPx int
	// WidthCm and HeightCm are the physical size of the visible screen area.
	WidthCm  float64
	HeightCm float64
	// DistanceCm is the eye-to-screen distance.
	DistanceCm float64
}

// HeightDegrees returns the visual angle subtended by the screen height.
func (g Geometry) HeightDegrees() float64 {
	if g.DistanceCm <= 0 {
		return 0
	}
	return 2 * math.Atan(g.HeightCm/2/g.DistanceCm) * 180 / math.Pi
}

// PixelsPerDegree returns the average number of pixels per degree of visual angle
// along the vertical axis.
func (g Geometry) PixelsPerDegree() float64 {
	deg := g.HeightDegrees()
	if deg == 0 {
		return 0
	}
	return float64(g.HeightPx) / deg
}

// Deg2Pix converts degrees of visual angle to pixels.
func (g Geometry) Deg2Pix(deg float64) float64 {
	return deg * g.PixelsPerDegree()
}

// Center returns the screen centre in pixels.
func (g Geometry) Center() (x, y float64) {
	return float64(g.WidthPx) / 2, float64(g.HeightPx) / 2
}
