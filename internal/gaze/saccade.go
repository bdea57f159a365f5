package gaze

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/ExpTools/internal/clock"
	"github.com/BTreeMap/ExpTools/internal/models"
	"gonum.org/v1/gonum/floats"
)

// Algorithm selects how Detect decides that a saccade started.
type Algorithm int

const (
	// Position fires when gaze leaves a disc around the fixation point.
	Position Algorithm = iota
	// Velocity fires on median-scaled sample-to-sample velocity (Engbert & Mergenthaler, 2006).
	Velocity
	// Hardware delegates to the tracker's own saccade-start events.
	Hardware
)

func (a Algorithm) String() string {
	switch a {
	case Position:
		return "position"
	case Velocity:
		return "velocity"
	case Hardware:
		return "eyelink"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// ParseAlgorithm maps configuration names to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "position":
		return Position, nil
	case "velocity":
		return Velocity, nil
	case "eyelink", "hardware":
		return Hardware, nil
	default:
		return 0, fmt.Errorf("%w: %q", models.ErrUnknownAlgorithm, name)
	}
}

// Outcome tells callers why Detect returned.
type Outcome int

const (
	// Detected means a saccade onset was found before the deadline.
	Detected Outcome = iota
	// TimedOut means MaxTime elapsed without a saccade.
	TimedOut
	// Cancelled means the context ended polling.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Detected:
		return "detected"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// SaccadeWaiter is implemented by trackers that report saccade onsets themselves.
type SaccadeWaiter interface {
	// WaitForSaccadeStart blocks until the tracker reports a saccade start or the
	// timeout elapses. It reports whether a saccade started.
	WaitForSaccadeStart(ctx context.Context, timeout time.Duration) (bool, error)
}

// Default detection parameters.
const (
	DefaultThreshold  = 0.25
	DefaultMaxTime    = time.Second
	DefaultSampleRate = 1000.0
	// MinVelocitySamples is the number of velocities needed before the robust
	// scaling is trusted.
	MinVelocitySamples = 4
	// DefaultMinDeviation keeps the per-axis scale away from zero.
	DefaultMinDeviation = 1e-3
	// DefaultVelocityWindow is the number of recent velocities the scaling is
	// computed over, 250 ms at 1000 Hz.
	DefaultVelocityWindow = 250
)

// Params configures one Detect call.
type Params struct {
	Algorithm Algorithm
	// Threshold is in degrees for Position and in median-deviation units for Velocity.
	Threshold float64
	// Direction primes Velocity detection with the expected saccade direction.
	Direction *Point
	// Fixation is the reference point for Position; the first sample when nil.
	Fixation *Point
	// MaxTime bounds polling in every algorithm.
	MaxTime time.Duration
	// SampleRate in Hz sets the polling interval.
	SampleRate      float64
	PixelsPerDegree float64
	MinDeviation    float64
	// Window bounds the rolling velocity buffer of Velocity detection.
	Window int
}

// Env holds the collaborators Detect polls.
type Env struct {
	Clock    clock.Clock
	Source   Source
	Hardware SaccadeWaiter // optional
}

// Result reports the outcome of a detection.
type Result struct {
	Outcome Outcome
	// Time is the clock reading when polling ended.
	Time time.Duration
	// Elapsed is the time spent polling.
	Elapsed time.Duration
	// Samples counts gaze samples consumed.
	Samples int
	// Position is the last gaze sample seen.
	Position Point
}

// Found reports whether a saccade was detected.
func (r Result) Found() bool { return r.Outcome == Detected }

// Detect polls gaze until the configured algorithm fires, MaxTime elapses or ctx
// is done.
func Detect(ctx context.Context, p Params, env Env) (Result, error) {
	if env.Clock == nil || env.Source == nil {
		return Result{}, fmt.Errorf("saccade detection needs a clock and a gaze source")
	}
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	if p.MaxTime <= 0 {
		p.MaxTime = DefaultMaxTime
	}
	if p.SampleRate <= 0 {
		p.SampleRate = DefaultSampleRate
	}
	if p.MinDeviation <= 0 {
		p.MinDeviation = DefaultMinDeviation
	}
	if p.Window < MinVelocitySamples {
		p.Window = DefaultVelocityWindow
	}

	slog.Debug("Detect saccade", "algorithm", p.Algorithm, "threshold", p.Threshold, "max_time", p.MaxTime)

	switch p.Algorithm {
	case Position:
		if p.PixelsPerDegree <= 0 {
			return Result{}, fmt.Errorf("position detection needs pixels per degree")
		}
		return poll(ctx, p, env, newPositionCriterion(p))
	case Velocity:
		return poll(ctx, p, env, newVelocityCriterion(p))
	case Hardware:
		if env.Hardware == nil {
			slog.Debug("No hardware saccade events available, falling back to position detection")
			p.Algorithm = Position
			return Detect(ctx, p, env)
		}
		return waitHardware(ctx, p, env)
	default:
		return Result{}, fmt.Errorf("%w: %v", models.ErrUnknownAlgorithm, p.Algorithm)
	}
}

// criterion consumes one sample and reports whether a saccade started.
type criterion func(pt Point) bool

func poll(ctx context.Context, p Params, env Env, fire criterion) (Result, error) {
	interval := time.Duration(float64(time.Second) / p.SampleRate)
	start := env.Clock.Now()
	res := Result{Outcome: TimedOut}

	for {
		now := env.Clock.Now()
		res.Time = now
		res.Elapsed = now - start
		if ctx.Err() != nil {
			res.Outcome = Cancelled
			return res, nil
		}
		if res.Elapsed > p.MaxTime {
			res.Outcome = TimedOut
			return res, nil
		}
		if pt, ok := env.Source.Sample(); ok {
			res.Samples++
			res.Position = pt
			if fire(pt) {
				res.Outcome = Detected
				return res, nil
			}
		}
		env.Clock.Sleep(interval)
	}
}

func newPositionCriterion(p Params) criterion {
	var fixation *Point
	if p.Fixation != nil {
		f := *p.Fixation
		fixation = &f
	}
	return func(pt Point) bool {
		if fixation == nil {
			f := pt
			fixation = &f
			return false
		}
		return VisualAngle(pt, *fixation, p.PixelsPerDegree) > p.Threshold
	}
}

// velocityBuffer holds the most recent frame-to-frame velocities.
type velocityBuffer struct {
	last    *Point
	vx, vy  []float64
	window  int
	minDev  float64
	primed  bool
	primeTo Point
}

func newVelocityCriterion(p Params) criterion {
	b := &velocityBuffer{minDev: p.MinDeviation, window: p.Window}
	if p.Direction != nil {
		b.primed = true
		b.primeTo = p.Direction.Unit()
	}
	return func(pt Point) bool {
		return b.add(pt, p.Threshold)
	}
}

func (b *velocityBuffer) add(pt Point, threshold float64) bool {
	if b.last == nil {
		b.last = &pt
		return false
	}
	// repeated samples carry no new information
	if pt == *b.last {
		return false
	}
	v := pt.Sub(*b.last)
	b.last = &pt
	b.vx = append(b.vx, v.X)
	b.vy = append(b.vy, v.Y)
	if b.window > 0 && len(b.vx) > b.window {
		b.vx = append(b.vx[:0], b.vx[1:]...)
		b.vy = append(b.vy[:0], b.vy[1:]...)
	}
	if len(b.vx) < MinVelocitySamples {
		return false
	}

	scaled := Point{
		X: v.X / math.Max(medianDeviation(b.vx), b.minDev),
		Y: v.Y / math.Max(medianDeviation(b.vy), b.minDev),
	}
	if b.primed {
		return scaled.Dot(b.primeTo) > threshold
	}
	return scaled.Norm() > threshold
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// medianDeviation returns the mean absolute distance of xs from their median.
func medianDeviation(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	dev := append([]float64(nil), xs...)
	floats.AddConst(-median(xs), dev)
	return floats.Norm(dev, 1) / float64(len(dev))
}

func waitHardware(ctx context.Context, p Params, env Env) (Result, error) {
	start := env.Clock.Now()
	found, err := env.Hardware.WaitForSaccadeStart(ctx, p.MaxTime)
	now := env.Clock.Now()
	res := Result{Time: now, Elapsed: now - start, Outcome: TimedOut}
	switch {
	case err != nil && ctx.Err() != nil:
		res.Outcome = Cancelled
		return res, nil
	case err != nil:
		return res, fmt.Errorf("tracker saccade wait failed: %w", err)
	case found:
		res.Outcome = Detected
	}
	return res, nil
}
