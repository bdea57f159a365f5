package gaze

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/BTreeMap/ExpTools/internal/clock"
	"github.com/BTreeMap/ExpTools/internal/models"
)

// jitterThenJump returns n samples alternating ±0.5px around origin, followed by
// samples displaced by jump.
func jitterThenJump(n int, jump Point) []Point {
	pts := make([]Point, 0, n+5)
	for i := 0; i < n; i++ {
		off := 0.5
		if i%2 == 1 {
			off = -0.5
		}
		pts = append(pts, Point{X: off, Y: -off})
	}
	for i := 1; i <= 5; i++ {
		pts = append(pts, Point{X: jump.X * float64(i), Y: jump.Y * float64(i)})
	}
	return pts
}

func TestVelocityDetectsJump(t *testing.T) {
	const k = 20
	src := NewReplay(jitterThenJump(k, Point{X: 40, Y: 0}))
	clk := clock.NewManual()

	res, err := Detect(context.Background(), Params{
		Algorithm:  Velocity,
		Threshold:  5,
		MaxTime:    time.Second,
		SampleRate: 1000,
	}, Env{Clock: clk, Source: src})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Outcome != Detected {
		t.Fatalf("expected detection, got %v", res.Outcome)
	}
	// detection happens on the first displaced sample, within one sample of the jump
	if res.Samples < k+1 || res.Samples > k+2 {
		t.Errorf("detected after %d samples, want about %d", res.Samples, k+1)
	}
}

func TestVelocityWindowIsBounded(t *testing.T) {
	const window = 8
	b := &velocityBuffer{minDev: DefaultMinDeviation, window: window}
	for i, pt := range jitterThenJump(500, Point{})[:500] {
		b.add(pt, 5)
		if len(b.vx) > window || len(b.vy) > window {
			t.Fatalf("after %d samples the buffer holds %d velocities, want at most %d", i+1, len(b.vx), window)
		}
	}
	if len(b.vx) != window {
		t.Errorf("buffer holds %d velocities, want %d", len(b.vx), window)
	}

	res, err := Detect(context.Background(), Params{
		Algorithm: Velocity,
		Threshold: 5,
		Window:    window,
		MaxTime:   time.Second,
	}, Env{Clock: clock.NewManual(), Source: NewReplay(jitterThenJump(500, Point{X: 40}))})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Outcome != Detected || res.Samples > 502 {
		t.Errorf("outcome = %v after %d samples, want detection at the jump", res.Outcome, res.Samples)
	}
}

func TestVelocityDirectionPriming(t *testing.T) {
	const k = 20
	tests := []struct {
		name      string
		direction Point
		want      Outcome
	}{
		{"aligned", Point{X: 1}, Detected},
		{"opposite", Point{X: -1}, TimedOut},
		{"orthogonal", Point{Y: 1}, TimedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := tt.direction
			res, err := Detect(context.Background(), Params{
				Algorithm: Velocity,
				Threshold: 5,
				Direction: &dir,
				MaxTime:   100 * time.Millisecond,
			}, Env{Clock: clock.NewManual(), Source: NewReplay(jitterThenJump(k, Point{X: 40}))})
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("outcome = %v, want %v", res.Outcome, tt.want)
			}
		})
	}
}

func TestVelocityStationaryTimesOut(t *testing.T) {
	clk := clock.NewManual()
	res, err := Detect(context.Background(), Params{
		Algorithm: Velocity,
		Threshold: 5,
		MaxTime:   200 * time.Millisecond,
	}, Env{Clock: clk, Source: Static{Position: Point{X: 100, Y: 100}}})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Outcome != TimedOut {
		t.Fatalf("expected timeout for a stationary stream, got %v", res.Outcome)
	}
	if res.Elapsed <= 200*time.Millisecond {
		t.Errorf("returned before MaxTime: %v", res.Elapsed)
	}
	// at most one extra polling interval past the deadline
	if res.Elapsed > 202*time.Millisecond {
		t.Errorf("overran MaxTime: %v", res.Elapsed)
	}
}

func TestPositionThreshold(t *testing.T) {
	fix := Point{X: 960, Y: 540}
	tests := []struct {
		name   string
		offset float64
		want   Outcome
	}{
		{"inside", 10, TimedOut},
		{"outside", 30, Detected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewReplay([]Point{fix, fix, {X: fix.X + tt.offset, Y: fix.Y}})
			res, err := Detect(context.Background(), Params{
				Algorithm:       Position,
				Threshold:       0.5,
				PixelsPerDegree: 40,
				MaxTime:         50 * time.Millisecond,
			}, Env{Clock: clock.NewManual(), Source: src})
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("outcome = %v, want %v", res.Outcome, tt.want)
			}
		})
	}
}

type fakeWaiter struct {
	found bool
	err   error
	calls int
}

func (f *fakeWaiter) WaitForSaccadeStart(ctx context.Context, timeout time.Duration) (bool, error) {
	f.calls++
	return f.found, f.err
}

func TestHardwareDelegatesAndFallsBack(t *testing.T) {
	w := &fakeWaiter{found: true}
	res, err := Detect(context.Background(), Params{Algorithm: Hardware, PixelsPerDegree: 40},
		Env{Clock: clock.NewManual(), Source: Static{}, Hardware: w})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if w.calls != 1 || !res.Found() {
		t.Errorf("expected one hardware wait with detection, calls=%d outcome=%v", w.calls, res.Outcome)
	}

	// no hardware events: falls back to position and times out on a static source
	res, err = Detect(context.Background(), Params{Algorithm: Hardware, PixelsPerDegree: 40, MaxTime: 10 * time.Millisecond},
		Env{Clock: clock.NewManual(), Source: Static{}})
	if err != nil {
		t.Fatalf("Detect fallback: %v", err)
	}
	if res.Outcome != TimedOut || res.Samples == 0 {
		t.Errorf("expected position fallback to poll and time out, got %v after %d samples", res.Outcome, res.Samples)
	}
}

func TestDetectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Detect(ctx, Params{Algorithm: Velocity}, Env{Clock: clock.NewManual(), Source: Static{}})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Outcome != Cancelled {
		t.Errorf("expected cancelled, got %v", res.Outcome)
	}
}

func TestParseAlgorithm(t *testing.T) {
	for name, want := range map[string]Algorithm{"position": Position, "Velocity": Velocity, "eyelink": Hardware} {
		got, err := ParseAlgorithm(name)
		if err != nil || got != want {
			t.Errorf("ParseAlgorithm(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseAlgorithm("microsaccade"); !errors.Is(err, models.ErrUnknownAlgorithm) {
		t.Errorf("expected ErrUnknownAlgorithm, got %v", err)
	}
}

func TestMedianDeviation(t *testing.T) {
	if got := medianDeviation([]float64{1, 1, 2, 2, 4, 6, 9}); math.Abs(got-15.0/7) > 1e-12 {
		t.Errorf("medianDeviation = %v, want %v", got, 15.0/7)
	}
	if got := VisualAngle(Point{}, Point{X: 30, Y: 40}, 10); math.Abs(got-5) > 1e-12 {
		t.Errorf("VisualAngle = %v, want 5", got)
	}
}
