// Package gaze provides gaze samples, visual-angle geometry and saccade detection.
package gaze

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Point is a screen position in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }

// Norm returns the Euclidean length of p.
func (p Point) Norm() float64 { return floats.Norm([]float64{p.X, p.Y}, 2) }

// Unit returns p scaled to length one, or the zero point for a zero vector.
func (p Point) Unit() Point {
	n := p.Norm()
	if n == 0 {
		return Point{}
	}
	return Point{p.X / n, p.Y / n}
}

// Dot returns the inner product of p and q.
func (p Point) Dot(q Point) float64 {
	return floats.Dot([]float64{p.X, p.Y}, []float64{q.X, q.Y})
}

// VisualAngle converts the pixel distance between a and b to degrees of visual angle.
func VisualAngle(a, b Point, pixelsPerDegree float64) float64 {
	if pixelsPerDegree <= 0 {
		return math.Inf(1)
	}
	return a.Sub(b).Norm() / pixelsPerDegree
}

// Source produces gaze positions. The second return value is false when no new
// sample is available.
type Source interface {
	Sample() (Point, bool)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (Point, bool)

// Sample calls f.
func (f SourceFunc) Sample() (Point, bool) { return f() }

// Static always reports the same position. Sessions use it as the fallback when no
// tracker or pointing device is attached.
type Static struct {
	Position Point
}

// Sample returns the fixed position.
func (s Static) Sample() (Point, bool) { return s.Position, true }

// Replay plays back a recorded sequence and then keeps returning the last point.
type Replay struct {
	mu     sync.Mutex
	points []Point
	next   int
}

// NewReplay creates a Replay over points.
func NewReplay(points []Point) *Replay {
	return &Replay{points: append([]Point(nil), points...)}
}

// Sample returns the next recorded point.
func (r *Replay) Sample() (Point, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.points) == 0 {
		return Point{}, false
	}
	i := r.next
	if i >= len(r.points) {
		i = len(r.points) - 1
	} else {
		r.next++
	}
	return r.points[i], true
}

// Consumed returns how many recorded points have been handed out.
func (r *Replay) Consumed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}
