package experiment

import (
	"math"
	"math/rand/v2"
)

// DotField is a random dot kinematogram in a circular aperture. On every step a
// coherent fraction of the dots moves in the signal direction and the rest move
// in random directions. Dots leaving the aperture reappear at a random position.
type DotField struct {
	rng    *rand.Rand
	radius float64
	xs, ys []float64
}

// NewDotField places n dots uniformly in a circle of radius pixels around the
// origin. The same seed gives the same field.
func NewDotField(n int, radius float64, seed uint64) *DotField {
	f := &DotField{
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		radius: radius,
		xs:     make([]float64, n),
		ys:     make([]float64, n),
	}
	for i := range f.xs {
		f.xs[i], f.ys[i] = f.randomPosition()
	}
	return f
}

func (f *DotField) randomPosition() (float64, float64) {
	r := f.radius * math.Sqrt(f.rng.Float64())
	theta := 2 * math.Pi * f.rng.Float64()
	return r * math.Cos(theta), r * math.Sin(theta)
}

// Step moves every dot by distance pixels. coherence is the probability that a dot
// follows direction, in degrees counter-clockwise from rightward.
func (f *DotField) Step(coherence, direction, distance float64) {
	signal := direction * math.Pi / 180
	for i := range f.xs {
		theta := signal
		if f.rng.Float64() >= coherence {
			theta = 2 * math.Pi * f.rng.Float64()
		}
		x := f.xs[i] + distance*math.Cos(theta)
		// screen y grows downwards
		y := f.ys[i] - distance*math.Sin(theta)
		if math.Hypot(x, y) > f.radius {
			x, y = f.randomPosition()
		}
		f.xs[i], f.ys[i] = x, y
	}
}

// Positions returns the dot positions relative to the field centre.
func (f *DotField) Positions() (xs, ys []float64) {
	return append([]float64(nil), f.xs...), append([]float64(nil), f.ys...)
}

// Len returns the number of dots.
func (f *DotField) Len() int { return len(f.xs) }
