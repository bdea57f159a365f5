// Package staircase implements the adaptive threshold procedure used to set stimulus
// intensity from recent response correctness.
//
// The default rule is 3-up-1-down in terms of difficulty: three correct answers in a
// row lower the intensity by one step, a single incorrect answer raises it by one
// step. Every adjustment resets the streaks.
package staircase

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/BTreeMap/ExpTools/internal/models"
)

// Default rule constants.
const (
	DefaultDown = 3
	DefaultUp   = 1
)

// Config configures a Staircase.
type Config struct {
	Start float64 // initial intensity
	Step  float64 // adjustment magnitude, > 0

	// Down is the number of consecutive correct answers that lowers the intensity.
	Down int
	// Up is the number of consecutive incorrect answers that raises the intensity.
	Up int

	// Min and Max clamp the intensity when Min < Max. Leave both zero for an
	// unbounded staircase.
	Min float64
	Max float64

	// StepFactor in (0, 1) shrinks the step on every reversal. MinStep bounds the
	// shrinking from below.
	StepFactor float64
	MinStep    float64
}

// Response is one answered trial as seen by the staircase.
type Response struct {
	Intensity float64 `json:"intensity"` // intensity the answer was given at
	Correct   bool    `json:"correct"`
}

// Staircase tracks intensity across trials. It is not safe for concurrent use; a
// session drives it from its single trial loop.
type Staircase struct {
	cfg       Config
	intensity float64
	step      float64

	consecutiveCorrect   int
	consecutiveIncorrect int

	lastDirection int // -1 after a decrease, +1 after an increase
	reversals     int
	history       []Response
}

// New creates a staircase, filling Down and Up with the 3-up-1-down defaults.
func New(cfg Config) (*Staircase, error) {
	if cfg.Step <= 0 || math.IsNaN(cfg.Step) {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidStep, cfg.Step)
	}
	if cfg.Down <= 0 {
		cfg.Down = DefaultDown
	}
	if cfg.Up <= 0 {
		cfg.Up = DefaultUp
	}
	s := &Staircase{cfg: cfg, step: cfg.Step}
	s.intensity = s.clamp(cfg.Start)
	return s, nil
}

// Intensity returns the current intensity.
func (s *Staircase) Intensity() float64 { return s.intensity }

// Step returns the current step size.
func (s *Staircase) Step() float64 { return s.step }

// Reversals returns how many times the direction of adjustment has flipped.
func (s *Staircase) Reversals() int { return s.reversals }

// History returns a copy of all answers in order.
func (s *Staircase) History() []Response {
	return append([]Response(nil), s.history...)
}

// Answer registers one response and adjusts the intensity when a streak completes.
// It reports whether the intensity was adjusted.
func (s *Staircase) Answer(correct bool) bool {
	s.history = append(s.history, Response{Intensity: s.intensity, Correct: correct})

	if correct {
		s.consecutiveIncorrect = 0
		s.consecutiveCorrect++
		if s.consecutiveCorrect >= s.cfg.Down {
			s.adjust(-1)
			return true
		}
		return false
	}

	s.consecutiveCorrect = 0
	s.consecutiveIncorrect++
	if s.consecutiveIncorrect >= s.cfg.Up {
		s.adjust(+1)
		return true
	}
	return false
}

func (s *Staircase) adjust(direction int) {
	if s.lastDirection != 0 && direction != s.lastDirection {
		s.reversals++
		if s.cfg.StepFactor > 0 && s.cfg.StepFactor < 1 {
			s.step = math.Max(s.step*s.cfg.StepFactor, s.cfg.MinStep)
		}
	}
	s.lastDirection = direction

	prev := s.intensity
	s.intensity = s.clamp(s.intensity + float64(direction)*s.step)
	s.consecutiveCorrect = 0
	s.consecutiveIncorrect = 0

	slog.Debug("Staircase adjusted", "from", prev, "to", s.intensity, "step", s.step, "reversals", s.reversals)
}

func (s *Staircase) clamp(v float64) float64 {
	if s.cfg.Min < s.cfg.Max {
		return math.Min(math.Max(v, s.cfg.Min), s.cfg.Max)
	}
	return v
}
