package experiment

import (
	"log/slog"
	"math"
	"time"

	"github.com/BTreeMap/ExpTools/internal/display"
	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/BTreeMap/ExpTools/internal/session"
	"github.com/BTreeMap/ExpTools/internal/staircase"
	"github.com/BTreeMap/ExpTools/internal/trial"
)

// Motion trial phases.
const (
	PhaseFixation = iota
	PhaseStimulus
	PhaseResponse
)

// Directions of coherent motion in degrees.
const (
	DirectionRight = 0.0
	DirectionLeft  = 180.0
)

// EEG trigger codes sent at phase onsets.
const (
	TriggerStimulus = 1
	TriggerResponse = 2
)

// MotionConfig describes a motion discrimination trial.
type MotionConfig struct {
	FixationTime time.Duration
	StimulusTime time.Duration
	ResponseTime time.Duration

	LeftKey  models.Key
	RightKey models.Key

	NDots        int
	FieldSizeDeg float64 // aperture diameter
	DotSizeDeg   float64
	SpeedDeg     float64 // degrees per second
}

// DefaultMotionConfig returns a 0.5 s fixation, 1 s stimulus, 1.5 s response trial.
func DefaultMotionConfig() MotionConfig {
	return MotionConfig{
		FixationTime: 500 * time.Millisecond,
		StimulusTime: time.Second,
		ResponseTime: 1500 * time.Millisecond,
		LeftKey:      "a",
		RightKey:     "l",
		NDots:        200,
		FieldSizeDeg: 8,
		DotSizeDeg:   0.1,
		SpeedDeg:     5,
	}
}

// Durations returns the phase durations.
func (c MotionConfig) Durations() []time.Duration {
	return []time.Duration{c.FixationTime, c.StimulusTime, c.ResponseTime}
}

// NewMotionTrial builds a trial in which the subject reports the direction of a
// dot field whose coherence is the staircase intensity. The first response key
// in the stimulus or response phase is scored, fed to the staircase, answered
// with a feedback sound and ends the trial.
func NewMotionTrial(s *session.Session, id string, cfg MotionConfig, direction float64, sc *staircase.Staircase, seed uint64) (*trial.Trial, error) {
	coherence := sc.Intensity()
	params := models.Parameters{
		"direction":     direction,
		"intensity":     coherence,
		"fixation_time": cfg.FixationTime.Seconds(),
		"stimulus_time": cfg.StimulusTime.Seconds(),
		"response_time": cfg.ResponseTime.Seconds(),
	}

	field := NewDotField(cfg.NDots, s.Deg2Pix(cfg.FieldSizeDeg)/2, seed)
	speed := s.Deg2Pix(cfg.SpeedDeg)
	dotSize := s.Deg2Pix(cfg.DotSizeDeg)
	cx, cy := s.Config().Geometry.Center()
	clk := s.Clock()

	var last time.Duration
	onsetSent := map[int]bool{}

	draw := func(t *trial.Trial) error {
		now := clk.Now()
		if !onsetSent[t.Phase()] {
			onsetSent[t.Phase()] = true
			code := 0
			switch t.Phase() {
			case PhaseStimulus:
				code = TriggerStimulus
			case PhaseResponse:
				code = TriggerResponse
			}
			if code != 0 {
				if err := s.SendEEGTrigger(code); err != nil {
					slog.Warn("Failed to send EEG trigger", "trial_id", t.ID(), "code", code, "error", err)
				}
			}
			last = now
		}
		canvas, ok := s.Display().(display.Canvas)
		if !ok {
			return nil
		}
		if t.Phase() == PhaseStimulus {
			field.Step(coherence, direction, speed*(now-last).Seconds())
			xs, ys := field.Positions()
			for i := range xs {
				xs[i] += cx
				ys[i] += cy
			}
			canvas.DrawDots(xs, ys, dotSize)
		}
		canvas.DrawText("+", cx, cy)
		last = now
		return nil
	}

	respond := func(t *trial.Trial, key models.Key) {
		if t.Phase() == PhaseFixation {
			return
		}
		var answer int
		switch key {
		case cfg.LeftKey:
			answer = -1
		case cfg.RightKey:
			answer = 1
		default:
			return
		}
		p := t.Parameters()
		if _, answered := p["correct"]; answered {
			return
		}
		expected := math.Round(math.Cos(direction * math.Pi / 180))
		correct := float64(answer) == expected
		p["correct"] = correct
		p["answer"] = answer
		p["rt"] = (clk.Now() - t.PhaseEntered()[PhaseStimulus]).Seconds()
		sc.Answer(correct)
		t.Feedback(answer, expected)
		t.Stop()
	}

	return trial.New(s, id, params, cfg.Durations(),
		trial.WithAbortKeys(s.AbortKeys()...),
		trial.WithDrawer(draw),
		trial.WithKeyHandler(respond),
	)
}
