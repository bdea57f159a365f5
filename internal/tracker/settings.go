package tracker

import (
	"fmt"
	"math"
	"strings"

	"github.com/BTreeMap/ExpTools/internal/gaze"
	"github.com/BTreeMap/ExpTools/internal/models"
)

// Sensitivity classes for saccade parsing.
const (
	SensitivityCognitive = 0
	SensitivityPursuit   = 1
)

// Settings configures the tracker link and its event parser.
type Settings struct {
	// SensitivityClass selects the saccade parser thresholds.
	SensitivityClass int
	// SplitScreen calibrates on one half of a stereo display.
	SplitScreen bool
	// ScreenHalf is "L" or "R" when SplitScreen is set.
	ScreenHalf             string
	AutoTriggerCalibration bool
	SampleRate             int
	CalibrationType        string
	// Margin keeps split-screen targets away from the screen edges, in pixels.
	Margin int

	ScreenWidthPx  int
	ScreenHeightPx int
	// Physical screen size and viewing distance.
	WidthCm    float64
	HeightCm   float64
	DistanceCm float64

	PixelsPerDegree float64
	DataFile        string

	// NCalibPoints, CalibSize and XOffset shape the custom calibration layout.
	NCalibPoints int
	CalibSize    float64
	XOffset      float64
}

// DefaultSettings returns the settings the tracker is configured with when the
// session does not override them.
func DefaultSettings() Settings {
	return Settings{
		AutoTriggerCalibration: true,
		SampleRate:             1000,
		CalibrationType:        "HV9",
		Margin:                 60,
		ScreenHalf:             "L",
		NCalibPoints:           9,
		CalibSize:              0.7,
	}
}

// ApplySettings sends the data filters, screen geometry, parser thresholds and
// calibration type to t.
func ApplySettings(t Tracker, s Settings) {
	class := 0
	if s.SensitivityClass == SensitivityPursuit {
		class = 1
	}
	sampleRate := s.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1000
	}

	t.SendCommand("file_event_filter = LEFT,RIGHT,FIXATION,SACCADE,BLINK,MESSAGE,BUTTON")
	t.SendCommand("file_sample_data = LEFT,RIGHT,GAZE,AREA,GAZERES,STATUS,HTARGET")
	t.SendCommand("link_event_filter = LEFT,RIGHT,FIXATION,FIXUPDATE,SACCADE,BLINK")
	t.SendCommand("link_sample_data = GAZE,GAZERES,AREA,HREF,PUPIL,STATUS")
	t.SendCommand("link_event_data = GAZE,GAZERES,AREA,HREF,VELOCITY,FIXAVG,STATUS")
	t.SendCommand(fmt.Sprintf("screen_pixel_coords =  0 0 %d %d", s.ScreenWidthPx, s.ScreenHeightPx))
	t.SendCommand("pupil_size_diameter = YES")
	t.SendCommand(fmt.Sprintf("heuristic_filter %d %d", [2]int{1, 0}[class], 1))
	t.SendCommand(fmt.Sprintf("sample_rate = %d", sampleRate))

	t.SendCommand(fmt.Sprintf("saccade_velocity_threshold = %d", [2]int{30, 22}[class]))
	t.SendCommand(fmt.Sprintf("saccade_acceleration_threshold = %d", [2]int{9500, 5000}[class]))
	t.SendCommand(fmt.Sprintf("saccade_motion_threshold = %g", [2]float64{0.15, 0}[class]))

	t.SendCommand(fmt.Sprintf("screen_phys_coords = %d %d %d %d",
		int(-s.WidthCm/2), int(s.HeightCm/2), int(s.WidthCm/2), int(-s.HeightCm/2)))
	t.SendCommand(fmt.Sprintf("simulation_screen_distance = %g", s.DistanceCm))

	if s.AutoTriggerCalibration {
		t.SendCommand("enable_automatic_calibration = YES")
	} else {
		t.SendCommand("enable_automatic_calibration = NO")
	}

	if s.SplitScreen {
		t.SendCommand("calibration_type = HV9")
		t.SendCommand("generate_default_targets = NO")
		targets := FormatTargets(SplitScreenTargets(s.ScreenWidthPx, s.ScreenHeightPx, s.Margin, s.ScreenHalf))
		t.SendCommand("calibration_targets = " + targets)
		t.SendCommand("validation_targets = " + targets)
		return
	}
	calType := s.CalibrationType
	if calType == "" {
		calType = "HV9"
	}
	t.SendCommand("calibration_type = " + calType)
}

// SplitScreenTargets returns the nine HV9 targets for one half of the screen, in
// the tracker's point order:
//
//	5 1 6
//	3 0 4
//	7 2 8
func SplitScreenTargets(width, height, margin int, half string) []gaze.Point {
	sh := float64(height)
	nsw := float64(width) / 2
	m := float64(margin)
	pts := []gaze.Point{
		{X: nsw / 2, Y: sh / 2},
		{X: nsw / 2, Y: sh - m},
		{X: nsw / 2, Y: m},
		{X: m, Y: sh / 2},
		{X: nsw - m, Y: sh / 2},
		{X: m, Y: sh - m},
		{X: nsw - m, Y: sh - m},
		{X: m, Y: m},
		{X: nsw - m, Y: m},
	}
	if strings.EqualFold(half, "R") {
		for i := range pts {
			pts[i].X += nsw
		}
	}
	return pts
}

// CalibrationLayout returns n ∈ {5, 9} targets on a 5x5 grid spanning
// size*height pixels, centred on the screen and shifted horizontally by xOffset.
// The order is center, up, down, left, right, then left-up, right-up, left-down,
// right-down.
func CalibrationLayout(n, width, height int, size, xOffset float64) ([]gaze.Point, error) {
	if n != 5 && n != 9 {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidCalibrationPoints, n)
	}
	w, h := float64(width), float64(height)
	span := size * h
	xs := linspace((w-span)/2, w-(w-span)/2, 5)
	ys := linspace((h-span)/2, h-(h-span)/2, 5)
	for i := range xs {
		xs[i] += xOffset
	}

	at := func(i, j int) gaze.Point {
		return gaze.Point{X: math.RoundToEven(xs[i]), Y: math.RoundToEven(ys[j])}
	}
	pts := []gaze.Point{
		at(2, 2), // center
		at(2, 0), // up
		at(2, 4), // down
		at(0, 2), // left
		at(4, 2), // right
	}
	if n == 9 {
		pts = append(pts,
			at(1, 1), // left-up
			at(3, 1), // right-up
			at(1, 3), // left-down
			at(3, 3), // right-down
		)
	}
	return pts, nil
}

// ValidationScale shrinks the validation layout relative to calibration.
const ValidationScale = 0.75

func linspace(start, end float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// FormatTargets renders points as "x1,y1 x2,y2 ...".
func FormatTargets(pts []gaze.Point) string {
	parts := make([]string, len(pts))
	for i, p := range pts {
		parts[i] = fmt.Sprintf("%d,%d", int(math.RoundToEven(p.X)), int(math.RoundToEven(p.Y)))
	}
	return strings.Join(parts, " ")
}

// CustomCalibration sends an explicit calibration and validation target set. When
// repeatFirst is set the first target is shown twice, so the tracker expects one
// more sample than there are targets.
func CustomCalibration(t Tracker, cal, val []gaze.Point, randomize, repeatFirst bool) error {
	n := len(cal)
	if n != 5 && n != 9 {
		return fmt.Errorf("%w: %d", models.ErrInvalidCalibrationPoints, n)
	}
	if len(val) != n {
		return fmt.Errorf("validation has %d targets, calibration has %d", len(val), n)
	}

	indices := make([]string, n)
	for i := range indices {
		indices[i] = fmt.Sprintf("%d", i)
	}
	sequence := strings.Join(indices, ", ")

	samples := n
	if repeatFirst {
		samples++
	}

	t.SendCommand(fmt.Sprintf("calibration_type = HV%d", n))
	t.SendCommand("generate_default_targets = NO")
	t.SendCommand(fmt.Sprintf("randomize_calibration_order %d", boolInt(randomize)))
	t.SendCommand(fmt.Sprintf("randomize_validation_order %d", boolInt(randomize)))
	t.SendCommand(fmt.Sprintf("cal_repeat_first_target %d", boolInt(repeatFirst)))
	t.SendCommand(fmt.Sprintf("val_repeat_first_target %d", boolInt(repeatFirst)))

	t.SendCommand(fmt.Sprintf("calibration_samples=%d", samples))
	t.SendCommand("calibration_sequence=" + sequence)
	t.SendCommand("calibration_targets = " + FormatTargets(cal))

	t.SendCommand(fmt.Sprintf("validation_samples=%d", samples))
	t.SendCommand("validation_sequence=" + sequence)
	t.SendCommand("validation_targets = " + FormatTargets(val))
	return nil
}

// SetupCustom lays out, sends and runs a custom calibration with randomized order
// and a repeated first target, then runs Setup.
func SetupCustom(t Tracker, s Settings) error {
	if t == nil {
		return nil
	}
	cal, err := CalibrationLayout(s.NCalibPoints, s.ScreenWidthPx, s.ScreenHeightPx, s.CalibSize, s.XOffset)
	if err != nil {
		return err
	}
	val, err := CalibrationLayout(s.NCalibPoints, s.ScreenWidthPx, s.ScreenHeightPx, s.CalibSize*ValidationScale, s.XOffset)
	if err != nil {
		return err
	}
	if err := CustomCalibration(t, cal, val, true, true); err != nil {
		return err
	}
	return Setup(t, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
