package tracker

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/BTreeMap/ExpTools/internal/gaze"
	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/google/go-cmp/cmp"
)

func TestCalibrationLayoutFivePoints(t *testing.T) {
	pts, err := CalibrationLayout(5, 1000, 800, 0.5, 0)
	if err != nil {
		t.Fatalf("CalibrationLayout: %v", err)
	}
	// span 400px: xs 300..700, ys 200..600 in steps of 100
	want := []gaze.Point{
		{X: 500, Y: 400},
		{X: 500, Y: 200},
		{X: 500, Y: 600},
		{X: 300, Y: 400},
		{X: 700, Y: 400},
	}
	if diff := cmp.Diff(want, pts); diff != "" {
		t.Errorf("layout mismatch (-want +got):\n%s", diff)
	}
}

func TestCalibrationLayoutNinePointsWithOffset(t *testing.T) {
	pts, err := CalibrationLayout(9, 1000, 800, 0.5, 20)
	if err != nil {
		t.Fatalf("CalibrationLayout: %v", err)
	}
	if len(pts) != 9 {
		t.Fatalf("expected 9 points, got %d", len(pts))
	}
	wantTail := []gaze.Point{
		{X: 420, Y: 300},
		{X: 620, Y: 300},
		{X: 420, Y: 500},
		{X: 620, Y: 500},
	}
	if diff := cmp.Diff(wantTail, pts[5:]); diff != "" {
		t.Errorf("diagonal targets mismatch (-want +got):\n%s", diff)
	}
	if pts[0].X != 520 {
		t.Errorf("center should be shifted by the offset, got %v", pts[0])
	}
}

func TestCalibrationLayoutRejectsOtherCounts(t *testing.T) {
	for _, n := range []int{0, 4, 13} {
		if _, err := CalibrationLayout(n, 1000, 800, 0.5, 0); !errors.Is(err, models.ErrInvalidCalibrationPoints) {
			t.Errorf("n=%d: expected ErrInvalidCalibrationPoints, got %v", n, err)
		}
	}
}

func commandValue(cmds []string, prefix string) (string, bool) {
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			return strings.TrimPrefix(c, prefix), true
		}
	}
	return "", false
}

func TestCustomCalibrationRepeatFirst(t *testing.T) {
	cal, _ := CalibrationLayout(9, 1000, 800, 0.5, 0)
	val, _ := CalibrationLayout(9, 1000, 800, 0.5*ValidationScale, 0)

	tests := []struct {
		repeat  bool
		samples string
	}{
		{true, "10"},
		{false, "9"},
	}
	for _, tt := range tests {
		d := NewDummy(nil)
		if err := CustomCalibration(d, cal, val, true, tt.repeat); err != nil {
			t.Fatalf("CustomCalibration: %v", err)
		}
		cmds := d.Commands()
		if got, _ := commandValue(cmds, "calibration_samples="); got != tt.samples {
			t.Errorf("repeat=%v: calibration_samples = %q, want %s", tt.repeat, got, tt.samples)
		}
		if got, _ := commandValue(cmds, "validation_samples="); got != tt.samples {
			t.Errorf("repeat=%v: validation_samples = %q, want %s", tt.repeat, got, tt.samples)
		}
		if got, _ := commandValue(cmds, "calibration_sequence="); got != "0, 1, 2, 3, 4, 5, 6, 7, 8" {
			t.Errorf("calibration_sequence = %q", got)
		}
		if got, _ := commandValue(cmds, "calibration_targets = "); !strings.HasPrefix(got, "500,400 500,200 ") {
			t.Errorf("calibration_targets = %q", got)
		}
	}
}

func TestApplySettings(t *testing.T) {
	s := DefaultSettings()
	s.ScreenWidthPx, s.ScreenHeightPx = 1920, 1080
	s.WidthCm, s.HeightCm, s.DistanceCm = 39, 29, 57
	s.SensitivityClass = SensitivityPursuit

	d := NewDummy(nil)
	ApplySettings(d, s)
	cmds := d.Commands()

	for prefix, want := range map[string]string{
		"screen_pixel_coords = ":        " 0 0 1920 1080",
		"saccade_velocity_threshold = ": "22",
		"heuristic_filter ":             "0 1",
		"screen_phys_coords = ":         "-19 14 19 -14",
		"calibration_type = ":           "HV9",
		"simulation_screen_distance = ": "57",
	} {
		got, ok := commandValue(cmds, prefix)
		if !ok || got != want {
			t.Errorf("%q = %q, want %q", prefix, got, want)
		}
	}
}

func TestApplySettingsSplitScreen(t *testing.T) {
	s := DefaultSettings()
	s.ScreenWidthPx, s.ScreenHeightPx = 1600, 600
	s.SplitScreen = true
	s.ScreenHalf = "R"

	d := NewDummy(nil)
	ApplySettings(d, s)
	got, ok := commandValue(d.Commands(), "calibration_targets = ")
	if !ok {
		t.Fatal("no calibration_targets command")
	}
	// right half starts at x=800, its centre is at 1200
	if !strings.HasPrefix(got, "1200,300 1200,540 1200,60 ") {
		t.Errorf("calibration_targets = %q", got)
	}
}

func TestConnectDegrades(t *testing.T) {
	failing := func(ctx context.Context, s Settings) (Tracker, error) {
		return nil, errors.New("no link")
	}
	if tr := Connect(context.Background(), failing, DefaultSettings()); tr != nil {
		t.Errorf("expected nil tracker on failure, got %v", tr)
	}
	if tr := Connect(context.Background(), nil, DefaultSettings()); tr != nil {
		t.Errorf("expected nil tracker without connector, got %v", tr)
	}

	d := NewDummy(nil)
	tr := Connect(context.Background(), DummyConnector(d), DefaultSettings())
	if tr == nil {
		t.Fatal("expected a connected tracker")
	}
	if len(d.Commands()) == 0 {
		t.Error("Connect should apply settings")
	}
}

func TestDriftCorrectLoopRepeatsOnEscape(t *testing.T) {
	d := NewDummy(nil, WithDriftCodes(EscapeCode, EscapeCode, 0))
	code, err := DriftCorrectLoop(context.Background(), d, 960, 540, DefaultSettings())
	if err != nil {
		t.Fatalf("DriftCorrectLoop: %v", err)
	}
	if code != 0 {
		t.Errorf("code = %d, want 0", code)
	}
	if d.Calibrations() != 2 {
		t.Errorf("expected setup after each escape, got %d calibrations", d.Calibrations())
	}
	if !d.Recording() {
		t.Error("setup should start recording")
	}
}

func TestSetupLogsScale(t *testing.T) {
	d := NewDummy(nil)
	s := DefaultSettings()
	s.PixelsPerDegree = 40
	if err := Setup(d, s); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if diff := cmp.Diff([]string{"degrees per pixel 40"}, d.Messages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestEDFName(t *testing.T) {
	re := regexp.MustCompile(`^GD_3_\d{1,2}\.edf$`)
	for i := 0; i < 20; i++ {
		if name := EDFName("GDH", 3); !re.MatchString(name) {
			t.Fatalf("EDFName = %q", name)
		}
	}
}
