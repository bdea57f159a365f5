package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/BTreeMap/ExpTools/internal/session"
	"github.com/google/go-cmp/cmp"
)

// clearEnv unsets every variable ApplyEnv reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EXPTOOLS_REFRESH_RATE", "EXPTOOLS_SCREEN_DISTANCE", "EXPTOOLS_DATA_DIR",
		"EXPTOOLS_TRACKER", "EXPTOOLS_TRACKER_CALIBRATION", "EXPTOOLS_DRIFT_CORRECT",
		"EXPTOOLS_MRI", "EXPTOOLS_MRI_TR", "EXPTOOLS_MRI_SIMULATE", "EXPTOOLS_MRI_TRIGGER_KEY",
		"EXPTOOLS_AUDIO", "EXPTOOLS_SOUND_DIR", "EXPTOOLS_EEG_ADDR",
		"EXPTOOLS_MONITOR", "EXPTOOLS_MONITOR_ADDR", "EXPTOOLS_DB_DSN", "DATABASE_URL",
		"EXPTOOLS_TRIALS", "EXPTOOLS_SEED",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("HOME", t.TempDir())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exptools.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if c.MRI.TR != 2*time.Second || c.MRI.TriggerKey != models.DefaultTriggerKey {
		t.Errorf("mri defaults = %+v", c.MRI)
	}
	if diff := cmp.Diff(models.DefaultAbortKeys, c.Session.AbortKeys); diff != "" {
		t.Errorf("abort keys mismatch (-want +got):\n%s", diff)
	}
	if c.Experiment.ResponseTime != 1500*time.Millisecond {
		t.Errorf("response time = %v, want 1.5s", c.Experiment.ResponseTime)
	}
}

func TestLoadWithoutUserFile(t *testing.T) {
	clearEnv(t)
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("config differs from defaults (-want +got):\n%s", diff)
	}
}

func TestLoadFileOverridesFields(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
screen:
  size: [1024, 768]
mri:
  enabled: true
  tr: 1500ms
eyetracker:
  enabled: true
  calibration: custom
  n_calib_points: 5
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Screen.Size != [2]int{1024, 768} {
		t.Errorf("size = %v", c.Screen.Size)
	}
	if c.Screen.PhysicalScreenDistance != 57 {
		t.Errorf("unset field lost its default: distance = %v", c.Screen.PhysicalScreenDistance)
	}
	sc, enabled := c.ScannerConfig()
	if !enabled || sc.TR != 1500*time.Millisecond || !sc.Simulate {
		t.Errorf("ScannerConfig() = %+v, %v", sc, enabled)
	}
	if c.TrackerMode() != session.TrackerCustom {
		t.Errorf("TrackerMode() = %v, want custom", c.TrackerMode())
	}
	ts := c.TrackerSettings()
	if ts.NCalibPoints != 5 || ts.CalibrationType != "HV5" {
		t.Errorf("tracker settings = %+v", ts)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	clearEnv(t)
	if _, err := Load(writeConfig(t, "screen: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "mri:\n  tr: 3s\n")
	t.Setenv("EXPTOOLS_MRI", "yes")
	t.Setenv("EXPTOOLS_MRI_TR", "2.5")
	t.Setenv("EXPTOOLS_MRI_TRIGGER_KEY", "5")
	t.Setenv("EXPTOOLS_DATA_DIR", "/tmp/out")
	t.Setenv("DATABASE_URL", "postgres://localhost/exptools")
	t.Setenv("EXPTOOLS_TRIALS", "12")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sc, enabled := c.ScannerConfig()
	if !enabled || sc.TR != 2500*time.Millisecond || sc.TriggerKey != "5" {
		t.Errorf("ScannerConfig() = %+v, %v", sc, enabled)
	}
	if c.Session.DataDir != "/tmp/out" {
		t.Errorf("data dir = %q", c.Session.DataDir)
	}
	if c.Experiment.Trials != 12 {
		t.Errorf("trials = %d, want 12", c.Experiment.Trials)
	}
	if opts := c.StoreOptions(); len(opts) != 1 {
		t.Errorf("StoreOptions() = %d options, want 1", len(opts))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero width", func(c *Config) { c.Screen.Size[0] = 0 }},
		{"zero distance", func(c *Config) { c.Screen.PhysicalScreenDistance = 0 }},
		{"mri without tr", func(c *Config) { c.MRI.Enabled = true; c.MRI.TR = 0 }},
		{"unknown calibration", func(c *Config) { c.Eyetracker.Calibration = "auto" }},
		{"negative trials", func(c *Config) { c.Experiment.Trials = -1 }},
		{"zero step", func(c *Config) { c.Experiment.Staircase.Step = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	c := Default()
	sc := c.SessionConfig("GdH", 2)
	if sc.Subject != "GdH" || sc.Index != 2 || sc.DataDir != "data" || sc.RefreshRate != 60 {
		t.Errorf("SessionConfig() = %+v", sc)
	}
	if sc.Geometry.WidthPx != 1920 || sc.Geometry.DistanceCm != 57 {
		t.Errorf("geometry = %+v", sc.Geometry)
	}
	if c.TrackerMode() != session.TrackerOff {
		t.Errorf("TrackerMode() = %v, want off", c.TrackerMode())
	}
	m := c.MotionConfig()
	if m.LeftKey != "a" || m.RightKey != "l" || m.NDots != 200 || m.StimulusTime != time.Second {
		t.Errorf("MotionConfig() = %+v", m)
	}
	if st := c.StaircaseConfig(); st.Start != 0.5 || st.Step != 0.05 || st.Max != 1 {
		t.Errorf("StaircaseConfig() = %+v", st)
	}
	if opts := c.StoreOptions(); opts != nil {
		t.Errorf("StoreOptions() = %d options, want JSON file default", len(opts))
	}
}
