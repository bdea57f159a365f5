// Package config loads ExpTools settings: built-in defaults, an optional YAML
// file and EXPTOOLS_* environment overrides, in that order.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/ExpTools/internal/display"
	"github.com/BTreeMap/ExpTools/internal/experiment"
	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/BTreeMap/ExpTools/internal/mri"
	"github.com/BTreeMap/ExpTools/internal/session"
	"github.com/BTreeMap/ExpTools/internal/staircase"
	"github.com/BTreeMap/ExpTools/internal/store"
	"github.com/BTreeMap/ExpTools/internal/tracker"
	"github.com/BTreeMap/ExpTools/internal/util"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Calibration modes.
const (
	CalibrationStandard = "standard"
	CalibrationCustom   = "custom"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete ExpTools configuration.
type Config struct {
	Screen     Screen     `yaml:"screen"`
	Session    Session    `yaml:"session"`
	Eyetracker Eyetracker `yaml:"eyetracker"`
	MRI        MRI        `yaml:"mri"`
	Audio      Audio      `yaml:"audio"`
	EEG        EEG        `yaml:"eeg"`
	Monitor    Monitor    `yaml:"monitor"`
	Output     Output     `yaml:"output"`
	Experiment Experiment `yaml:"experiment"`
}

type Screen struct {
	Size                   [2]int     `yaml:"size"`
	PhysicalScreenSize     [2]float64 `yaml:"physical_screen_size"`
	PhysicalScreenDistance float64    `yaml:"physical_screen_distance"`
	RefreshRate            float64    `yaml:"refresh_rate"`
}

type Session struct {
	DataDir   string       `yaml:"data_dir"`
	AbortKeys []models.Key `yaml:"abort_keys"`
}

type Eyetracker struct {
	Enabled          bool    `yaml:"enabled"`
	Calibration      string  `yaml:"calibration"`
	NCalibPoints     int     `yaml:"n_calib_points"`
	SampleRate       int     `yaml:"sample_rate"`
	CalibSize        float64 `yaml:"calib_size"`
	XOffset          float64 `yaml:"x_offset"`
	SensitivityClass int     `yaml:"sensitivity_class"`
	SplitScreen      bool    `yaml:"split_screen"`
	ScreenHalf       string  `yaml:"screen_half"`
	Margin           int     `yaml:"margin"`
	DriftCorrect     bool    `yaml:"drift_correct"`
}

type MRI struct {
	Enabled    bool          `yaml:"enabled"`
	TR         time.Duration `yaml:"tr"`
	Simulate   bool          `yaml:"simulate"`
	TriggerKey models.Key    `yaml:"mri_trigger_key"`
}

type Audio struct {
	Enabled  bool   `yaml:"enabled"`
	SoundDir string `yaml:"sound_dir"`
}

type EEG struct {
	Address string `yaml:"address"`
}

type Monitor struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type Output struct {
	DSN string `yaml:"dsn"`
}

type Experiment struct {
	Trials       int           `yaml:"trials"`
	Seed         uint64        `yaml:"seed"`
	FixationTime time.Duration `yaml:"fixation_time"`
	StimulusTime time.Duration `yaml:"stimulus_time"`
	ResponseTime time.Duration `yaml:"response_time"`
	LeftKey      models.Key    `yaml:"left_key"`
	RightKey     models.Key    `yaml:"right_key"`
	NDots        int           `yaml:"n_dots"`
	FieldSize    float64       `yaml:"field_size"`
	DotSize      float64       `yaml:"dot_size"`
	Speed        float64       `yaml:"speed"`
	Staircase    Staircase     `yaml:"staircase"`
}

type Staircase struct {
	Start      float64 `yaml:"start"`
	Step       float64 `yaml:"step"`
	Min        float64 `yaml:"min"`
	Max        float64 `yaml:"max"`
	StepFactor float64 `yaml:"step_factor"`
	MinStep    float64 `yaml:"min_step"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	if err := yaml.Unmarshal(defaultsYAML, &c); err != nil {
		panic(fmt.Sprintf("embedded defaults.yaml is invalid: %v", err))
	}
	return c
}

// DefaultPath returns ~/.exptools/exptools.yaml, or "" without a home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".exptools", "exptools.yaml")
}

// Load reads the defaults, overlays the file at path and then the environment.
// An empty path reads DefaultPath when that file exists.
func Load(path string) (Config, error) {
	c := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
			slog.Debug("Config file loaded", "path", path)
		case errors.Is(err, os.ErrNotExist) && !explicit:
			slog.Debug("No user config file, using defaults", "path", path)
		default:
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyEnv overrides fields from EXPTOOLS_* variables. DATABASE_URL is honoured
// when EXPTOOLS_DB_DSN is unset.
func (c *Config) ApplyEnv() {
	c.Screen.RefreshRate = util.ParseFloatEnv("EXPTOOLS_REFRESH_RATE", c.Screen.RefreshRate)
	c.Screen.PhysicalScreenDistance = util.ParseFloatEnv("EXPTOOLS_SCREEN_DISTANCE", c.Screen.PhysicalScreenDistance)
	if v := os.Getenv("EXPTOOLS_DATA_DIR"); v != "" {
		c.Session.DataDir = v
	}

	c.Eyetracker.Enabled = util.ParseBoolEnv("EXPTOOLS_TRACKER", c.Eyetracker.Enabled)
	if v := os.Getenv("EXPTOOLS_TRACKER_CALIBRATION"); v != "" {
		c.Eyetracker.Calibration = strings.ToLower(v)
	}
	c.Eyetracker.DriftCorrect = util.ParseBoolEnv("EXPTOOLS_DRIFT_CORRECT", c.Eyetracker.DriftCorrect)

	c.MRI.Enabled = util.ParseBoolEnv("EXPTOOLS_MRI", c.MRI.Enabled)
	c.MRI.TR = util.ParseDurationEnv("EXPTOOLS_MRI_TR", c.MRI.TR)
	c.MRI.Simulate = util.ParseBoolEnv("EXPTOOLS_MRI_SIMULATE", c.MRI.Simulate)
	if v := os.Getenv("EXPTOOLS_MRI_TRIGGER_KEY"); v != "" {
		c.MRI.TriggerKey = models.Key(v)
	}

	c.Audio.Enabled = util.ParseBoolEnv("EXPTOOLS_AUDIO", c.Audio.Enabled)
	if v := os.Getenv("EXPTOOLS_SOUND_DIR"); v != "" {
		c.Audio.SoundDir = v
	}
	if v := os.Getenv("EXPTOOLS_EEG_ADDR"); v != "" {
		c.EEG.Address = v
	}

	c.Monitor.Enabled = util.ParseBoolEnv("EXPTOOLS_MONITOR", c.Monitor.Enabled)
	if v := os.Getenv("EXPTOOLS_MONITOR_ADDR"); v != "" {
		c.Monitor.Address = v
	}

	if v := os.Getenv("EXPTOOLS_DB_DSN"); v != "" {
		c.Output.DSN = v
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Output.DSN = v
	}

	c.Experiment.Trials = util.ParseIntEnv("EXPTOOLS_TRIALS", c.Experiment.Trials)
	c.Experiment.Seed = uint64(util.ParseIntEnv("EXPTOOLS_SEED", int(c.Experiment.Seed)))
}

// Validate checks the fields the session cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Screen.Size[0] <= 0 || c.Screen.Size[1] <= 0 {
		errs = append(errs, fmt.Errorf("%w: screen size %v", ErrInvalid, c.Screen.Size))
	}
	if c.Screen.PhysicalScreenDistance <= 0 {
		errs = append(errs, fmt.Errorf("%w: screen distance %v", ErrInvalid, c.Screen.PhysicalScreenDistance))
	}
	if c.MRI.Enabled && c.MRI.TR <= 0 {
		errs = append(errs, fmt.Errorf("%w: mri tr %v", ErrInvalid, c.MRI.TR))
	}
	switch c.Eyetracker.Calibration {
	case CalibrationStandard, CalibrationCustom:
	default:
		errs = append(errs, fmt.Errorf("%w: eyetracker calibration %q", ErrInvalid, c.Eyetracker.Calibration))
	}
	if c.Experiment.Trials < 0 {
		errs = append(errs, fmt.Errorf("%w: %d trials", ErrInvalid, c.Experiment.Trials))
	}
	if c.Experiment.Staircase.Step <= 0 {
		errs = append(errs, fmt.Errorf("%w: staircase step %v", ErrInvalid, c.Experiment.Staircase.Step))
	}
	return errors.Join(errs...)
}

// Geometry returns the viewing setup.
func (c Config) Geometry() display.Geometry {
	return display.Geometry{
		WidthPx:    c.Screen.Size[0],
		HeightPx:   c.Screen.Size[1],
		WidthCm:    c.Screen.PhysicalScreenSize[0],
		HeightCm:   c.Screen.PhysicalScreenSize[1],
		DistanceCm: c.Screen.PhysicalScreenDistance,
	}
}

// SessionConfig returns the session configuration for a subject and run index.
func (c Config) SessionConfig(subject string, index int) session.Config {
	return session.Config{
		Subject:     subject,
		Index:       index,
		DataDir:     c.Session.DataDir,
		Geometry:    c.Geometry(),
		RefreshRate: c.Screen.RefreshRate,
		AbortKeys:   c.Session.AbortKeys,
		Tracker:     c.TrackerSettings(),
	}
}

// TrackerSettings returns the tracker settings. Screen fields are left for the
// session to fill.
func (c Config) TrackerSettings() tracker.Settings {
	s := tracker.DefaultSettings()
	e := c.Eyetracker
	s.SensitivityClass = e.SensitivityClass
	s.SplitScreen = e.SplitScreen
	if e.ScreenHalf != "" {
		s.ScreenHalf = e.ScreenHalf
	}
	if e.SampleRate > 0 {
		s.SampleRate = e.SampleRate
	}
	if e.NCalibPoints > 0 {
		s.NCalibPoints = e.NCalibPoints
		s.CalibrationType = fmt.Sprintf("HV%d", e.NCalibPoints)
	}
	if e.CalibSize > 0 {
		s.CalibSize = e.CalibSize
	}
	s.XOffset = e.XOffset
	s.Margin = e.Margin
	return s
}

// TrackerMode returns how the tracker is calibrated, or TrackerOff.
func (c Config) TrackerMode() session.TrackerMode {
	switch {
	case !c.Eyetracker.Enabled:
		return session.TrackerOff
	case c.Eyetracker.Calibration == CalibrationCustom:
		return session.TrackerCustom
	default:
		return session.TrackerStandard
	}
}

// ScannerConfig returns the scanner configuration and whether a scanner is used.
func (c Config) ScannerConfig() (mri.Config, bool) {
	return mri.Config{TR: c.MRI.TR, Simulate: c.MRI.Simulate, TriggerKey: c.MRI.TriggerKey}, c.MRI.Enabled
}

// MotionConfig returns the motion trial layout.
func (c Config) MotionConfig() experiment.MotionConfig {
	e := c.Experiment
	return experiment.MotionConfig{
		FixationTime: e.FixationTime,
		StimulusTime: e.StimulusTime,
		ResponseTime: e.ResponseTime,
		LeftKey:      e.LeftKey,
		RightKey:     e.RightKey,
		NDots:        e.NDots,
		FieldSizeDeg: e.FieldSize,
		DotSizeDeg:   e.DotSize,
		SpeedDeg:     e.Speed,
	}
}

// StaircaseConfig returns the 3-up-1-down staircase configuration.
func (c Config) StaircaseConfig() staircase.Config {
	s := c.Experiment.Staircase
	return staircase.Config{
		Start:      s.Start,
		Step:       s.Step,
		Min:        s.Min,
		Max:        s.Max,
		StepFactor: s.StepFactor,
		MinStep:    s.MinStep,
	}
}

// StoreOptions selects the output store from the DSN. No options means the
// JSON file store.
func (c Config) StoreOptions() []store.Option {
	dsn := strings.TrimSpace(c.Output.DSN)
	if dsn == "" {
		return nil
	}
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}
