// Package session owns everything a run of trials shares: the clock, the output
// accumulator and the optional hardware capabilities (eye tracker, MRI scanner,
// EEG trigger port, audio).
//
// Capabilities are chosen once in New. A missing capability turns the calls that
// depend on it into no-ops, so the same experiment code runs in the scanner, at
// the eye tracker and on a laptop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/ExpTools/internal/audio"
	"github.com/BTreeMap/ExpTools/internal/clock"
	"github.com/BTreeMap/ExpTools/internal/display"
	"github.com/BTreeMap/ExpTools/internal/eeg"
	"github.com/BTreeMap/ExpTools/internal/gaze"
	"github.com/BTreeMap/ExpTools/internal/input"
	"github.com/BTreeMap/ExpTools/internal/lockfile"
	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/BTreeMap/ExpTools/internal/mri"
	"github.com/BTreeMap/ExpTools/internal/store"
	"github.com/BTreeMap/ExpTools/internal/tracker"
	"github.com/BTreeMap/ExpTools/internal/trial"
	"github.com/google/uuid"
)

// DefaultDataDir is where output goes when the configuration names no directory.
const DefaultDataDir = "data"

// OutputTimeFormat stamps output file names.
const OutputTimeFormat = "2006-01-02_15.04.05"

// Config describes the subject, the output location and the viewing setup.
type Config struct {
	Subject     string
	Index       int
	DataDir     string
	Geometry    display.Geometry
	RefreshRate float64
	AbortKeys   []models.Key
	// Tracker holds the tracker settings. Screen fields are filled from Geometry.
	Tracker tracker.Settings
}

// TrialFactory builds the trial for repetition index. It returns a nil trial when
// the schedule is exhausted.
type TrialFactory func(s *Session, index int) (*trial.Trial, error)

// Session is one run of an experiment.
type Session struct {
	cfg        Config
	runID      string
	startedAt  time.Time
	outputBase string
	lock       *lockfile.Lock

	clock   clock.Clock
	start   time.Duration
	display display.Display
	input   input.Source
	gaze    gaze.Source

	tracker         tracker.Tracker
	trackerSettings tracker.Settings
	scanner         *mri.Scanner
	eeg             *eeg.StarStim
	player          *audio.Player

	acc       *store.Accumulator
	store     store.Store
	ownsStore bool
	publisher Publisher

	mu      sync.Mutex
	trialID string
	phase   int

	stopped   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New starts a session: it starts the clock, locks the data directory, names the
// output files and attaches the capabilities selected by opts. A tracker or EEG
// device that cannot be reached is left out with a warning.
func New(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if len(cfg.AbortKeys) == 0 {
		cfg.AbortKeys = models.DefaultAbortKeys
	}
	if o.Clock == nil {
		o.Clock = clock.NewWall()
	}

	s := &Session{
		cfg:       cfg,
		runID:     uuid.NewString(),
		startedAt: time.Now(),
		clock:     o.Clock,
		input:     o.Input,
		gaze:      o.Gaze,
		player:    o.Player,
		acc:       store.NewAccumulator(),
		store:     o.Store,
		publisher: o.Publisher,
		phase:     -1,
	}
	s.start = s.clock.Now()
	s.outputBase = filepath.Join(cfg.DataDir, fmt.Sprintf("%s_%d_%s", cfg.Subject, cfg.Index, s.startedAt.Format(OutputTimeFormat)))

	lock, err := lockfile.AcquireLock(cfg.DataDir, lockfile.Owner{Subject: cfg.Subject, RunID: s.runID})
	if err != nil {
		s.closePlayer()
		return nil, err
	}
	s.lock = lock

	if s.store == nil {
		s.store = store.NewJSONFileStore()
		s.ownsStore = true
	}

	s.display = o.Display
	if s.display == nil {
		s.display = display.NewHeadless(s.clock, cfg.Geometry.WidthPx, cfg.Geometry.HeightPx, cfg.RefreshRate)
	}
	if s.gaze == nil {
		x, y := cfg.Geometry.Center()
		s.gaze = gaze.Static{Position: gaze.Point{X: x, Y: y}}
	}

	if o.Scanner != nil {
		sc, err := mri.NewScanner(s.start, *o.Scanner)
		if err != nil {
			lock.Release()
			s.closePlayer()
			return nil, fmt.Errorf("failed to attach scanner: %w", err)
		}
		s.scanner = sc
	}

	s.trackerSettings = s.buildTrackerSettings()
	if o.TrackerMode != TrackerOff {
		s.attachTracker(ctx, o.TrackerConnector, o.TrackerMode)
	}

	if o.EEGAddr != "" {
		conn, err := eeg.Dial(ctx, o.EEGAddr)
		if err != nil {
			slog.Warn("Could not connect to StarStim, continuing without EEG triggers", "addr", o.EEGAddr, "error", err)
		} else {
			s.eeg = conn
		}
	}

	slog.Info("Session started", "run_id", s.runID, "subject", cfg.Subject, "index", cfg.Index,
		"output", s.outputBase, "tracker", s.tracker != nil, "scanner", s.scanner != nil, "eeg", s.eeg != nil)
	return s, nil
}

// closePlayer stops the audio worker of a session that failed to start.
func (s *Session) closePlayer() {
	if s.player != nil {
		s.player.Close()
	}
}

func (s *Session) buildTrackerSettings() tracker.Settings {
	ts := s.cfg.Tracker
	if ts.SampleRate == 0 {
		def := tracker.DefaultSettings()
		def.SensitivityClass = ts.SensitivityClass
		def.SplitScreen = ts.SplitScreen
		ts = def
	}
	g := s.cfg.Geometry
	ts.ScreenWidthPx, ts.ScreenHeightPx = g.WidthPx, g.HeightPx
	ts.WidthCm, ts.HeightCm, ts.DistanceCm = g.WidthCm, g.HeightCm, g.DistanceCm
	ts.PixelsPerDegree = g.PixelsPerDegree()
	ts.DataFile = tracker.EDFName(s.cfg.Subject, s.cfg.Index)
	return ts
}

func (s *Session) attachTracker(ctx context.Context, connect tracker.Connector, mode TrackerMode) {
	t := tracker.Connect(ctx, connect, s.trackerSettings)
	if t == nil {
		return
	}
	var err error
	switch mode {
	case TrackerCustom:
		// custom calibration drives its own targets
		s.trackerSettings.AutoTriggerCalibration = false
		err = tracker.SetupCustom(t, s.trackerSettings)
	default:
		err = tracker.Setup(t, s.trackerSettings)
	}
	if err != nil {
		slog.Warn("Eye tracker setup failed, continuing without it", "error", err)
		t.Close()
		return
	}
	s.tracker = t
}

// Run builds and runs trials one at a time until the factory returns nil, the
// session is stopped or ctx is done.
func (s *Session) Run(ctx context.Context, next TrialFactory) error {
	for i := 0; !s.Stopped(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := next(s, i)
		if err != nil {
			return fmt.Errorf("failed to build trial %d: %w", i, err)
		}
		if t == nil {
			slog.Info("Trial schedule finished", "run_id", s.runID, "trials", s.acc.Len())
			return nil
		}
		s.mu.Lock()
		s.trialID, s.phase = t.ID(), 0
		s.mu.Unlock()
		if err := t.Run(ctx); err != nil {
			return err
		}
	}
	slog.Info("Session stopped", "run_id", s.runID, "trials", s.acc.Len())
	return nil
}

// Stop ends the session after the current trial.
func (s *Session) Stop() {
	if !s.stopped.Swap(true) {
		slog.Debug("Session stop requested", "run_id", s.runID)
	}
}

// Stopped reports whether Stop was called.
func (s *Session) Stopped() bool { return s.stopped.Load() }

// Close stops the session, releases the hardware, saves the run and unlocks the
// data directory. Errors from every step are joined. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.Stop()
		var errs []error
		if s.tracker != nil {
			if s.tracker.Connected() {
				errs = append(errs, s.tracker.StopRecording())
			}
			s.tracker.SetLocalDataFile(s.outputBase + ".edf")
			errs = append(errs, s.tracker.Close())
		}
		if s.eeg != nil {
			errs = append(errs, s.eeg.Close())
		}
		if s.player != nil {
			errs = append(errs, s.player.Close())
		}
		if err := s.store.SaveRun(s.RunInfo(), s.acc.Records()); err != nil {
			errs = append(errs, fmt.Errorf("failed to save run %s: %w", s.runID, err))
		}
		if s.ownsStore {
			errs = append(errs, s.store.Close())
		}
		errs = append(errs, s.lock.Release())
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			slog.Error("Session closed with errors", "run_id", s.runID, "error", s.closeErr)
		} else {
			slog.Info("Session closed", "run_id", s.runID, "trials", s.acc.Len(), "output", s.outputBase)
		}
	})
	return s.closeErr
}

// MRITrigger registers a scanner pulse and returns the new TR count. Without a
// scanner it returns 0.
func (s *Session) MRITrigger() int {
	if s.scanner == nil {
		return 0
	}
	return s.scanner.Trigger(s.clock.Now())
}

// CurrentTR returns the number of scanner pulses registered.
func (s *Session) CurrentTR() int {
	if s.scanner == nil {
		return 0
	}
	return s.scanner.CurrentTR()
}

// TargetTriggerTime returns when the next scanner pulse is expected.
func (s *Session) TargetTriggerTime() time.Duration {
	if s.scanner == nil {
		return 0
	}
	return s.scanner.TargetTriggerTime()
}

// Record appends a stopped trial to the accumulator.
func (s *Session) Record(rec models.TrialRecord) models.TrialRecord {
	return s.acc.Append(rec)
}

// Log writes msg into the tracker's data file.
func (s *Session) Log(msg string) {
	if s.tracker != nil {
		s.tracker.Log(msg)
	}
}

// PlaySound starts sound id without waiting for it and notes it in the tracker
// data file.
func (s *Session) PlaySound(id string) {
	if s.player != nil {
		if err := s.player.Play(id); err != nil {
			slog.Warn("Failed to play sound", "sound", id, "error", err)
		}
	}
	now := s.clock.Now()
	s.Log(fmt.Sprintf("sound %s at %s", id, models.FormatSeconds(now.Seconds())))

	s.mu.Lock()
	ev := models.NewEvent(s.trialID, models.EventSound, s.phase, now)
	s.mu.Unlock()
	ev.Key = models.Key(id)
	s.forward(ev)
}

// SendEEGTrigger sends a trigger code to the StarStim. It does nothing without one.
func (s *Session) SendEEGTrigger(code int) error {
	if s.eeg == nil {
		return nil
	}
	return s.eeg.Send(code)
}

// Publish tracks the current trial and phase from ev and forwards it to the
// publisher.
func (s *Session) Publish(ev models.Event) {
	s.mu.Lock()
	s.trialID = ev.TrialID
	s.phase = ev.Phase
	s.mu.Unlock()
	s.forward(ev)
}

func (s *Session) forward(ev models.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}
}

// EyePos returns the current gaze position from the tracker, or from the gaze
// fallback when no tracker is attached.
func (s *Session) EyePos() (gaze.Point, bool) {
	if s.tracker != nil {
		return s.tracker.Sample()
	}
	return s.gaze.Sample()
}

// DetectSaccade waits for a saccade with the tracker's samples. Without a tracker
// it always uses position detection on the gaze fallback. Pixels per degree,
// sample rate and the clock are filled in from the session.
func (s *Session) DetectSaccade(ctx context.Context, p gaze.Params) (gaze.Result, error) {
	env := gaze.Env{Clock: s.clock, Source: s.gaze}
	if s.tracker != nil {
		env.Source = s.tracker
		if w, ok := s.tracker.(gaze.SaccadeWaiter); ok {
			env.Hardware = w
		}
		if p.SampleRate <= 0 {
			p.SampleRate = float64(s.trackerSettings.SampleRate)
		}
	} else {
		p.Algorithm = gaze.Position
	}
	if p.PixelsPerDegree <= 0 {
		p.PixelsPerDegree = s.cfg.Geometry.PixelsPerDegree()
	}
	res, err := gaze.Detect(ctx, p, env)
	if err != nil {
		return res, err
	}
	slog.Debug("Saccade detection finished", "outcome", res.Outcome, "elapsed", res.Elapsed, "samples", res.Samples)
	return res, nil
}

// DriftCorrect runs the tracker's drift correction at pos, or the screen centre
// when pos is nil, repeating setup each time the subject escapes.
func (s *Session) DriftCorrect(ctx context.Context, pos *gaze.Point) (int, error) {
	if s.tracker == nil {
		return 0, nil
	}
	x, y := s.cfg.Geometry.Center()
	if pos != nil {
		x, y = pos.X, pos.Y
	}
	return tracker.DriftCorrectLoop(ctx, s.tracker, x, y, s.trackerSettings)
}

// Deg2Pix converts visual angle to pixels for this screen.
func (s *Session) Deg2Pix(deg float64) float64 {
	return s.cfg.Geometry.Deg2Pix(deg)
}

// Status returns a snapshot for the operator monitor. It is safe to call from
// any goroutine.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	trialID, phase := s.trialID, s.phase
	s.mu.Unlock()
	return models.SessionStatus{
		RunID:     s.runID,
		Subject:   s.cfg.Subject,
		TrialID:   trialID,
		Phase:     phase,
		Trials:    s.acc.Len(),
		CurrentTR: s.CurrentTR(),
		Time:      (s.clock.Now() - s.start).Seconds(),
		Stopped:   s.Stopped(),
	}
}

// RunInfo describes the run for persistence.
func (s *Session) RunInfo() models.RunInfo {
	return models.RunInfo{
		ID:         s.runID,
		Subject:    s.cfg.Subject,
		Index:      s.cfg.Index,
		StartedAt:  s.startedAt,
		OutputBase: s.outputBase,
	}
}

func (s *Session) Clock() clock.Clock       { return s.clock }
func (s *Session) Input() input.Source      { return s.input }
func (s *Session) Display() display.Display { return s.display }
func (s *Session) Tracker() tracker.Tracker { return s.tracker }
func (s *Session) Scanner() *mri.Scanner    { return s.scanner }

// RunID returns the unique id of this run.
func (s *Session) RunID() string { return s.runID }

// OutputBase returns the path prefix of the run's output files.
func (s *Session) OutputBase() string { return s.outputBase }

// StartTime returns the clock reading at which the session started.
func (s *Session) StartTime() time.Duration { return s.start }

// Config returns the session configuration with defaults applied.
func (s *Session) Config() Config { return s.cfg }

// AbortKeys returns the keys that abort the run.
func (s *Session) AbortKeys() []models.Key { return s.cfg.AbortKeys }

// Accumulator returns the trials recorded so far.
func (s *Session) Accumulator() *store.Accumulator { return s.acc }

var _ trial.Host = (*Session)(nil)
