package session

import (
	"github.com/BTreeMap/ExpTools/internal/audio"
	"github.com/BTreeMap/ExpTools/internal/clock"
	"github.com/BTreeMap/ExpTools/internal/display"
	"github.com/BTreeMap/ExpTools/internal/gaze"
	"github.com/BTreeMap/ExpTools/internal/input"
	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/BTreeMap/ExpTools/internal/mri"
	"github.com/BTreeMap/ExpTools/internal/store"
	"github.com/BTreeMap/ExpTools/internal/tracker"
)

// TrackerMode selects how a connected tracker is calibrated.
type TrackerMode int

const (
	// TrackerOff runs without an eye tracker.
	TrackerOff TrackerMode = iota
	// TrackerStandard uses the tracker's own calibration targets.
	TrackerStandard
	// TrackerCustom sends a custom calibration layout with a repeated first target.
	TrackerCustom
)

// Publisher receives trial events as they happen. Publish must not block.
type Publisher interface {
	Publish(ev models.Event)
}

// Opts holds the capabilities a session is built with. Every capability is
// optional.
type Opts struct {
	Clock   clock.Clock
	Display display.Display
	Input   input.Source

	Scanner *mri.Config

	TrackerConnector tracker.Connector
	TrackerMode      TrackerMode

	EEGAddr string
	Player  *audio.Player
	Gaze    gaze.Source

	Store     store.Store
	Publisher Publisher
}

// Option configures a session.
type Option func(*Opts)

// WithClock sets the session clock. The default is a wall clock started in New.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithDisplay sets the display. The default is a headless display sized from the
// screen geometry.
func WithDisplay(d display.Display) Option {
	return func(o *Opts) { o.Display = d }
}

// WithInput sets the key source polled by trials.
func WithInput(src input.Source) Option {
	return func(o *Opts) { o.Input = src }
}

// WithScanner attaches an MRI scanner with the given repetition time and trigger
// handling.
func WithScanner(cfg mri.Config) Option {
	return func(o *Opts) { o.Scanner = &cfg }
}

// WithTracker connects an eye tracker through connect and calibrates it in mode.
func WithTracker(connect tracker.Connector, mode TrackerMode) Option {
	return func(o *Opts) {
		o.TrackerConnector = connect
		o.TrackerMode = mode
	}
}

// WithEEG connects to a StarStim trigger port at addr.
func WithEEG(addr string) Option {
	return func(o *Opts) { o.EEGAddr = addr }
}

// WithAudio sets the sound player. The session owns it from then on: Close
// closes it, and so does New when it fails.
func WithAudio(p *audio.Player) Option {
	return func(o *Opts) { o.Player = p }
}

// WithGazeFallback sets the gaze source used when no tracker is attached, such as
// the mouse position.
func WithGazeFallback(src gaze.Source) Option {
	return func(o *Opts) { o.Gaze = src }
}

// WithStore sets where the run is saved on Close. A store passed here is not
// closed by the session.
func WithStore(s store.Store) Option {
	return func(o *Opts) { o.Store = s }
}

// WithPublisher forwards trial events to p, typically the operator monitor.
func WithPublisher(p Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}
