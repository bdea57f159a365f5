// Package trial implements the trial phase state machine.
//
// A trial owns a list of phase durations. Run polls input, checks the phase
// deadlines, draws and flips once per tick until the last phase is over or the
// trial is stopped, then hands its events and parameters to the session.
package trial

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ExpTools/internal/audio"
	"github.com/BTreeMap/ExpTools/internal/clock"
	"github.com/BTreeMap/ExpTools/internal/display"
	"github.com/BTreeMap/ExpTools/internal/input"
	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/BTreeMap/ExpTools/internal/mri"
	"github.com/BTreeMap/ExpTools/internal/tracker"
)

// TrackerPause is the pause after each message piped to the eye tracker, so a burst
// of messages does not overrun its input buffer.
const TrackerPause = 100 * time.Microsecond

// idleTick paces the loop when the host has no display to block on.
const idleTick = time.Millisecond

// Host is the session a trial runs in. Capability accessors return nil when the
// capability is absent.
type Host interface {
	Clock() clock.Clock
	Input() input.Source
	Display() display.Display
	Tracker() tracker.Tracker
	Scanner() *mri.Scanner

	// MRITrigger registers a scanner pulse and returns the new TR count.
	MRITrigger() int
	// Record appends a stopped trial to the session's accumulator.
	Record(rec models.TrialRecord) models.TrialRecord
	PlaySound(id string)
	Publish(ev models.Event)
	Stop()
	Stopped() bool
}

// DrawFunc draws the current phase. The trial flips the display afterwards.
type DrawFunc func(t *Trial) error

// KeyHandler receives subject responses, after the key has been logged.
type KeyHandler func(t *Trial, key models.Key)

// TriggerHandler receives scanner pulses with the TR count they produced.
type TriggerHandler func(t *Trial, tr int)

// Option configures a Trial.
type Option func(*Trial)

// WithDrawer sets the per-tick drawing function.
func WithDrawer(fn DrawFunc) Option {
	return func(t *Trial) { t.draw = fn }
}

// WithKeyHandler sets the response handler.
func WithKeyHandler(fn KeyHandler) Option {
	return func(t *Trial) { t.onKey = fn }
}

// WithTriggerHandler sets the scanner pulse handler.
func WithTriggerHandler(fn TriggerHandler) Option {
	return func(t *Trial) { t.onTrigger = fn }
}

// WithAbortKeys replaces the keys that abort the trial and the session.
func WithAbortKeys(keys ...models.Key) Option {
	return func(t *Trial) {
		t.abortKeys = make(map[models.Key]bool, len(keys))
		for _, k := range keys {
			t.abortKeys[k] = true
		}
	}
}

// Trial is one repetition of an experiment. It is created fresh by the session for
// every repetition and is not reused.
type Trial struct {
	host      Host
	clock     clock.Clock
	id        string
	params    models.Parameters
	durations []time.Duration

	// phaseTimes holds the last clock reading checked in each phase. Once a phase
	// is over it is the time the phase was left.
	phaseTimes []time.Duration
	// entered holds the clock reading at which each phase was actually entered.
	entered []time.Duration

	phase     int
	events    []models.Event
	state     models.TrialState
	stopped   bool
	startTime time.Duration
	stopTime  time.Duration
	record    models.TrialRecord

	draw      DrawFunc
	onKey     KeyHandler
	onTrigger TriggerHandler
	abortKeys map[models.Key]bool
}

// New creates a trial bound to host. The parameters are deep-copied, so the trial
// may change them without touching the caller's template.
func New(host Host, id string, params models.Parameters, durations []time.Duration, opts ...Option) (*Trial, error) {
	if host == nil {
		return nil, models.ErrNoSession
	}
	if len(durations) == 0 {
		return nil, fmt.Errorf("trial %s: %w", id, models.ErrNoPhases)
	}
	t := &Trial{
		host:       host,
		clock:      host.Clock(),
		id:         id,
		params:     params.Clone(),
		durations:  append([]time.Duration(nil), durations...),
		phaseTimes: make([]time.Duration, len(durations)),
		entered:    make([]time.Duration, len(durations)),
		state:      models.TrialCreated,
	}
	WithAbortKeys(models.DefaultAbortKeys...)(t)
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Run executes the phase loop until the trial stops, the session stops or ctx is
// cancelled. Stop is called exactly once on the way out. A trial runs only once.
func (t *Trial) Run(ctx context.Context) error {
	if t.state != models.TrialCreated {
		return fmt.Errorf("trial %s has already run", t.id)
	}
	t.state = models.TrialRunning
	t.startTime = t.clock.Now()
	t.entered[0] = t.startTime

	if tr := t.host.Tracker(); tr != nil {
		tr.SendCommand(fmt.Sprintf("record_status_message \"Trial %s\"", t.id))
	}
	t.log(models.NewEvent(t.id, models.EventStart, 0, t.startTime))
	slog.Debug("Trial started", "trial_id", t.id, "phases", len(t.durations), "start", t.startTime)

	var err error
	for !t.stopped {
		if err = ctx.Err(); err != nil {
			break
		}
		t.pollScanner()
		t.pollInput()
		if t.stopped {
			break
		}
		t.CheckPhaseTime()
		if t.stopped {
			break
		}
		if err = t.present(); err != nil {
			err = fmt.Errorf("trial %s phase %d: %w", t.id, t.phase, err)
			break
		}
		if t.host.Stopped() {
			break
		}
	}
	t.Stop()
	return err
}

// pollScanner feeds simulated scanner pulses that are due through KeyEvent. It
// runs before the input poll so a simulated pulse looks like a real one.
func (t *Trial) pollScanner() {
	sc := t.host.Scanner()
	if sc == nil || !sc.Simulated() {
		return
	}
	for _, k := range sc.Pending(t.clock.Now()) {
		t.KeyEvent(k)
	}
}

func (t *Trial) pollInput() {
	src := t.host.Input()
	if src == nil {
		return
	}
	for _, k := range src.Poll() {
		if t.stopped {
			return
		}
		t.KeyEvent(k)
	}
}

func (t *Trial) present() error {
	if t.draw != nil {
		if err := t.draw(t); err != nil {
			return err
		}
	}
	d := t.host.Display()
	if d == nil {
		t.clock.Sleep(idleTick)
		return nil
	}
	return d.Flip()
}

// CheckPhaseTime ends the current phase once the time since entering it reaches
// its duration, then checks the next one in the same call. Zero and negative
// durations are over on entry, so those phases are skipped without being drawn.
// A phase entered late still runs for its full duration.
func (t *Trial) CheckPhaseTime() {
	for range len(t.durations) {
		if t.stopped {
			return
		}
		now := t.clock.Now()
		t.phaseTimes[t.phase] = now
		if now-t.entered[t.phase] < max(t.durations[t.phase], 0) {
			return
		}
		if t.phase == len(t.durations)-1 {
			t.stopped = true
			return
		}
		t.PhaseForward()
	}
}

// PhaseForward enters the next phase. On the last phase it stops the trial instead.
func (t *Trial) PhaseForward() {
	if t.phase >= len(t.durations)-1 {
		t.stopped = true
		return
	}
	t.phase++
	now := t.clock.Now()
	t.entered[t.phase] = now
	ev := models.NewEvent(t.id, models.EventPhase, t.phase, now)
	t.events = append(t.events, ev)
	t.host.Publish(ev)
	if tr := t.host.Tracker(); tr != nil {
		tr.Log(ev.String())
		t.clock.Sleep(TrackerPause)
	}
}

// KeyEvent handles one input. The scanner's trigger key registers a pulse and
// never reaches the response handler. Abort keys stop the trial and the session.
// Keys arriving after the trial stopped are ignored.
func (t *Trial) KeyEvent(key models.Key) {
	if t.state == models.TrialStopped {
		return
	}
	now := t.clock.Now()
	if sc := t.host.Scanner(); sc != nil && key == sc.TriggerKey() {
		n := t.host.MRITrigger()
		ev := models.NewEvent(t.id, models.EventTrigger, t.phase, now)
		ev.Key, ev.TR = key, n
		t.log(ev)
		if t.onTrigger != nil {
			t.onTrigger(t, n)
		}
		return
	}

	if t.abortKeys[key] {
		ev := models.NewEvent(t.id, models.EventAbort, t.phase, now)
		ev.Key = key
		t.log(ev)
		t.stopped = true
		t.host.Stop()
		slog.Info("Run cancelled by user", "trial_id", t.id, "key", key)
		return
	}

	ev := models.NewEvent(t.id, models.EventKey, t.phase, now)
	ev.Key = key
	t.log(ev)
	if t.onKey != nil {
		t.onKey(t, key)
	}
}

// Stop records the stop time, pipes the parameters to the tracker and hands the
// trial's record to the session. Later calls do nothing.
func (t *Trial) Stop() {
	if t.state == models.TrialStopped {
		return
	}
	t.stopTime = t.clock.Now()
	t.stopped = true

	if tr := t.host.Tracker(); tr != nil {
		for _, k := range t.params.Keys() {
			tr.Log(fmt.Sprintf("trial %s parameter\t%s : %v", t.id, k, t.params[k]))
			t.clock.Sleep(TrackerPause)
		}
	}
	t.log(models.NewEvent(t.id, models.EventStop, t.phase, t.stopTime))
	t.state = models.TrialStopped

	t.record = t.host.Record(models.TrialRecord{
		TrialID:    t.id,
		Events:     t.events,
		Parameters: t.params,
	})
	slog.Debug("Trial stopped", "trial_id", t.id, "phase", t.phase, "events", len(t.events), "stop", t.stopTime)
}

// Feedback plays the correct sound when answer has the sign of expected and the
// incorrect sound otherwise. It does nothing when expected is zero.
func (t *Trial) Feedback(answer int, expected float64) {
	if expected == 0 {
		return
	}
	sign := 1
	if expected < 0 {
		sign = -1
	}
	if sign == answer {
		t.host.PlaySound(audio.SoundCorrect)
	} else {
		t.host.PlaySound(audio.SoundIncorrect)
	}
}

// log appends ev and mirrors it to the tracker and the monitor.
func (t *Trial) log(ev models.Event) {
	t.events = append(t.events, ev)
	if tr := t.host.Tracker(); tr != nil {
		tr.Log(ev.String())
	}
	t.host.Publish(ev)
}

// ID returns the trial identifier.
func (t *Trial) ID() string { return t.id }

// Phase returns the current phase index.
func (t *Trial) Phase() int { return t.phase }

// PhaseCount returns the number of phases.
func (t *Trial) PhaseCount() int { return len(t.durations) }

// State returns the lifecycle state.
func (t *Trial) State() models.TrialState { return t.state }

// Stopped reports whether the run loop will exit at the next check.
func (t *Trial) Stopped() bool { return t.stopped }

// Parameters returns the trial's own parameters. Handlers may modify them until
// the trial stops.
func (t *Trial) Parameters() models.Parameters { return t.params }

// Events returns a copy of the event log.
func (t *Trial) Events() []models.Event {
	return append([]models.Event(nil), t.events...)
}

// StartTime returns the clock reading at which Run started.
func (t *Trial) StartTime() time.Duration { return t.startTime }

// StopTime returns the clock reading at which the trial stopped.
func (t *Trial) StopTime() time.Duration { return t.stopTime }

// PhaseTimes returns, per phase, the time it was left, or the last time it was
// checked while it is running. Phases not reached yet are zero.
func (t *Trial) PhaseTimes() []time.Duration {
	return append([]time.Duration(nil), t.phaseTimes...)
}

// PhaseEntered returns when each phase was actually entered. Phases not reached
// yet are zero.
func (t *Trial) PhaseEntered() []time.Duration {
	return append([]time.Duration(nil), t.entered...)
}

// PhaseElapsed returns the time spent in the current phase so far.
func (t *Trial) PhaseElapsed() time.Duration {
	return t.clock.Now() - t.entered[t.phase]
}

// Record returns what the trial handed to the session when it stopped.
func (t *Trial) Record() models.TrialRecord { return t.record }

// Host returns the session the trial runs in.
func (t *Trial) Host() Host { return t.host }
