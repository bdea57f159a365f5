package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/BTreeMap/ExpTools/internal/gaze"
)

// ErrClosed is returned by a closed Dummy.
var ErrClosed = errors.New("tracker is closed")

// Dummy is an in-process tracker. It keeps every message and command it receives
// and samples gaze from a gaze.Source, which makes it usable both for dry runs
// without hardware and for tests.
type Dummy struct {
	mu sync.Mutex

	source    gaze.Source
	messages  []string
	commands  []string
	recording bool
	closed    bool
	dataFile  string

	calibrations int
	driftCodes   []int
}

// DummyOption configures a Dummy.
type DummyOption func(*Dummy)

// WithDriftCodes scripts the results of successive DriftCorrect calls. Once the
// script is exhausted DriftCorrect returns 0.
func WithDriftCodes(codes ...int) DummyOption {
	return func(d *Dummy) { d.driftCodes = append(d.driftCodes, codes...) }
}

// NewDummy creates a connected Dummy sampling from src. A nil src reports no samples.
func NewDummy(src gaze.Source, opts ...DummyOption) *Dummy {
	d := &Dummy{source: src}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DummyConnector returns a Connector that always yields d.
func DummyConnector(d *Dummy) Connector {
	return func(ctx context.Context, s Settings) (Tracker, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return d, nil
	}
}

func (d *Dummy) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed
}

func (d *Dummy) Log(msg string) {
	d.mu.Lock()
	d.messages = append(d.messages, msg)
	d.mu.Unlock()
}

func (d *Dummy) SendCommand(cmd string) {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	d.mu.Unlock()
}

func (d *Dummy) Sample() (gaze.Point, bool) {
	if d.source == nil {
		return gaze.Point{}, false
	}
	return d.source.Sample()
}

func (d *Dummy) StartRecording() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.recording = true
	return nil
}

func (d *Dummy) StopRecording() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recording = false
	return nil
}

func (d *Dummy) Calibrate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.calibrations++
	return nil
}

func (d *Dummy) DriftCorrect(x, y float64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if len(d.driftCodes) == 0 {
		return 0, nil
	}
	code := d.driftCodes[0]
	d.driftCodes = d.driftCodes[1:]
	return code, nil
}

func (d *Dummy) SetLocalDataFile(path string) {
	d.mu.Lock()
	d.dataFile = path
	d.mu.Unlock()
}

func (d *Dummy) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Messages returns a copy of the logged messages.
func (d *Dummy) Messages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.messages...)
}

// Commands returns a copy of the sent commands.
func (d *Dummy) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Recording reports whether recording is active.
func (d *Dummy) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recording
}

// Calibrations returns how many times Calibrate ran.
func (d *Dummy) Calibrations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calibrations
}

// DataFile returns the local data file name set by the session.
func (d *Dummy) DataFile() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dataFile
}
