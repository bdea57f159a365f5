// Package tracker defines the eye-tracker capability of a session: connection,
// EyeLink configuration commands, calibration layouts and drift correction.
//
// The hardware driver itself lives behind the Tracker interface. A session that
// cannot connect continues without a tracker.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/BTreeMap/ExpTools/internal/gaze"
)

// EscapeCode is the drift-correction result returned when the operator pressed
// escape to enter camera setup.
const EscapeCode = 27

// Tracker is a connected eye tracker.
type Tracker interface {
	Connected() bool
	// Log writes a message into the tracker's data file.
	Log(msg string)
	// SendCommand sends a configuration command.
	SendCommand(cmd string)
	// Sample returns the newest gaze position; false when none is available.
	Sample() (gaze.Point, bool)
	StartRecording() error
	StopRecording() error
	Calibrate() error
	// DriftCorrect runs a drift check at (x, y) and returns the tracker's result
	// code; EscapeCode requests a new setup.
	DriftCorrect(x, y float64) (int, error)
	// SetLocalDataFile names the local copy of the tracker's data file.
	SetLocalDataFile(path string)
	Close() error
}

// Connector opens a tracker. It receives the settings so drivers can size their
// link buffers and name the data file.
type Connector func(ctx context.Context, s Settings) (Tracker, error)

// Connect opens a tracker and applies s. A nil connector or a failed connection
// returns nil, and the session continues untracked.
func Connect(ctx context.Context, connect Connector, s Settings) Tracker {
	if connect == nil {
		slog.Debug("No eye tracker configured")
		return nil
	}
	t, err := connect(ctx, s)
	if err != nil || t == nil {
		slog.Warn("Could not connect to eye tracker, continuing without it", "error", err)
		return nil
	}
	ApplySettings(t, s)
	slog.Info("Eye tracker connected", "data_file", s.DataFile, "sample_rate", s.SampleRate)
	return t
}

// EDFName returns the short data file name the tracker host stores during a run:
// the first two subject initials, the run index and a random number below 99.
func EDFName(initials string, index int) string {
	if len(initials) > 2 {
		initials = initials[:2]
	}
	return fmt.Sprintf("%s_%d_%d.edf", initials, index, rand.IntN(99))
}

// Setup calibrates a connected tracker, re-applies the settings a subject may have
// changed during calibration, starts recording and logs the screen scale.
func Setup(t Tracker, s Settings) error {
	if t == nil || !t.Connected() {
		return nil
	}
	if err := t.Calibrate(); err != nil {
		return fmt.Errorf("tracker calibration failed: %w", err)
	}
	ApplySettings(t, s)
	if err := t.StartRecording(); err != nil {
		return fmt.Errorf("failed to start tracker recording: %w", err)
	}
	t.Log(fmt.Sprintf("degrees per pixel %v", s.PixelsPerDegree))
	return nil
}

// DriftCorrectLoop runs drift correction at (x, y) until the tracker returns a code
// other than EscapeCode, running Setup again after every escape.
func DriftCorrectLoop(ctx context.Context, t Tracker, x, y float64, s Settings) (int, error) {
	if t == nil || !t.Connected() {
		return 0, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		code, err := t.DriftCorrect(x, y)
		if err != nil {
			return code, fmt.Errorf("drift correction failed: %w", err)
		}
		if code != EscapeCode {
			return code, nil
		}
		slog.Info("Drift correction escaped, repeating tracker setup")
		if err := Setup(t, s); err != nil {
			return code, err
		}
	}
}
