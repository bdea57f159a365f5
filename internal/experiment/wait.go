// Package experiment holds the concrete trials of the motion discrimination
// experiment and the schedule that strings them into a block.
package experiment

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/ExpTools/internal/display"
	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/BTreeMap/ExpTools/internal/session"
	"github.com/BTreeMap/ExpTools/internal/trial"
)

// WaitTrialID identifies the trial that waits for the scanner.
const WaitTrialID = "wait"

// WaitText is shown while waiting for the first scanner pulse.
const WaitText = "Waiting for trigger"

// waitDuration is long enough that only a key ends the wait trial.
const waitDuration = 10000 * time.Second

// NewWaitTrial builds the trial that holds the run until the scanner sends its
// first pulse. The pulse ends the trial. Any other key ends the trial and the
// session.
func NewWaitTrial(s *session.Session) (*trial.Trial, error) {
	return trial.New(s, WaitTrialID, nil, []time.Duration{waitDuration},
		trial.WithAbortKeys(s.AbortKeys()...),
		trial.WithDrawer(func(t *trial.Trial) error {
			if c, ok := s.Display().(display.Canvas); ok {
				x, y := s.Config().Geometry.Center()
				c.DrawText(WaitText, x, y)
			}
			return nil
		}),
		trial.WithTriggerHandler(func(t *trial.Trial, tr int) {
			slog.Info("Scanner started", "tr", tr)
			t.Stop()
		}),
		trial.WithKeyHandler(func(t *trial.Trial, key models.Key) {
			slog.Info("Wait for trigger interrupted", "key", key)
			t.Stop()
			s.Stop()
		}),
	)
}
