// Package mri counts scanner volumes (TRs) and, when no scanner is connected,
// simulates its trigger pulses.
package mri

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ExpTools/internal/models"
)

// LevelCritical is the log level used for registered triggers. It sits above
// slog.LevelError so trigger lines survive any operator log filter.
const LevelCritical = slog.LevelError + 4

// DefaultTR is the repetition time used when the configuration leaves it unset.
const DefaultTR = 2 * time.Second

// Config configures a Scanner.
type Config struct {
	// TR is the repetition time between volumes.
	TR time.Duration
	// Simulate synthesizes trigger keys on schedule instead of waiting for the scanner.
	Simulate bool
	// TriggerKey is the key the trigger box sends on every pulse.
	TriggerKey models.Key
}

// Scanner tracks the TR count of a session. Trigger times are anchored to the
// session start, so a late trigger does not shift the following targets.
type Scanner struct {
	mu sync.Mutex

	cfg       Config
	start     time.Duration
	currentTR int
	lastTR    time.Duration
	target    time.Duration
}

// NewScanner creates a Scanner for a session started at start. The first target
// trigger time is start + TR.
func NewScanner(start time.Duration, cfg Config) (*Scanner, error) {
	if cfg.TR <= 0 {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidTR, cfg.TR)
	}
	if cfg.TriggerKey == "" {
		cfg.TriggerKey = models.DefaultTriggerKey
	}
	slog.Debug("MRI scanner created", "tr", cfg.TR, "simulate", cfg.Simulate, "trigger_key", cfg.TriggerKey)
	return &Scanner{
		cfg:    cfg,
		start:  start,
		lastTR: start,
		target: start + cfg.TR,
	}, nil
}

// TriggerKey returns the key that counts as a scanner pulse.
func (s *Scanner) TriggerKey() models.Key { return s.cfg.TriggerKey }

// Simulated reports whether trigger pulses are synthesized.
func (s *Scanner) Simulated() bool { return s.cfg.Simulate }

// TR returns the repetition time.
func (s *Scanner) TR() time.Duration { return s.cfg.TR }

// Trigger registers one pulse observed at now and returns the new TR count.
func (s *Scanner) Trigger(now time.Duration) int {
	s.mu.Lock()
	s.lastTR = now
	s.currentTR++
	s.target = s.start + time.Duration(s.currentTR+1)*s.cfg.TR
	tr := s.currentTR
	s.mu.Unlock()

	slog.Log(context.Background(), LevelCritical, "Registered MRI trigger", "tr", tr, "at", now)
	return tr
}

// Pending returns the simulated trigger keys whose target time has passed by now,
// one per elapsed target. It returns nil when the scanner is not simulated. The
// caller must register each returned key with Trigger.
func (s *Scanner) Pending(now time.Duration) []models.Key {
	if !s.cfg.Simulate {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if now < s.target {
		return nil
	}
	n := int((now-s.target)/s.cfg.TR) + 1
	keys := make([]models.Key, n)
	for i := range keys {
		keys[i] = s.cfg.TriggerKey
	}
	return keys
}

// CurrentTR returns the number of triggers registered so far.
func (s *Scanner) CurrentTR() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTR
}

// TargetTriggerTime returns when the next trigger is expected.
func (s *Scanner) TargetTriggerTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// TimeOfLastTR returns when the most recent trigger was registered, or the session
// start before the first one.
func (s *Scanner) TimeOfLastTR() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTR
}
