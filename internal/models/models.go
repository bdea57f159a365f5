// Package models defines the core data structures for ExpTools.
//
// It includes the event, parameter and trial record types shared by trials, sessions,
// output stores and the operator monitor.
package models

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Key identifies a key press or a key-like input such as a scanner pulse.
type Key string

// Default keys used by sessions when the configuration does not name others.
const (
	// DefaultTriggerKey is the key the MRI scanner's trigger box emits on every pulse.
	DefaultTriggerKey Key = "t"
)

// DefaultAbortKeys stop the running trial and the session.
var DefaultAbortKeys = []Key{"escape", "esc", "q"}

// Error variables for better error handling and testability
var (
	ErrNoPhases                 = errors.New("trial needs at least one phase duration")
	ErrNoSession                = errors.New("trial needs a session")
	ErrSessionClosed            = errors.New("session is closed")
	ErrInvalidCalibrationPoints = errors.New("calibration supports 5 or 9 points")
	ErrUnknownSound             = errors.New("unknown sound")
	ErrUnknownAlgorithm         = errors.New("unknown saccade detection algorithm")
	ErrInvalidTR                = errors.New("repetition time must be positive")
	ErrInvalidStep              = errors.New("staircase step must be positive")
)

// EventKind classifies trial events.
type EventKind string

const (
	// EventStart marks the start of a trial (entry into phase 0).
	EventStart EventKind = "start"
	// EventPhase marks entry into a phase after the first.
	EventPhase EventKind = "phase"
	// EventKey records a subject key press.
	EventKey EventKind = "key"
	// EventTrigger records a real or simulated MRI trigger pulse.
	EventTrigger EventKind = "trigger"
	// EventAbort records a user abort.
	EventAbort EventKind = "abort"
	// EventSound records a sound played by the session.
	EventSound EventKind = "sound"
	// EventStop marks the end of a trial.
	EventStop EventKind = "stop"
)

// Event is one timestamped entry of a trial's event log.
type Event struct {
	TrialID string    `json:"trial_id"`
	Kind    EventKind `json:"kind"`
	Phase   int       `json:"phase"`
	Key     Key       `json:"key,omitempty"`
	TR      int       `json:"tr,omitempty"`
	Time    float64   `json:"time"` // seconds on the session clock
}

// NewEvent builds an event stamped with a clock reading.
func NewEvent(trialID string, kind EventKind, phase int, at time.Duration) Event {
	return Event{TrialID: trialID, Kind: kind, Phase: phase, Time: at.Seconds()}
}

// String renders the event as a log line, the form also sent to the eye tracker.
func (e Event) String() string {
	at := FormatSeconds(e.Time)
	switch e.Kind {
	case EventStart:
		return fmt.Sprintf("trial %s started at %s", e.TrialID, at)
	case EventPhase:
		return fmt.Sprintf("trial %s phase %d started at %s", e.TrialID, e.Phase, at)
	case EventTrigger:
		return fmt.Sprintf("trial %s trigger %s (tr %d) at %s", e.TrialID, e.Key, e.TR, at)
	case EventAbort:
		return fmt.Sprintf("trial %s aborted by %s at %s", e.TrialID, e.Key, at)
	case EventSound:
		return fmt.Sprintf("sound %s at %s", e.Key, at)
	case EventStop:
		return fmt.Sprintf("trial %s stopped at %s", e.TrialID, at)
	default:
		return fmt.Sprintf("trial %s event %s at %s", e.TrialID, e.Key, at)
	}
}

// FormatSeconds prints a time in seconds with microsecond resolution.
func FormatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 6, 64)
}

// Parameters holds the heterogeneous per-trial settings and results
// (stimulus configuration, condition labels, response correctness).
type Parameters map[string]any

// Clone returns a deep copy of p. Nested maps and slices are copied so a trial can
// mutate its parameters without touching the template it was built from.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return Parameters{}
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Parameters:
		return t.Clone()
	case map[string]any:
		return map[string]any(Parameters(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []float64:
		return append([]float64(nil), t...)
	case []string:
		return append([]string(nil), t...)
	case []int:
		return append([]int(nil), t...)
	default:
		return v
	}
}

// Keys returns the parameter names in sorted order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TrialRecord is what a stopped trial hands to its session's accumulator.
type TrialRecord struct {
	Index      int        `json:"index"`
	TrialID    string     `json:"trial_id"`
	Events     []Event    `json:"events"`
	Parameters Parameters `json:"parameters"`
}

// RunInfo describes one session run for persistence.
type RunInfo struct {
	ID         string    `json:"run_id"`
	Subject    string    `json:"subject"`
	Index      int       `json:"index"`
	StartedAt  time.Time `json:"started_at"`
	OutputBase string    `json:"output_base"`
}

// SessionStatus is a snapshot of a running session for the operator monitor.
type SessionStatus struct {
	RunID     string  `json:"run_id"`
	Subject   string  `json:"subject"`
	TrialID   string  `json:"trial_id"`
	Phase     int     `json:"phase"`
	Trials    int     `json:"trials"`
	CurrentTR int     `json:"current_tr"`
	Time      float64 `json:"time"`
	Stopped   bool    `json:"stopped"`
}

// APIStatus represents the status of a monitor API response.
type APIStatus string

const (
	// APIStatusOK indicates a request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates a request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse is the envelope of every monitor API reply.
type APIResponse struct {
	Status  APIStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Result  any       `json:"result,omitempty"`
}

// Success wraps a result in an ok response.
func Success(result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// Error builds an error response.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
