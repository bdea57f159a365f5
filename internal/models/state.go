// Package models defines state management structures for ExpTools trials.
package models

// TrialState is the coarse lifecycle state of a trial. While running, the trial's
// phase index refines the state.
type TrialState string

const (
	// TrialCreated is a constructed trial that has not been run.
	TrialCreated TrialState = "created"
	// TrialRunning is a trial inside its run loop.
	TrialRunning TrialState = "running"
	// TrialStopped is a trial whose records were handed to the session.
	TrialStopped TrialState = "stopped"
)
