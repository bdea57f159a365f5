// Package store provides output backends for ExpTools.
//
// A session accumulates trial records in memory while it runs and hands them to a
// Store when it closes. Stores exist for memory, SQLite, PostgreSQL and a JSON file
// next to the run's other output files.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/BTreeMap/ExpTools/internal/models"
)

// Store persists the trial records of a run.
type Store interface {
	// SaveRun writes run and its records, replacing a previous save of the same run.
	SaveRun(run models.RunInfo, records []models.TrialRecord) error
	// LoadRun reads back what SaveRun wrote.
	LoadRun(runID string) (models.RunInfo, []models.TrialRecord, error)
	Close() error
}

// ErrRunNotFound is returned by LoadRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Accumulator collects trial records in stop order. It is the in-memory output
// of a session: the i-th event list and the i-th parameter set belong to the i-th
// stopped trial.
type Accumulator struct {
	mu      sync.RWMutex
	records []models.TrialRecord
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append adds a record. Its Index is set to its position.
func (a *Accumulator) Append(rec models.TrialRecord) models.TrialRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec.Index = len(a.records)
	rec.Events = slices.Clone(rec.Events)
	rec.Parameters = rec.Parameters.Clone()
	a.records = append(a.records, rec)
	return rec
}

// Len returns the number of records.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// Records returns a copy of the records.
func (a *Accumulator) Records() []models.TrialRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneRecords(a.records)
}

// EventLists returns the event log of every trial, in stop order.
func (a *Accumulator) EventLists() [][]models.Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([][]models.Event, len(a.records))
	for i, r := range a.records {
		out[i] = slices.Clone(r.Events)
	}
	return out
}

// ParameterLists returns the parameters of every trial, in stop order.
func (a *Accumulator) ParameterLists() []models.Parameters {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.Parameters, len(a.records))
	for i, r := range a.records {
		out[i] = r.Parameters.Clone()
	}
	return out
}

func cloneRecords(in []models.TrialRecord) []models.TrialRecord {
	out := make([]models.TrialRecord, len(in))
	for i, r := range in {
		r.Events = slices.Clone(r.Events)
		r.Parameters = r.Parameters.Clone()
		out[i] = r
	}
	return out
}

// InMemoryStore keeps saved runs in memory. It backs tests and dry runs.
type InMemoryStore struct {
	mu   sync.RWMutex
	runs map[string]memoryRun
}

type memoryRun struct {
	info    models.RunInfo
	records []models.TrialRecord
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{runs: make(map[string]memoryRun)}
}

func (s *InMemoryStore) SaveRun(run models.RunInfo, records []models.TrialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = memoryRun{info: run, records: cloneRecords(records)}
	return nil
}

func (s *InMemoryStore) LoadRun(runID string) (models.RunInfo, []models.TrialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return models.RunInfo{}, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r.info, cloneRecords(r.records), nil
}

// RunIDs returns the ids of all saved runs.
func (s *InMemoryStore) RunIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *InMemoryStore) Close() error { return nil }
