package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/BTreeMap/ExpTools/internal/models"
)

// OutputDictSuffix is appended to a run's output base to name its JSON output file.
const OutputDictSuffix = "_outputDict.json"

// outputDict is the on-disk layout of a run: one event list and one parameter set
// per trial, in stop order.
type outputDict struct {
	Run            models.RunInfo      `json:"run"`
	TrialIDs       []string            `json:"trialIds"`
	EventArray     [][]models.Event    `json:"eventArray"`
	ParameterArray []models.Parameters `json:"parameterArray"`
}

// JSONFileStore writes each run to <output base>_outputDict.json.
type JSONFileStore struct {
	mu    sync.Mutex
	paths map[string]string
}

// NewJSONFileStore creates a JSONFileStore.
func NewJSONFileStore() *JSONFileStore {
	return &JSONFileStore{paths: make(map[string]string)}
}

// OutputDictPath returns the JSON file a run is written to.
func OutputDictPath(run models.RunInfo) string {
	return run.OutputBase + OutputDictSuffix
}

func (s *JSONFileStore) SaveRun(run models.RunInfo, records []models.TrialRecord) error {
	if run.OutputBase == "" {
		return fmt.Errorf("run %s has no output base", run.ID)
	}
	d := outputDict{
		Run:            run,
		TrialIDs:       make([]string, len(records)),
		EventArray:     make([][]models.Event, len(records)),
		ParameterArray: make([]models.Parameters, len(records)),
	}
	for i, rec := range records {
		d.TrialIDs[i] = rec.TrialID
		d.EventArray[i] = rec.Events
		d.ParameterArray[i] = rec.Parameters
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", run.ID, err)
	}

	path := OutputDictPath(run)
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}

	s.mu.Lock()
	s.paths[run.ID] = path
	s.mu.Unlock()
	slog.Debug("JSONFileStore SaveRun succeeded", "run_id", run.ID, "path", path, "trials", len(records))
	return nil
}

func (s *JSONFileStore) LoadRun(runID string) (models.RunInfo, []models.TrialRecord, error) {
	s.mu.Lock()
	path, ok := s.paths[runID]
	s.mu.Unlock()
	if !ok {
		return models.RunInfo{}, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return LoadOutputDict(path)
}

// LoadOutputDict reads a run written by a JSONFileStore.
func LoadOutputDict(path string) (models.RunInfo, []models.TrialRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return models.RunInfo{}, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var d outputDict
	if err := json.Unmarshal(b, &d); err != nil {
		return models.RunInfo{}, nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if len(d.EventArray) != len(d.ParameterArray) || len(d.TrialIDs) != len(d.EventArray) {
		return d.Run, nil, fmt.Errorf("%s: event, parameter and trial id arrays differ in length", path)
	}
	records := make([]models.TrialRecord, len(d.EventArray))
	for i := range records {
		records[i] = models.TrialRecord{
			Index:      i,
			TrialID:    d.TrialIDs[i],
			Events:     d.EventArray[i],
			Parameters: d.ParameterArray[i],
		}
	}
	return d.Run, records, nil
}

func (s *JSONFileStore) Close() error { return nil }
