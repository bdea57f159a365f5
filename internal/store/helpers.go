package store

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/ExpTools/internal/models"
)

// encodeRecord serializes the events and parameters of a record.
func encodeRecord(rec models.TrialRecord) (events, params string, err error) {
	ev := rec.Events
	if ev == nil {
		ev = []models.Event{}
	}
	eb, err := json.Marshal(ev)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode events of trial %s: %w", rec.TrialID, err)
	}
	p := rec.Parameters
	if p == nil {
		p = models.Parameters{}
	}
	pb, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode parameters of trial %s: %w", rec.TrialID, err)
	}
	return string(eb), string(pb), nil
}

// decodeRecord rebuilds a record from its stored columns.
func decodeRecord(index int, trialID, events, params string) (models.TrialRecord, error) {
	rec := models.TrialRecord{Index: index, TrialID: trialID}
	if err := json.Unmarshal([]byte(events), &rec.Events); err != nil {
		return rec, fmt.Errorf("failed to decode events of trial %s: %w", trialID, err)
	}
	if err := json.Unmarshal([]byte(params), &rec.Parameters); err != nil {
		return rec, fmt.Errorf("failed to decode parameters of trial %s: %w", trialID, err)
	}
	return rec, nil
}
