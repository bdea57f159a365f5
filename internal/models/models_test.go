package models

import (
	"testing"
	"time"
)

func TestEventString(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"start", NewEvent("3", EventStart, 0, 1500*time.Millisecond), "trial 3 started at 1.500000"},
		{"phase", NewEvent("3", EventPhase, 2, 2*time.Second), "trial 3 phase 2 started at 2.000000"},
		{"key", Event{TrialID: "wait", Kind: EventKey, Key: "a", Time: 0.25}, "trial wait event a at 0.250000"},
		{"trigger", Event{TrialID: "1", Kind: EventTrigger, Key: "t", TR: 4, Time: 8}, "trial 1 trigger t (tr 4) at 8.000000"},
		{"stop", Event{TrialID: "1", Kind: EventStop, Time: 3}, "trial 1 stopped at 3.000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParametersCloneIsDeep(t *testing.T) {
	orig := Parameters{
		"coherence": 0.5,
		"keys":      []string{"a", "s"},
		"nested":    map[string]any{"color": []any{1.0, 0.0, 0.0}},
	}
	c := orig.Clone()
	c["coherence"] = 0.9
	c["keys"].([]string)[0] = "z"
	c["nested"].(map[string]any)["color"].([]any)[0] = 0.2

	if orig["coherence"] != 0.5 {
		t.Error("scalar change leaked into template")
	}
	if orig["keys"].([]string)[0] != "a" {
		t.Error("slice change leaked into template")
	}
	if orig["nested"].(map[string]any)["color"].([]any)[0] != 1.0 {
		t.Error("nested change leaked into template")
	}
}

func TestParametersCloneNil(t *testing.T) {
	var p Parameters
	c := p.Clone()
	if c == nil {
		t.Fatal("Clone of nil should return an empty map")
	}
	c["x"] = 1
}

func TestParametersKeysSorted(t *testing.T) {
	p := Parameters{"b": 1, "a": 2, "c": 3}
	keys := p.Keys()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("unexpected key order %v", keys)
	}
}
