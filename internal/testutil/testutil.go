// Package testutil provides common test utilities and helpers for ExpTools tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ExpTools/internal/clock"
	"github.com/BTreeMap/ExpTools/internal/display"
	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/BTreeMap/ExpTools/internal/session"
	"github.com/BTreeMap/ExpTools/internal/store"
	"github.com/google/go-cmp/cmp"
)

// TB is the subset of testing.TB the assertion helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// TestGeometry is a 1920x1080 screen 57 cm from the subject.
var TestGeometry = display.Geometry{WidthPx: 1920, HeightPx: 1080, WidthCm: 52, HeightCm: 30, DistanceCm: 57}

// TestRefreshRate makes one frame last exactly 10ms.
const TestRefreshRate = 100

// TestSession is a session on a manual clock with a headless display that keeps
// its frames, saving into memory.
type TestSession struct {
	*session.Session
	Clock   *clock.Manual
	Display *display.Headless
	Store   *store.InMemoryStore
}

// NewTestSession creates a TestSession in a temporary data directory. A nil clock
// is replaced by a new manual clock. The session is closed when the test ends.
func NewTestSession(t *testing.T, c *clock.Manual, opts ...session.Option) *TestSession {
	t.Helper()
	if c == nil {
		c = clock.NewManual()
	}
	ts := &TestSession{
		Clock:   c,
		Display: display.NewHeadless(c, TestGeometry.WidthPx, TestGeometry.HeightPx, TestRefreshRate, display.WithFrameHistory(10000)),
		Store:   store.NewInMemoryStore(),
	}
	cfg := session.Config{
		Subject:     "GdH",
		Index:       1,
		DataDir:     filepath.Join(t.TempDir(), "data"),
		Geometry:    TestGeometry,
		RefreshRate: TestRefreshRate,
	}
	opts = append([]session.Option{
		session.WithClock(c),
		session.WithDisplay(ts.Display),
		session.WithStore(ts.Store),
	}, opts...)
	s, err := session.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("failed to create test session: %v", err)
	}
	ts.Session = s
	t.Cleanup(func() { s.Close() })
	return ts
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body any) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// CreateJSONRequest creates an HTTP request with a raw JSON body.
func CreateJSONRequest(t TB, method, url, jsonBody string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(jsonBody))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertEventKinds checks the kinds of events in order.
func AssertEventKinds(t TB, events []models.Event, want ...models.EventKind) {
	t.Helper()
	got := make([]models.EventKind, len(events))
	for i, ev := range events {
		got[i] = ev.Kind
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event kinds mismatch (-want +got):\n%s", diff)
	}
}

// AssertRecordCount validates the number of trials saved for a run.
func AssertRecordCount(t TB, s store.Store, runID string, expected int, context string) {
	t.Helper()
	_, records, err := s.LoadRun(runID)
	if err != nil {
		t.Fatalf("%s: failed to load run %s: %v", context, runID, err)
		return
	}
	if len(records) != expected {
		t.Errorf("%s: expected %d trials, got %d", context, expected, len(records))
	}
}

// SeedRun saves a two-trial run to s and returns it.
func SeedRun(t TB, s store.Store) (models.RunInfo, []models.TrialRecord) {
	t.Helper()
	run := models.RunInfo{
		ID:         "seed-run",
		Subject:    "GdH",
		Index:      1,
		StartedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		OutputBase: filepath.Join("data", "GdH_1_2026-01-02_03.04.05"),
	}
	records := []models.TrialRecord{
		{Index: 0, TrialID: "wait", Events: []models.Event{{TrialID: "wait", Kind: models.EventStart}}, Parameters: models.Parameters{}},
		{Index: 1, TrialID: "0", Events: []models.Event{{TrialID: "0", Kind: models.EventStart, Time: 2}}, Parameters: models.Parameters{"intensity": 0.5}},
	}
	if err := s.SaveRun(run, records); err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}
	return run, records
}

// AssertRecordsEqual compares trial records.
func AssertRecordsEqual(t TB, expected, actual []models.TrialRecord, context string) {
	t.Helper()
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Errorf("%s: records don't match (-want +got):\n%s", context, diff)
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
