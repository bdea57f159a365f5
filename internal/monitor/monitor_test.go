package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/BTreeMap/ExpTools/internal/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

type fixedStatus models.SessionStatus

func (f fixedStatus) Status() models.SessionStatus { return models.SessionStatus(f) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatusHandler(t *testing.T) {
	status := fixedStatus{RunID: "run", Subject: "GdH", TrialID: "3", Phase: 1, Trials: 4, CurrentTR: 7, Time: 12.5}
	srv := NewServer("", status, NewHub())

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/status", nil))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /status")
	var resp struct {
		Status models.APIStatus      `json:"status"`
		Result models.SessionStatus `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if resp.Status != models.APIStatusOK {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if diff := cmp.Diff(models.SessionStatus(status), resp.Result); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusWithoutSession(t *testing.T) {
	srv := NewServer("", nil, NewHub())
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/status", nil))

	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "GET /status without session")
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusError))
}

func TestMethodNotAllowed(t *testing.T) {
	srv := NewServer("", fixedStatus{}, NewHub())
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateJSONRequest(t, http.MethodPost, "/status", `{}`))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "POST /status")
}

func TestHealthHandler(t *testing.T) {
	srv := NewServer("", fixedStatus{}, NewHub())
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /health")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	result, _ := resp["result"].(map[string]any)
	if result["clients"] != float64(0) {
		t.Errorf("clients = %v, want 0", result["clients"])
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	h := NewHub()
	for i := range DefaultBufferSize + 5 {
		h.Publish(models.Event{TrialID: "0", Kind: models.EventKey, Time: float64(i)})
	}
	if got := h.Dropped(); got != 5 {
		t.Errorf("Dropped() = %d, want 5", got)
	}
}

func TestWebsocketStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	ts := httptest.NewServer(NewServer("", fixedStatus{}, hub).Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	want := []models.Event{
		{TrialID: "0", Kind: models.EventStart, Time: 1},
		{TrialID: "0", Kind: models.EventTrigger, Key: "t", TR: 1, Time: 1.25},
	}
	for _, ev := range want {
		hub.Publish(ev)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []models.Event
	for range want {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		var ev models.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		got = append(got, ev)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	cancel()
	<-hubDone
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close after hub stop, got %v", err)
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d after stop, want 0", got)
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := NewServer("127.0.0.1:0", fixedStatus{RunID: "run"}, NewHub())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	resp.Body.Close()
	testutil.AssertHTTPStatus(t, http.StatusOK, resp.StatusCode, "GET /status")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	http.DefaultClient.CloseIdleConnections()
}
