package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/convmode/internal/brain"
	"github.com/ent0n29/convmode/internal/config"
	"github.com/ent0n29/convmode/internal/coordinator"
	"github.com/ent0n29/convmode/internal/observability"
)

func newTestServer(t *testing.T) (*httptest.Server, *Conversations) {
	t.Helper()
	metrics := observability.NewMetrics("test_httpapi", nil)
	convs := NewConversations(func(id string) (*coordinator.Coordinator, func()) {
		return coordinator.New(coordinator.Options{
			ConversationID: id,
			Generator:      brain.NewMock(),
			DefaultAgents:  []string{"agentA"},
			Metrics:        metrics,
		}), nil
	})
	srv := New(config.Config{}, convs, metrics, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		convs.CloseAll()
	})
	return ts, convs
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	res, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	var payload map[string]any
	_ = json.Unmarshal(raw, &payload)
	return res, payload
}

func TestConversationLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	res, created := postJSON(t, ts.URL+"/v1/conversations", map[string]string{"conversation_id": "conv-1"})
	if res.StatusCode != http.StatusCreated || created["conversation_id"] != "conv-1" {
		t.Fatalf("create = %d %+v", res.StatusCode, created)
	}
	base := ts.URL + "/v1/conversations/conv-1"

	res, activated := postJSON(t, base+"/voice/activate", map[string]any{"agent_ids": []string{"agentA", "agentB"}})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d, body %+v", res.StatusCode, activated)
	}
	if sessions, _ := activated["sessions"].([]any); len(sessions) != 2 {
		t.Fatalf("activate sessions = %+v", activated["sessions"])
	}

	res, dec := postJSON(t, base+"/transcriptions", map[string]any{"text": "what's the weather like", "is_final": true})
	if res.StatusCode != http.StatusOK || dec["outcome"] != "committed" {
		t.Fatalf("transcription = %d %+v", res.StatusCode, dec)
	}
	utterance, _ := dec["utterance"].(map[string]any)
	uttID, _ := utterance["id"].(string)

	res, set := postJSON(t, base+"/responses", map[string]any{"utterance_id": uttID})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("responses status = %d, body %+v", res.StatusCode, set)
	}
	if responses, _ := set["responses"].([]any); len(responses) != 2 {
		t.Fatalf("responses = %+v", set["responses"])
	}
	res, dup := postJSON(t, base+"/responses", map[string]any{"utterance_id": uttID})
	if res.StatusCode != http.StatusConflict || dup["code"] != coordinator.CodeDuplicateResponseRejected {
		t.Fatalf("duplicate responses = %d %+v", res.StatusCode, dup)
	}

	res, snap := postJSON(t, base+"/voice/deactivate", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status = %d", res.StatusCode)
	}
	if sessions, _ := snap["sessions"].([]any); len(sessions) != 0 {
		t.Fatalf("sessions after deactivate = %+v", snap["sessions"])
	}
	modeState, _ := snap["mode"].(map[string]any)
	if modeState["current"] != "idle" {
		t.Fatalf("mode after deactivate = %+v", modeState)
	}

	req, _ := http.NewRequest(http.MethodDelete, base, nil)
	delRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	delRes.Body.Close()
	if delRes.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", delRes.StatusCode)
	}
	getRes, err := http.Get(base)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	getRes.Body.Close()
	if getRes.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", getRes.StatusCode)
	}
}

func TestCoordinatorErrorsMapToStatus(t *testing.T) {
	ts, convs := newTestServer(t)
	convs.Create("conv-2")
	base := ts.URL + "/v1/conversations/conv-2"

	res, body := postJSON(t, base+"/transcriptions", map[string]any{"text": "hello", "is_final": true})
	if res.StatusCode != http.StatusConflict || body["code"] != "not_listening" {
		t.Fatalf("idle transcription = %d %+v", res.StatusCode, body)
	}
	res, body = postJSON(t, base+"/voice/deactivate", nil)
	if res.StatusCode != http.StatusConflict || body["code"] != coordinator.CodeTransitionRejected {
		t.Fatalf("idle deactivate = %d %+v", res.StatusCode, body)
	}
	res, body = postJSON(t, base+"/responses", map[string]any{"utterance_id": "missing"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown utterance = %d %+v", res.StatusCode, body)
	}
	res, _ = postJSON(t, base+"/interruptible", map[string]any{})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("interruptible without value = %d", res.StatusCode)
	}
	res, _ = postJSON(t, ts.URL+"/v1/conversations/nope/reset", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown conversation = %d", res.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, res.StatusCode)
		}
	}
	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(raw), "test_httpapi_") {
		t.Fatalf("metrics status = %d, body missing namespace", res.StatusCode)
	}
}

func TestEventsWebsocket(t *testing.T) {
	ts, convs := newTestServer(t)
	convs.Create("conv-ws")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/conversations/conv-ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	read := func() map[string]any {
		t.Helper()
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return msg
	}
	if hello := read(); hello["type"] != "hello" || hello["conversation_id"] != "conv-ws" {
		t.Fatalf("hello = %+v", hello)
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "action": "activate", "agent_ids": []string{"agentA"}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var kinds []string
	for {
		msg := read()
		if msg["type"] == "ack" {
			if msg["of"] != "client_control" {
				t.Fatalf("ack = %+v", msg)
			}
			break
		}
		if msg["type"] == "bus_event" {
			kinds = append(kinds, msg["kind"].(string))
		}
	}
	// Bus events are forwarded as soon as they are published, before the ack.
	want := []string{"mode-changed", "session-created", "mode-changed"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}

	if err := conn.WriteJSON(map[string]any{"type": "bogus"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := read(); msg["type"] != "error_event" || msg["code"] != "invalid_client_message" {
		t.Fatalf("error reply = %+v", msg)
	}
}
