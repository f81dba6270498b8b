package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/labfleet/labfleet/internal/auth"
	"github.com/labfleet/labfleet/internal/command"
	"github.com/labfleet/labfleet/internal/hub"
)

type fakeAgentAuth struct{}

func (fakeAgentAuth) VerifyAgentToken(agentID, presented string) (int64, bool) {
	if agentID == "A12345678" && presented == "agent-token" {
		return 42, true
	}
	return 0, false
}

type fakeFrontendAuth struct{}

func (fakeFrontendAuth) AuthenticateFrontend(token string) (*auth.User, error) {
	switch token {
	case "admin-token":
		return &auth.User{ID: 1, Username: "root", Role: auth.RoleAdmin, Active: true}, nil
	case "user-token":
		return &auth.User{ID: 7, Username: "alice", Role: auth.RoleUser, Active: true}, nil
	}
	return nil, auth.ErrInvalidCredential
}

type allowAll struct{}

func (allowAll) CanAccessComputer(userID, computerID int64) (bool, error) { return true, nil }

func newTestStack(t *testing.T) *httptest.Server {
	t.Helper()
	log := slog.New(slog.DiscardHandler)

	transport := NewServer(log)
	h := hub.New(hub.Config{
		Transport:       transport,
		Agents:          fakeAgentAuth{},
		Frontends:       fakeFrontendAuth{},
		Authorizer:      allowAll{},
		Log:             log,
		OfflineDebounce: 50 * time.Millisecond,
	})
	coord := command.New(command.Config{
		Sessions:   h,
		Authorizer: allowAll{},
		Log:        log,
		Timeout:    time.Minute,
	})
	transport.Bind(h, coord)

	srv := httptest.NewServer(transport)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, headers http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, headers)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return env
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := marshalEnvelope(event, data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func agentHeaders() http.Header {
	return http.Header{
		"X-Client-Type": {"agent"},
		"X-Agent-ID":    {"A12345678"},
		"Authorization": {"Bearer agent-token"},
	}
}

func frontendHeaders(token string) http.Header {
	return http.Header{
		"X-Client-Type": {"frontend"},
		"Authorization": {"Bearer " + token},
	}
}

func TestConnectAgent(t *testing.T) {
	srv := newTestStack(t)
	conn := dial(t, srv, agentHeaders())

	if env := readEvent(t, conn); env.Event != hub.EventConnect {
		t.Fatalf("first event = %q, want connect", env.Event)
	}
}

func TestConnectErrorOnMissingHeaders(t *testing.T) {
	srv := newTestStack(t)
	conn := dial(t, srv, http.Header{"X-Client-Type": {"agent"}})

	env := readEvent(t, conn)
	if env.Event != hub.EventConnectError {
		t.Fatalf("first event = %q, want connect_error", env.Event)
	}
	var payload map[string]string
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["message"] != hub.ReasonMissingHeaders {
		t.Errorf("message = %q, want %q", payload["message"], hub.ReasonMissingHeaders)
	}

	// The server closes the socket after the error frame.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after connect_error")
	}
}

func TestConnectErrorOnBadAgentToken(t *testing.T) {
	srv := newTestStack(t)
	headers := agentHeaders()
	headers.Set("Authorization", "Bearer wrong")
	conn := dial(t, srv, headers)

	env := readEvent(t, conn)
	if env.Event != hub.EventConnectError {
		t.Fatalf("first event = %q, want connect_error", env.Event)
	}
}

func TestSubscribeReceivesStatus(t *testing.T) {
	srv := newTestStack(t)

	agent := dial(t, srv, agentHeaders())
	readEvent(t, agent) // connect

	front := dial(t, srv, frontendHeaders("user-token"))
	readEvent(t, front) // connect

	sendEvent(t, front, hub.EventSubscribe, map[string]any{"computer_id": 42})

	ack := readEvent(t, front)
	if ack.Event != hub.EventSubscribeResponse {
		t.Fatalf("event = %q, want subscribe_response", ack.Event)
	}
	snapshot := readEvent(t, front)
	if snapshot.Event != hub.EventStatusUpdated {
		t.Fatalf("event = %q, want the status snapshot after the ack", snapshot.Event)
	}

	// A live status frame from the agent reaches the subscriber.
	sendEvent(t, agent, hub.EventAgentStatusUpdate, map[string]any{
		"cpu_pct": 12.5, "ram_pct": 40.0, "disk_pct": 75.0,
	})
	update := readEvent(t, front)
	if update.Event != hub.EventStatusUpdated {
		t.Fatalf("event = %q, want computer:status_updated", update.Event)
	}
	var st hub.Status
	if err := json.Unmarshal(update.Data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.CPUPct != 12.5 || st.ComputerID != 42 {
		t.Errorf("status = %+v", st)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	srv := newTestStack(t)

	agent := dial(t, srv, agentHeaders())
	readEvent(t, agent) // connect

	front := dial(t, srv, frontendHeaders("admin-token"))
	readEvent(t, front) // connect

	sendEvent(t, front, hub.EventSendCommand, map[string]any{
		"computer_id": 42, "command": "whoami", "command_type": "console",
	})

	ack := readEvent(t, front)
	if ack.Event != "command:response" {
		t.Fatalf("event = %q, want command:response", ack.Event)
	}
	var ackData map[string]any
	if err := json.Unmarshal(ack.Data, &ackData); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ackData["status"] != "success" {
		t.Fatalf("ack = %+v", ackData)
	}
	commandID := ackData["command_id"].(string)

	exec := readEvent(t, agent)
	if exec.Event != hub.EventCommandExecute {
		t.Fatalf("agent event = %q, want command:execute", exec.Event)
	}
	var execData map[string]any
	json.Unmarshal(exec.Data, &execData)
	if execData["command"] != "whoami" || execData["command_id"] != commandID {
		t.Errorf("execute payload = %+v", execData)
	}

	sendEvent(t, agent, hub.EventAgentCommandResult, map[string]any{
		"command_id": commandID,
		"type":       "console",
		"success":    true,
		"result":     map[string]any{"stdout": "root\n", "stderr": "", "exit_code": 0},
	})

	done := readEvent(t, front)
	if done.Event != hub.EventCommandCompleted {
		t.Fatalf("event = %q, want command:completed", done.Event)
	}
	var doneData map[string]any
	json.Unmarshal(done.Data, &doneData)
	if doneData["command_id"] != commandID || doneData["success"] != true {
		t.Errorf("completed payload = %+v", doneData)
	}
}

func TestCommandToOfflineAgent(t *testing.T) {
	srv := newTestStack(t)

	front := dial(t, srv, frontendHeaders("admin-token"))
	readEvent(t, front) // connect

	sendEvent(t, front, hub.EventSendCommand, map[string]any{
		"computer_id": 42, "command": "whoami", "command_type": "console",
	})

	ack := readEvent(t, front)
	var ackData map[string]any
	if err := json.Unmarshal(ack.Data, &ackData); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ackData["status"] != "error" || ackData["message"] != "Agent is not connected" {
		t.Errorf("ack = %+v", ackData)
	}
	if ackData["command_id"] == "" {
		t.Error("offline ack missing command id")
	}
}

func TestAgentFramesFromFrontendIgnored(t *testing.T) {
	srv := newTestStack(t)

	front := dial(t, srv, frontendHeaders("admin-token"))
	readEvent(t, front) // connect

	// A frontend must not be able to forge agent status.
	sendEvent(t, front, hub.EventAgentStatusUpdate, map[string]any{"cpu_pct": 99})
	sendEvent(t, front, hub.EventSubscribe, map[string]any{"computer_id": 1})

	// Only the subscribe ack arrives; no status was recorded for computer 1.
	ack := readEvent(t, front)
	if ack.Event != hub.EventSubscribeResponse {
		t.Fatalf("event = %q, want subscribe_response", ack.Event)
	}
}
