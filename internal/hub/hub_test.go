package hub

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/labfleet/labfleet/internal/auth"
	"github.com/labfleet/labfleet/internal/metrics"
)

type emit struct {
	target  string // room or session id
	event   string
	payload any
}

// fakeTransport records rooms and emissions in order.
type fakeTransport struct {
	mu     sync.Mutex
	rooms  map[string]map[string]bool
	emits  []emit
	closed []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{rooms: make(map[string]map[string]bool)}
}

func (f *fakeTransport) Join(sessionID, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[room] == nil {
		f.rooms[room] = make(map[string]bool)
	}
	f.rooms[room][sessionID] = true
}

func (f *fakeTransport) Leave(sessionID, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms[room], sessionID)
}

func (f *fakeTransport) EmitToRoom(room, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emit{target: "room:" + room, event: event, payload: payload})
}

func (f *fakeTransport) EmitToSession(sessionID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emit{target: "session:" + sessionID, event: event, payload: payload})
}

func (f *fakeTransport) RoomSize(room string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms[room])
}

func (f *fakeTransport) CloseSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

func (f *fakeTransport) inRoom(sessionID, room string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[room][sessionID]
}

func (f *fakeTransport) emitted(target, event string) []emit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emit
	for _, e := range f.emits {
		if e.target == target && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTransport) log() []emit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emit(nil), f.emits...)
}

type fakeAgentAuth struct {
	tokens map[string]int64 // "agentID/token" → computerID
}

func (f *fakeAgentAuth) VerifyAgentToken(agentID, presented string) (int64, bool) {
	cid, ok := f.tokens[agentID+"/"+presented]
	return cid, ok
}

type fakeFrontendAuth struct {
	users map[string]*auth.User
	errs  map[string]error
}

func (f *fakeFrontendAuth) AuthenticateFrontend(token string) (*auth.User, error) {
	if err, ok := f.errs[token]; ok {
		return nil, err
	}
	if u, ok := f.users[token]; ok {
		return u, nil
	}
	return nil, auth.ErrInvalidCredential
}

type fakeAuthorizer struct {
	allowed map[int64]map[int64]bool // userID → computerID → ok
	err     error
}

func (f *fakeAuthorizer) CanAccessComputer(userID, computerID int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.allowed[userID][computerID], nil
}

func newTestHub(t *testing.T, debounce time.Duration) (*Hub, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	h := New(Config{
		Transport: tr,
		Agents:    &fakeAgentAuth{tokens: map[string]int64{"A12345678/agent-token": 42}},
		Frontends: &fakeFrontendAuth{
			users: map[string]*auth.User{
				"admin-token":    {ID: 1, Username: "root", Role: auth.RoleAdmin, Active: true},
				"user-token":     {ID: 7, Username: "alice", Role: auth.RoleUser, Active: true},
				"inactive-token": {ID: 9, Username: "gone", Role: auth.RoleUser, Active: false},
			},
			errs: map[string]error{"stale-token": auth.ErrExpiredToken},
		},
		Authorizer:      &fakeAuthorizer{allowed: map[int64]map[int64]bool{7: {42: true}}},
		Log:             slog.New(slog.DiscardHandler),
		OfflineDebounce: debounce,
	})
	return h, tr
}

func admitAgent(t *testing.T, h *Hub, sessionID string) {
	t.Helper()
	_, err := h.Admit(sessionID, Handshake{ClientType: "agent", AgentID: "A12345678", Authorization: "agent-token"})
	if err != nil {
		t.Fatalf("agent Admit: %v", err)
	}
}

func admitFrontend(t *testing.T, h *Hub, sessionID, token string) {
	t.Helper()
	_, err := h.Admit(sessionID, Handshake{ClientType: "frontend", Authorization: token})
	if err != nil {
		t.Fatalf("frontend Admit: %v", err)
	}
}

func TestAdmitAgent(t *testing.T) {
	h, tr := newTestHub(t, time.Second)
	admitAgent(t, h, "s1")

	if !h.IsConnected(42) {
		t.Error("IsConnected(42) = false after admission")
	}
	if !tr.inRoom("s1", agentRoom(42)) || !tr.inRoom("s1", RoomAllAgents) {
		t.Error("agent session missing from its rooms")
	}
	if _, ok := h.StatusOf(42); !ok {
		t.Error("status not seeded on connect")
	}
	if got := tr.emitted("session:s1", EventConnect); len(got) != 1 {
		t.Errorf("connect events = %d, want 1", len(got))
	}
}

func TestAdmitFailures(t *testing.T) {
	cases := []struct {
		name       string
		hs         Handshake
		wantReason string
	}{
		{"unknown client type", Handshake{ClientType: "toaster"}, ReasonMissingHeaders},
		{"agent without headers", Handshake{ClientType: "agent"}, ReasonMissingHeaders},
		{"agent bad token", Handshake{ClientType: "agent", AgentID: "A12345678", Authorization: "nope"}, ReasonInvalidAgent},
		{"frontend without token", Handshake{ClientType: "frontend"}, ReasonMissingHeaders},
		{"frontend bad token", Handshake{ClientType: "frontend", Authorization: "nope"}, ReasonInvalidToken},
		{"frontend expired token", Handshake{ClientType: "frontend", Authorization: "stale-token"}, ReasonTokenExpired},
		{"frontend deactivated user", Handshake{ClientType: "frontend", Authorization: "inactive-token"}, ReasonUserDeactivated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, tr := newTestHub(t, time.Second)
			_, err := h.Admit("s1", tc.hs)
			if err == nil || err.Error() != tc.wantReason {
				t.Fatalf("err = %v, want %q", err, tc.wantReason)
			}
			got := tr.emitted("session:s1", EventConnectError)
			if len(got) != 1 {
				t.Fatalf("connect_error events = %d, want 1", len(got))
			}
			if msg := got[0].payload.(map[string]string)["message"]; msg != tc.wantReason {
				t.Errorf("reason = %q, want %q", msg, tc.wantReason)
			}
			if len(tr.closed) != 1 {
				t.Errorf("session not closed after failed admission")
			}
		})
	}
}

func TestStatusUpdateClamped(t *testing.T) {
	h, tr := newTestHub(t, time.Second)
	admitAgent(t, h, "s1")

	h.AgentStatusUpdate("s1", 100.01, -3, 55.5)

	st, ok := h.StatusOf(42)
	if !ok {
		t.Fatal("status missing after update")
	}
	if st.CPUPct != 100 || st.RAMPct != 0 || st.DiskPct != 55.5 {
		t.Errorf("clamped status = %+v", st)
	}
	if st.Status != statusOnline {
		t.Errorf("status = %q, want online", st.Status)
	}
	if got := tr.emitted("room:"+subscribersRoom(42), EventStatusUpdated); len(got) < 1 {
		t.Error("no status broadcast to subscribers")
	}
}

func TestStatusUpdateIgnoresFrontends(t *testing.T) {
	h, _ := newTestHub(t, time.Second)
	admitFrontend(t, h, "f1", "user-token")

	h.AgentStatusUpdate("f1", 50, 50, 50)
	if _, ok := h.StatusOf(0); ok {
		t.Error("frontend frame wrote a status entry")
	}
}

func TestSubscribeAckBeforeSnapshot(t *testing.T) {
	h, tr := newTestHub(t, time.Second)
	admitAgent(t, h, "s1")
	h.AgentStatusUpdate("s1", 10, 20, 30)
	admitFrontend(t, h, "f1", "user-token")

	h.Subscribe("f1", 42)

	if !tr.inRoom("f1", subscribersRoom(42)) {
		t.Error("subscriber not joined to the room")
	}
	var ackAt, snapAt = -1, -1
	for i, e := range tr.log() {
		if e.target != "session:f1" {
			continue
		}
		switch e.event {
		case EventSubscribeResponse:
			ackAt = i
		case EventStatusUpdated:
			snapAt = i
		}
	}
	if ackAt == -1 || snapAt == -1 {
		t.Fatalf("missing ack (%d) or snapshot (%d)", ackAt, snapAt)
	}
	if ackAt > snapAt {
		t.Error("snapshot delivered before the subscribe ack")
	}
}

func TestSubscribeNoSnapshotWithoutStatus(t *testing.T) {
	h, tr := newTestHub(t, time.Second)
	admitFrontend(t, h, "f1", "admin-token")

	h.Subscribe("f1", 99)

	if got := tr.emitted("session:f1", EventSubscribeResponse); len(got) != 1 {
		t.Fatalf("acks = %d, want 1", len(got))
	}
	if got := tr.emitted("session:f1", EventStatusUpdated); len(got) != 0 {
		t.Errorf("snapshots = %d, want 0 for a computer with no status", len(got))
	}
}

func TestSubscribeAuthorization(t *testing.T) {
	h, tr := newTestHub(t, time.Second)
	admitFrontend(t, h, "f1", "user-token")

	// User 7 has no assignment covering computer 43.
	h.Subscribe("f1", 43)

	if tr.inRoom("f1", subscribersRoom(43)) {
		t.Error("unauthorized subscriber joined the room")
	}
	got := tr.emitted("session:f1", EventSubscribeResponse)
	if len(got) != 1 {
		t.Fatalf("acks = %d, want 1", len(got))
	}
	if st := got[0].payload.(map[string]any)["status"]; st != "error" {
		t.Errorf("ack status = %v, want error", st)
	}
}

func TestUnsubscribe(t *testing.T) {
	h, tr := newTestHub(t, time.Second)
	admitFrontend(t, h, "f1", "admin-token")
	h.Subscribe("f1", 42)

	h.Unsubscribe("f1", 42)

	if tr.inRoom("f1", subscribersRoom(42)) {
		t.Error("session still in subscriber room")
	}
	if got := tr.emitted("session:f1", EventUnsubscribeResponse); len(got) != 1 {
		t.Errorf("unsubscribe acks = %d, want 1", len(got))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestOfflineDebounceFires(t *testing.T) {
	h, tr := newTestHub(t, 20*time.Millisecond)
	admitAgent(t, h, "s1")

	h.Disconnect("s1")

	waitFor(t, func() bool {
		_, ok := h.StatusOf(42)
		return !ok
	})
	offline := 0
	for _, e := range tr.emitted("room:"+subscribersRoom(42), EventStatusUpdated) {
		if st, ok := e.payload.(Status); ok && st.Status == statusOffline {
			offline++
		}
	}
	if offline != 1 {
		t.Errorf("offline broadcasts = %d, want exactly 1", offline)
	}
}

func TestOfflineDebounceCancelledByReconnect(t *testing.T) {
	h, tr := newTestHub(t, 50*time.Millisecond)
	admitAgent(t, h, "s1")

	h.Disconnect("s1")
	admitAgent(t, h, "s2") // reconnect inside the window

	time.Sleep(120 * time.Millisecond)

	if _, ok := h.StatusOf(42); !ok {
		t.Error("status dropped despite reconnect inside the debounce window")
	}
	for _, e := range tr.emitted("room:"+subscribersRoom(42), EventStatusUpdated) {
		if st, ok := e.payload.(Status); ok && st.Status == statusOffline {
			t.Error("offline broadcast emitted despite reconnect")
		}
	}
}

func TestAgentsOnlineGaugeCountsComputers(t *testing.T) {
	h, _ := newTestHub(t, time.Second)
	base := testutil.ToFloat64(metrics.AgentsOnline)

	// Two sessions for the same computer are one online computer.
	admitAgent(t, h, "s1")
	admitAgent(t, h, "s2")
	if got := testutil.ToFloat64(metrics.AgentsOnline); got != base+1 {
		t.Errorf("gauge after two sessions = %v, want %v", got, base+1)
	}

	h.Disconnect("s1")
	if got := testutil.ToFloat64(metrics.AgentsOnline); got != base+1 {
		t.Errorf("gauge after first disconnect = %v, want %v", got, base+1)
	}

	h.Disconnect("s2")
	if got := testutil.ToFloat64(metrics.AgentsOnline); got != base {
		t.Errorf("gauge after last disconnect = %v, want %v", got, base)
	}
}

func TestDisconnectUnknownSession(t *testing.T) {
	h, _ := newTestHub(t, time.Second)
	h.Disconnect("never-admitted") // must not panic
}

func TestAuthorizerErrorDeniesSubscribe(t *testing.T) {
	tr := newFakeTransport()
	h := New(Config{
		Transport: tr,
		Agents:    &fakeAgentAuth{},
		Frontends: &fakeFrontendAuth{users: map[string]*auth.User{
			"user-token": {ID: 7, Role: auth.RoleUser, Active: true},
		}},
		Authorizer:      &fakeAuthorizer{err: errors.New("store down")},
		Log:             slog.New(slog.DiscardHandler),
		OfflineDebounce: time.Second,
	})
	admitFrontend(t, h, "f1", "user-token")

	h.Subscribe("f1", 42)
	if tr.inRoom("f1", subscribersRoom(42)) {
		t.Error("subscriber admitted while authorization backend failed")
	}
}
