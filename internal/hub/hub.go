// Package hub is the realtime mux. It owns the live-session maps and the
// per-computer status cache, admits WebSocket sessions, and fans events out
// to logical rooms through a narrow transport interface.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/labfleet/labfleet/internal/auth"
	"github.com/labfleet/labfleet/internal/metrics"
)

// DefaultOfflineDebounce is how long an agent may be fully disconnected
// before its computer is broadcast as offline. Long enough to ride out a
// reconnect, short enough that operators see real outages promptly.
const DefaultOfflineDebounce = 1500 * time.Millisecond

// Transport is the wire layer underneath the hub. It owns room membership
// and frame delivery; within one session frames are delivered in emit order.
type Transport interface {
	Join(sessionID, room string)
	Leave(sessionID, room string)
	EmitToRoom(room, event string, payload any)
	EmitToSession(sessionID, event string, payload any)
	RoomSize(room string) int
	CloseSession(sessionID string)
}

// AgentAuthenticator verifies an agent bearer. Returns the computer ID.
type AgentAuthenticator interface {
	VerifyAgentToken(agentID, presented string) (int64, bool)
}

// FrontendAuthenticator resolves a frontend access token to a live user.
type FrontendAuthenticator interface {
	AuthenticateFrontend(token string) (*auth.User, error)
}

// Authorizer answers whether a user may touch a computer.
type Authorizer interface {
	CanAccessComputer(userID, computerID int64) (bool, error)
}

// Handshake is what the transport extracted from the upgrade request.
type Handshake struct {
	ClientType    string // "agent" or "frontend"
	Authorization string // bearer token, prefix already stripped
	AgentID       string // agents only
}

// Principal identifies an admitted session.
type Principal struct {
	Kind       string // "agent" or "frontend"
	ComputerID int64  // agents
	UserID     int64  // frontends
	Role       string // frontends
}

// Status is the realtime view of one computer.
type Status struct {
	Status      string    `json:"status"`
	CPUPct      float64   `json:"cpu_pct"`
	RAMPct      float64   `json:"ram_pct"`
	DiskPct     float64   `json:"disk_pct"`
	LastUpdated time.Time `json:"last_updated"`
	ComputerID  int64     `json:"computer_id"`
}

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Hub routes realtime traffic between agents and frontends.
type Hub struct {
	mu            sync.Mutex
	agentSessions map[int64]map[string]struct{}
	userSessions  map[int64]map[string]struct{}
	adminSessions map[string]struct{}
	principals    map[string]Principal
	status        map[int64]Status
	offlineTimers map[int64]*time.Timer

	transport  Transport
	agents     AgentAuthenticator
	frontends  FrontendAuthenticator
	authorizer Authorizer
	log        *slog.Logger

	debounce time.Duration
	nowFn    func() time.Time
}

// Config holds the hub's collaborators.
type Config struct {
	Transport       Transport
	Agents          AgentAuthenticator
	Frontends       FrontendAuthenticator
	Authorizer      Authorizer
	Log             *slog.Logger
	OfflineDebounce time.Duration
	Now             func() time.Time
}

// New creates a Hub.
func New(cfg Config) *Hub {
	if cfg.OfflineDebounce <= 0 {
		cfg.OfflineDebounce = DefaultOfflineDebounce
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		agentSessions: make(map[int64]map[string]struct{}),
		userSessions:  make(map[int64]map[string]struct{}),
		adminSessions: make(map[string]struct{}),
		principals:    make(map[string]Principal),
		status:        make(map[int64]Status),
		offlineTimers: make(map[int64]*time.Timer),
		transport:     cfg.Transport,
		agents:        cfg.Agents,
		frontends:     cfg.Frontends,
		authorizer:    cfg.Authorizer,
		log:           cfg.Log,
		debounce:      cfg.OfflineDebounce,
		nowFn:         cfg.Now,
	}
}

// Admit authenticates a freshly upgraded session and registers it. This is
// the only authentication step for the socket; later frames are trusted to
// come from the admitted principal. On failure the session receives a
// connect_error with a fixed reason string and is closed.
func (h *Hub) Admit(sessionID string, hs Handshake) (Principal, error) {
	p, reason := h.admit(sessionID, hs)
	if reason != "" {
		h.transport.EmitToSession(sessionID, EventConnectError, map[string]string{"message": reason})
		h.transport.CloseSession(sessionID)
		return Principal{}, errors.New(reason)
	}
	h.transport.EmitToSession(sessionID, EventConnect, map[string]any{})
	return p, nil
}

func (h *Hub) admit(sessionID string, hs Handshake) (Principal, string) {
	switch hs.ClientType {
	case "agent":
		if hs.AgentID == "" || hs.Authorization == "" {
			return Principal{}, ReasonMissingHeaders
		}
		computerID, ok := h.agents.VerifyAgentToken(hs.AgentID, hs.Authorization)
		if !ok {
			return Principal{}, ReasonInvalidAgent
		}
		p := Principal{Kind: "agent", ComputerID: computerID}
		h.registerAgent(sessionID, computerID)
		return p, ""

	case "frontend":
		if hs.Authorization == "" {
			return Principal{}, ReasonMissingHeaders
		}
		user, err := h.frontends.AuthenticateFrontend(hs.Authorization)
		switch {
		case errors.Is(err, auth.ErrExpiredToken):
			return Principal{}, ReasonTokenExpired
		case err != nil:
			return Principal{}, ReasonInvalidToken
		case !user.Active:
			return Principal{}, ReasonUserDeactivated
		}
		p := Principal{Kind: "frontend", UserID: user.ID, Role: user.Role}
		h.registerFrontend(sessionID, p)
		return p, ""

	default:
		return Principal{}, ReasonMissingHeaders
	}
}

func (h *Hub) registerAgent(sessionID string, computerID int64) {
	h.mu.Lock()
	set := h.agentSessions[computerID]
	if set == nil {
		set = make(map[string]struct{})
		h.agentSessions[computerID] = set
	}
	// The gauge counts computers, not sessions.
	first := len(set) == 0
	set[sessionID] = struct{}{}
	h.principals[sessionID] = Principal{Kind: "agent", ComputerID: computerID}

	if t, ok := h.offlineTimers[computerID]; ok {
		t.Stop()
		delete(h.offlineTimers, computerID)
	}
	st, exists := h.status[computerID]
	if !exists {
		st = Status{Status: statusOnline, LastUpdated: h.nowFn(), ComputerID: computerID}
		h.status[computerID] = st
	}
	h.mu.Unlock()

	if first {
		metrics.AgentsOnline.Inc()
	}
	h.transport.Join(sessionID, agentRoom(computerID))
	h.transport.Join(sessionID, RoomAllAgents)
	h.transport.EmitToRoom(subscribersRoom(computerID), EventStatusUpdated, st)
	h.log.Info("agent session opened", "computerID", computerID, "sessionID", sessionID)
}

func (h *Hub) registerFrontend(sessionID string, p Principal) {
	h.mu.Lock()
	set := h.userSessions[p.UserID]
	if set == nil {
		set = make(map[string]struct{})
		h.userSessions[p.UserID] = set
	}
	set[sessionID] = struct{}{}
	if p.Role == auth.RoleAdmin {
		h.adminSessions[sessionID] = struct{}{}
	}
	h.principals[sessionID] = p
	h.mu.Unlock()

	metrics.UserSessions.Inc()
	h.transport.Join(sessionID, userRoom(p.UserID))
	if p.Role == auth.RoleAdmin {
		h.transport.Join(sessionID, RoomAdmin)
	}
	h.log.Info("frontend session opened", "userID", p.UserID, "role", p.Role, "sessionID", sessionID)
}

// Disconnect removes the session from every map. If it was the last agent
// session for its computer, an offline check is scheduled after the
// debounce window so a quick reconnect does not flap the status.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	p, ok := h.principals[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.principals, sessionID)

	switch p.Kind {
	case "agent":
		computerID := p.ComputerID
		last := false
		if set := h.agentSessions[computerID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				last = true
				delete(h.agentSessions, computerID)
				if t, ok := h.offlineTimers[computerID]; ok {
					t.Stop()
				}
				h.offlineTimers[computerID] = time.AfterFunc(h.debounce, func() {
					h.offlineCheck(computerID)
				})
			}
		}
		h.mu.Unlock()
		if last {
			metrics.AgentsOnline.Dec()
		}
		h.log.Info("agent session closed", "computerID", computerID, "sessionID", sessionID)

	case "frontend":
		if set := h.userSessions[p.UserID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(h.userSessions, p.UserID)
			}
		}
		delete(h.adminSessions, sessionID)
		h.mu.Unlock()
		metrics.UserSessions.Dec()
		h.log.Info("frontend session closed", "userID", p.UserID, "sessionID", sessionID)

	default:
		h.mu.Unlock()
	}
}

// offlineCheck fires after the debounce window. If the computer is still
// without agent sessions it is broadcast offline exactly once and its
// status entry dropped.
func (h *Hub) offlineCheck(computerID int64) {
	h.mu.Lock()
	delete(h.offlineTimers, computerID)
	if len(h.agentSessions[computerID]) > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.status, computerID)
	st := Status{Status: statusOffline, LastUpdated: h.nowFn(), ComputerID: computerID}
	h.mu.Unlock()

	h.transport.EmitToRoom(subscribersRoom(computerID), EventStatusUpdated, st)
	h.log.Info("computer went offline", "computerID", computerID)
}

// IsConnected reports whether the computer has at least one agent session.
func (h *Hub) IsConnected(computerID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.agentSessions[computerID]) > 0
}

// AgentStatusUpdate records a metrics frame from an agent session and
// broadcasts the new status to the computer's subscribers. Percentages are
// clamped to [0, 100].
func (h *Hub) AgentStatusUpdate(sessionID string, cpu, ram, disk float64) {
	h.mu.Lock()
	p, ok := h.principals[sessionID]
	if !ok || p.Kind != "agent" {
		h.mu.Unlock()
		return
	}
	st := Status{
		Status:      statusOnline,
		CPUPct:      clampPct(cpu),
		RAMPct:      clampPct(ram),
		DiskPct:     clampPct(disk),
		LastUpdated: h.nowFn(),
		ComputerID:  p.ComputerID,
	}
	h.status[p.ComputerID] = st
	h.mu.Unlock()

	h.transport.EmitToRoom(subscribersRoom(p.ComputerID), EventStatusUpdated, st)
}

// Subscribe authorizes the session for the computer, joins it to the
// subscriber room, acks, and then sends a one-shot status snapshot if one
// exists. The ack is emitted before the snapshot on the same session.
func (h *Hub) Subscribe(sessionID string, computerID int64) {
	h.mu.Lock()
	p, ok := h.principals[sessionID]
	st, haveStatus := h.status[computerID]
	h.mu.Unlock()

	if !ok || p.Kind != "frontend" {
		return
	}
	if !h.allowed(p, computerID) {
		h.transport.EmitToSession(sessionID, EventSubscribeResponse, map[string]any{
			"status":      "error",
			"message":     "Access denied",
			"computer_id": computerID,
		})
		return
	}

	h.transport.Join(sessionID, subscribersRoom(computerID))
	h.transport.EmitToSession(sessionID, EventSubscribeResponse, map[string]any{
		"status":      "success",
		"computer_id": computerID,
	})
	if haveStatus {
		h.transport.EmitToSession(sessionID, EventStatusUpdated, st)
	}
}

// Unsubscribe removes the session from the computer's subscriber room.
// Symmetric with Subscribe but never sends a snapshot.
func (h *Hub) Unsubscribe(sessionID string, computerID int64) {
	h.mu.Lock()
	p, ok := h.principals[sessionID]
	h.mu.Unlock()
	if !ok || p.Kind != "frontend" {
		return
	}
	h.transport.Leave(sessionID, subscribersRoom(computerID))
	h.transport.EmitToSession(sessionID, EventUnsubscribeResponse, map[string]any{
		"status":      "success",
		"computer_id": computerID,
	})
}

func (h *Hub) allowed(p Principal, computerID int64) bool {
	if p.Role == auth.RoleAdmin {
		return true
	}
	ok, err := h.authorizer.CanAccessComputer(p.UserID, computerID)
	if err != nil {
		h.log.Error("authorization check failed", "userID", p.UserID, "computerID", computerID, "error", err)
		return false
	}
	return ok
}

// Principal returns the admitted principal for a session.
func (h *Hub) Principal(sessionID string) (Principal, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.principals[sessionID]
	return p, ok
}

// StatusOf returns the realtime status for a computer, if present.
func (h *Hub) StatusOf(computerID int64) (Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.status[computerID]
	return st, ok
}

// EmitToAgent delivers an event to every agent session of the computer.
func (h *Hub) EmitToAgent(computerID int64, event string, payload any) {
	h.transport.EmitToRoom(agentRoom(computerID), event, payload)
}

// EmitToUser delivers an event to every frontend session of the user.
func (h *Hub) EmitToUser(userID int64, event string, payload any) {
	h.transport.EmitToRoom(userRoom(userID), event, payload)
}

// NotifyAdmins delivers an event to every admin session.
func (h *Hub) NotifyAdmins(event string, payload any) {
	h.transport.EmitToRoom(RoomAdmin, event, payload)
}

// NotifyAllAgents delivers an event to every connected agent.
func (h *Hub) NotifyAllAgents(event string, payload any) {
	h.transport.EmitToRoom(RoomAllAgents, event, payload)
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
