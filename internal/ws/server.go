// Package ws adapts gorilla/websocket connections to the hub's transport
// interface. It owns room membership and the JSON event envelope; all
// coordination logic stays in the hub and the command coordinator.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/labfleet/labfleet/internal/auth"
	"github.com/labfleet/labfleet/internal/command"
	"github.com/labfleet/labfleet/internal/hub"
)

// Envelope is the wire format: one event name plus an opaque payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Server upgrades HTTP requests, tracks sessions and rooms, and routes
// inbound frames. It implements hub.Transport.
type Server struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	rooms    map[string]map[string]*session

	hub         *hub.Hub
	coordinator *command.Coordinator

	nextID atomic.Uint64
}

// NewServer creates the transport. Bind must be called before serving.
func NewServer(log *slog.Logger) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents and the frontend SPA connect cross-origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:      log,
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[string]*session),
	}
}

// Bind wires the consumers of inbound frames. Separate from NewServer
// because the hub needs the transport before the transport needs the hub.
func (s *Server) Bind(h *hub.Hub, c *command.Coordinator) {
	s.hub = h
	s.coordinator = c
}

// ---- hub.Transport ----

func (s *Server) Join(sessionID, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[string]*session)
	}
	s.rooms[room][sessionID] = sess
}

func (s *Server) Leave(sessionID, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms[room], sessionID)
	if len(s.rooms[room]) == 0 {
		delete(s.rooms, room)
	}
}

func (s *Server) EmitToRoom(room, event string, payload any) {
	frame, err := marshalEnvelope(event, payload)
	if err != nil {
		s.log.Error("marshal frame failed", "event", event, "error", err)
		return
	}
	s.mu.Lock()
	members := make([]*session, 0, len(s.rooms[room]))
	for _, sess := range s.rooms[room] {
		members = append(members, sess)
	}
	s.mu.Unlock()
	for _, sess := range members {
		sess.enqueue(frame)
	}
}

func (s *Server) EmitToSession(sessionID, event string, payload any) {
	frame, err := marshalEnvelope(event, payload)
	if err != nil {
		s.log.Error("marshal frame failed", "event", event, "error", err)
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		sess.enqueue(frame)
	}
}

func (s *Server) RoomSize(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

func (s *Server) CloseSession(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		sess.close()
	}
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// ---- HTTP entry point ----

// ServeHTTP upgrades the request and runs the session until disconnect.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs := hub.Handshake{
		ClientType:    r.Header.Get("X-Client-Type"),
		Authorization: auth.ExtractBearerToken(r.Header.Get("Authorization")),
		AgentID:       r.Header.Get("X-Agent-ID"),
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sessionID := "ws-" + strconv.FormatUint(s.nextID.Add(1), 10)
	sess := newSession(sessionID, conn)

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	go sess.writePump()

	principal, err := s.hub.Admit(sessionID, hs)
	if err != nil {
		// connect_error is already queued and the session closed.
		s.remove(sessionID, false)
		return
	}

	s.readPump(sess, principal)
}

func (s *Server) readPump(sess *session, p hub.Principal) {
	defer func() {
		s.remove(sess.id, true)
		sess.close()
	}()

	sess.conn.SetReadLimit(maxMessageSize)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warn("bad frame", "sessionID", sess.id, "error", err)
			continue
		}
		s.dispatch(sess.id, p, env)
	}
}

// remove drops the session from all rooms and, when tellHub is set,
// reports the disconnect so presence can update.
func (s *Server) remove(sessionID string, tellHub bool) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	for room, members := range s.rooms {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	s.mu.Unlock()
	if tellHub {
		s.hub.Disconnect(sessionID)
	}
}

// ---- inbound frame routing ----

type statusFrame struct {
	CPUPct  float64 `json:"cpu_pct"`
	RAMPct  float64 `json:"ram_pct"`
	DiskPct float64 `json:"disk_pct"`
}

type resultFrame struct {
	CommandID string `json:"command_id"`
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Result    struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
	} `json:"result"`
}

type subscribeFrame struct {
	ComputerID int64 `json:"computer_id"`
}

type sendCommandFrame struct {
	ComputerID  int64  `json:"computer_id"`
	Command     string `json:"command"`
	CommandType string `json:"command_type"`
}

func (s *Server) dispatch(sessionID string, p hub.Principal, env Envelope) {
	switch env.Event {
	case hub.EventAgentStatusUpdate:
		if p.Kind != "agent" {
			return
		}
		var f statusFrame
		if json.Unmarshal(env.Data, &f) != nil {
			return
		}
		s.hub.AgentStatusUpdate(sessionID, f.CPUPct, f.RAMPct, f.DiskPct)

	case hub.EventAgentCommandResult:
		if p.Kind != "agent" {
			return
		}
		var f resultFrame
		if json.Unmarshal(env.Data, &f) != nil {
			return
		}
		s.coordinator.Complete(f.CommandID, f.Success, f.Type, command.Result{
			Stdout:   f.Result.Stdout,
			Stderr:   f.Result.Stderr,
			ExitCode: f.Result.ExitCode,
		})

	case hub.EventSubscribe:
		if p.Kind != "frontend" {
			return
		}
		var f subscribeFrame
		if json.Unmarshal(env.Data, &f) != nil {
			return
		}
		s.hub.Subscribe(sessionID, f.ComputerID)

	case hub.EventUnsubscribe:
		if p.Kind != "frontend" {
			return
		}
		var f subscribeFrame
		if json.Unmarshal(env.Data, &f) != nil {
			return
		}
		s.hub.Unsubscribe(sessionID, f.ComputerID)

	case hub.EventSendCommand:
		if p.Kind != "frontend" {
			return
		}
		var f sendCommandFrame
		if json.Unmarshal(env.Data, &f) != nil {
			return
		}
		s.sendCommand(sessionID, p, f)

	default:
		s.log.Warn("unknown event", "event", env.Event, "sessionID", sessionID)
	}
}

// sendCommand dispatches through the coordinator and acks the issuing
// session with the outcome.
func (s *Server) sendCommand(sessionID string, p hub.Principal, f sendCommandFrame) {
	acc, err := s.coordinator.Dispatch(p.UserID, f.ComputerID, f.Command, f.CommandType, p.Role == auth.RoleAdmin)

	ack := map[string]any{
		"computer_id":  f.ComputerID,
		"command_id":   acc.CommandID,
		"command_type": acc.CommandType,
	}
	switch err {
	case nil:
		ack["status"] = "success"
	case command.ErrAgentOffline:
		ack["status"] = "error"
		ack["message"] = "Agent is not connected"
	case command.ErrAccessDenied:
		ack["status"] = "error"
		ack["message"] = "Access denied"
	case command.ErrTargetInvalid:
		ack["status"] = "error"
		ack["message"] = "Invalid command"
	default:
		ack["status"] = "error"
		ack["message"] = "Internal error"
	}
	s.EmitToSession(sessionID, "command:response", ack)
}
