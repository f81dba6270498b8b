// Package web is the HTTP boundary. Handlers translate between the wire
// and the auth, registry, mfa, hub, and catalog components; the coordination
// logic lives in those packages.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labfleet/labfleet/internal/auth"
	"github.com/labfleet/labfleet/internal/catalog"
	"github.com/labfleet/labfleet/internal/config"
	"github.com/labfleet/labfleet/internal/mfa"
	"github.com/labfleet/labfleet/internal/registry"
)

const refreshCookieName = "refresh_token"

// Notifier is the slice of the hub the HTTP layer needs.
type Notifier interface {
	NotifyAdmins(event string, payload any)
	NotifyAllAgents(event string, payload any)
	IsConnected(computerID int64) bool
}

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Auth        *auth.Service
	Registry    *registry.Service
	MFA         *mfa.Broker
	Catalog     *catalog.Catalog
	Hub         Notifier
	Users       auth.UserStore
	Computers   registry.ComputerStore
	Rooms       registry.RoomStore
	Assignments registry.AssignmentStore
	WS          http.Handler
	Config      *config.Config
	Log         *slog.Logger
}

// Server is the HTTP server for the coordination API.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
	log  *slog.Logger
	srv  *http.Server
}

// NewServer creates the server and registers all routes.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		log:  deps.Log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	authed := auth.RequireAccess([]byte(s.deps.Config.AccessSecret))
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireAdmin(h))
	}

	// Auth surface.
	s.mux.HandleFunc("POST /auth/login", s.apiLogin)
	s.mux.HandleFunc("POST /auth/refresh-token", s.apiRefresh)
	s.mux.HandleFunc("POST /auth/logout", s.apiLogout)
	s.mux.Handle("GET /auth/me", authed(http.HandlerFunc(s.apiMe)))

	// Agent surface.
	s.mux.HandleFunc("POST /agent/identify", s.apiAgentIdentify)
	s.mux.HandleFunc("POST /agent/verify-mfa", s.apiAgentVerifyMFA)
	s.mux.HandleFunc("POST /agent/hardware-info", s.agentAuthed(s.apiAgentHardwareInfo))
	s.mux.HandleFunc("POST /agent/report-error", s.agentAuthed(s.apiAgentReportError))
	s.mux.HandleFunc("GET /agent/check-update", s.agentAuthed(s.apiAgentCheckUpdate))
	s.mux.HandleFunc("GET /agent/agent-packages/{filename}", s.agentAuthed(s.apiAgentPackage))

	// Operator surface.
	s.mux.Handle("GET /computers", authed(http.HandlerFunc(s.apiListComputers)))
	s.mux.Handle("GET /computers/{id}", authed(http.HandlerFunc(s.apiGetComputer)))
	s.mux.Handle("POST /computers/{id}/errors/{errorID}/resolve", authed(http.HandlerFunc(s.apiResolveComputerError)))
	s.mux.Handle("GET /rooms", authed(http.HandlerFunc(s.apiListRooms)))

	// Admin surface.
	s.mux.Handle("POST /admin/agents/versions", admin(s.apiUploadVersion))
	s.mux.Handle("GET /admin/agents/versions", admin(s.apiListVersions))
	s.mux.Handle("PUT /admin/agents/versions/{id}", admin(s.apiSetVersionStability))
	s.mux.Handle("GET /admin/stats", admin(s.apiStats))
	s.mux.Handle("POST /admin/users", admin(s.apiCreateUser))
	s.mux.Handle("GET /admin/users", admin(s.apiListUsers))
	s.mux.Handle("PUT /admin/users/{id}", admin(s.apiUpdateUser))
	s.mux.Handle("POST /admin/users/{id}/rooms/{roomID}", admin(s.apiAssignRoom))
	s.mux.Handle("DELETE /admin/users/{id}/rooms/{roomID}", admin(s.apiUnassignRoom))
	s.mux.Handle("POST /admin/rooms", admin(s.apiCreateRoom))
	s.mux.Handle("PUT /admin/rooms/{id}", admin(s.apiUpdateRoom))
	s.mux.Handle("DELETE /admin/rooms/{id}", admin(s.apiDeleteRoom))
	s.mux.Handle("PUT /admin/computers/{id}", admin(s.apiUpdateComputer))
}

// Handler assembles the full HTTP surface: the API under the configured
// root, the WebSocket endpoint, metrics, and health.
func (s *Server) Handler() http.Handler {
	root := http.NewServeMux()
	root.Handle(s.deps.Config.APIRoot+"/", http.StripPrefix(s.deps.Config.APIRoot, s.mux))
	root.Handle("GET /ws", s.deps.WS)
	root.Handle("GET /metrics", promhttp.Handler())
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return root
}

// Start runs the HTTP server until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.deps.Config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.deps.Config.ListenAddr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// agentAuthed verifies the agent bearer plus X-Agent-ID pair and passes
// the resolved computer ID through the request context.
func (s *Server) agentAuthed(next func(w http.ResponseWriter, r *http.Request, computerID int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get("X-Agent-ID")
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if agentID == "" || token == "" {
			writeError(w, http.StatusUnauthorized, "agent credentials required")
			return
		}
		computerID, ok := s.deps.Registry.VerifyAgentToken(agentID, token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid agent credentials")
			return
		}
		next(w, r, computerID)
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the uniform error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
