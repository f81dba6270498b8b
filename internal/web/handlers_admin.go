package web

import (
	"errors"
	"net/http"

	"github.com/labfleet/labfleet/internal/auth"
	"github.com/labfleet/labfleet/internal/catalog"
	"github.com/labfleet/labfleet/internal/hub"
	"github.com/labfleet/labfleet/internal/registry"
	"github.com/labfleet/labfleet/internal/store"
)

// baseURL reconstructs the externally visible API root for download links.
// Honors X-Forwarded-Proto so links survive a TLS-terminating proxy.
func (s *Server) baseURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + s.deps.Config.APIRoot
}

// ---- agent versions ----

func (s *Server) apiUploadVersion(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.deps.Config.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("package")
	if err != nil {
		writeError(w, http.StatusBadRequest, "package file is required")
		return
	}
	defer file.Close()

	v, err := s.deps.Catalog.Ingest(file, header.Filename,
		r.FormValue("version"), r.FormValue("notes"), s.baseURL(r))
	switch {
	case errors.Is(err, catalog.ErrVersionRequired),
		errors.Is(err, catalog.ErrUnparsableVersion),
		errors.Is(err, catalog.ErrBadExtension):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, catalog.ErrVersionExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, catalog.ErrPackageTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) apiListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Catalog.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) apiSetVersionStability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid version id")
		return
	}
	var req struct {
		IsStable bool `json:"is_stable"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	v, err := s.deps.Catalog.SetStable(id, req.IsStable)
	switch {
	case errors.Is(err, catalog.ErrUnknownVersion):
		writeError(w, http.StatusNotFound, "version not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Promotion tells the whole fleet so agents can self-update.
	if req.IsStable {
		s.deps.Hub.NotifyAllAgents(hub.EventNewVersionAvailable, map[string]string{
			"version":         v.Version,
			"download_url":    v.DownloadURL,
			"checksum_sha256": v.ChecksumSHA256,
			"notes":           v.Notes,
		})
	}
	writeJSON(w, http.StatusOK, v)
}

// ---- stats ----

func (s *Server) apiStats(w http.ResponseWriter, r *http.Request) {
	computers, err := s.deps.Computers.ListComputers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	rooms, err := s.deps.Rooms.ListRooms()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	userCount, err := s.deps.Users.UserCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type openError struct {
		ComputerID int64                `json:"computer_id"`
		Error      registry.ErrorRecord `json:"error"`
	}
	online := 0
	unresolved := []openError{}
	for _, c := range computers {
		if s.deps.Hub.IsConnected(c.ID) {
			online++
		}
		for _, e := range c.Errors {
			if !e.Resolved {
				unresolved = append(unresolved, openError{ComputerID: c.ID, Error: e})
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_computers":   len(computers),
		"online_computers":  online,
		"total_rooms":       len(rooms),
		"total_users":       userCount,
		"unresolved_errors": unresolved,
	})
}

// ---- users ----

type userRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func validRole(role string) bool {
	return role == auth.RoleAdmin || role == auth.RoleUser
}

func (s *Server) apiCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}
	if !validRole(req.Role) {
		writeError(w, http.StatusBadRequest, "role must be admin or user")
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := s.deps.Auth.Clock.Now().UTC()
	user := auth.User{
		Username:     req.Username,
		PasswordHash: hash,
		Role:         req.Role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	id, err := s.deps.Users.CreateUser(user)
	switch {
	case errors.Is(err, store.ErrUsernameExists):
		writeError(w, http.StatusBadRequest, "username already taken")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	user.ID = id
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) apiListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Users.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) apiUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req struct {
		Username *string `json:"username"`
		Password *string `json:"password"`
		Role     *string `json:"role"`
		Active   *bool   `json:"active"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	user, err := s.deps.Users.GetUser(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	if req.Username != nil && *req.Username != "" {
		user.Username = *req.Username
	}
	if req.Role != nil {
		if !validRole(*req.Role) {
			writeError(w, http.StatusBadRequest, "role must be admin or user")
			return
		}
		user.Role = *req.Role
	}
	passwordChanged := false
	if req.Password != nil {
		if err := auth.ValidatePassword(*req.Password); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		user.PasswordHash = hash
		passwordChanged = true
	}
	deactivated := false
	if req.Active != nil {
		deactivated = user.Active && !*req.Active
		user.Active = *req.Active
	}
	user.UpdatedAt = s.deps.Auth.Clock.Now().UTC()

	err = s.deps.Users.UpdateUser(*user)
	switch {
	case errors.Is(err, store.ErrUsernameExists):
		writeError(w, http.StatusBadRequest, "username already taken")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Deactivation and password changes both kill every live session.
	if deactivated || passwordChanged {
		if err := s.deps.Auth.RevokeAll(r.Context(), user.ID); err != nil {
			s.log.Error("revoke all failed", "userID", user.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, user)
}

// ---- room assignments ----

func (s *Server) apiAssignRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	roomID, ok2 := pathID(r, "roomID")
	if !ok || !ok2 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if user, err := s.deps.Users.GetUser(userID); err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if room, err := s.deps.Rooms.GetRoom(roomID); err != nil || room == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if err := s.deps.Assignments.AssignUserToRoom(userID, roomID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) apiUnassignRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	roomID, ok2 := pathID(r, "roomID")
	if !ok || !ok2 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.deps.Assignments.UnassignUserFromRoom(userID, roomID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- rooms ----

type roomRequest struct {
	Name        string `json:"name"`
	Columns     int    `json:"columns"`
	Rows        int    `json:"rows"`
	Description string `json:"description"`
}

func (s *Server) apiCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Columns <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "name, columns, and rows are required")
		return
	}

	room := registry.Room{
		Name:        req.Name,
		Columns:     req.Columns,
		Rows:        req.Rows,
		Description: req.Description,
		CreatedAt:   s.deps.Auth.Clock.Now().UTC(),
	}
	id, err := s.deps.Rooms.CreateRoom(room)
	switch {
	case errors.Is(err, store.ErrRoomNameExists):
		writeError(w, http.StatusBadRequest, "room name already taken")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	room.ID = id
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) apiUpdateRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	var req roomRequest
	if !readJSON(w, r, &req) {
		return
	}

	room, err := s.deps.Rooms.GetRoom(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if room == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	if req.Name != "" {
		room.Name = req.Name
	}
	if req.Columns > 0 {
		room.Columns = req.Columns
	}
	if req.Rows > 0 {
		room.Rows = req.Rows
	}
	room.Description = req.Description

	// A shrunken layout must not strand seated computers.
	seated, err := s.deps.Computers.ListComputersInRoom(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	for _, c := range seated {
		if !room.Contains(c.PosX, c.PosY) {
			writeError(w, http.StatusConflict, "layout would orphan seated computers")
			return
		}
	}

	err = s.deps.Rooms.UpdateRoom(*room)
	switch {
	case errors.Is(err, store.ErrRoomNameExists):
		writeError(w, http.StatusBadRequest, "room name already taken")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) apiDeleteRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	seated, err := s.deps.Computers.ListComputersInRoom(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(seated) > 0 {
		writeError(w, http.StatusConflict, "room still has registered computers")
		return
	}
	if err := s.deps.Rooms.DeleteRoom(id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- computers ----

func (s *Server) apiUpdateComputer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid computer id")
		return
	}
	var req struct {
		Name   *string `json:"name"`
		RoomID *int64  `json:"room_id"`
		PosX   *int    `json:"pos_x"`
		PosY   *int    `json:"pos_y"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	computer, err := s.deps.Computers.GetComputer(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if computer == nil {
		writeError(w, http.StatusNotFound, "computer not found")
		return
	}

	if req.Name != nil {
		computer.Name = *req.Name
	}
	if req.RoomID != nil {
		computer.RoomID = *req.RoomID
	}
	if req.PosX != nil {
		computer.PosX = *req.PosX
	}
	if req.PosY != nil {
		computer.PosY = *req.PosY
	}

	// A move is re-validated against the target layout and occupancy.
	if req.RoomID != nil || req.PosX != nil || req.PosY != nil {
		room, err := s.deps.Rooms.GetRoom(computer.RoomID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if room == nil {
			writeError(w, http.StatusBadRequest, "unknown room")
			return
		}
		if !room.Contains(computer.PosX, computer.PosY) {
			writeError(w, http.StatusBadRequest, "position outside room layout")
			return
		}
		occupant, err := s.deps.Computers.GetComputerAt(computer.RoomID, computer.PosX, computer.PosY)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if occupant != nil && occupant.ID != computer.ID {
			writeError(w, http.StatusConflict, "position already occupied")
			return
		}
	}

	computer.UpdatedAt = s.deps.Auth.Clock.Now().UTC()
	err = s.deps.Computers.UpdateComputer(*computer)
	switch {
	case errors.Is(err, store.ErrPositionTaken):
		writeError(w, http.StatusConflict, "position already occupied")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, computer)
}

// mayTouchComputer checks room-scoped access. Admins pass unconditionally.
func (s *Server) mayTouchComputer(rc *auth.RequestContext, roomID int64) (bool, error) {
	if rc.Role == auth.RoleAdmin {
		return true, nil
	}
	return s.deps.Assignments.UserHasRoom(rc.UserID, roomID)
}

func (s *Server) apiGetComputer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid computer id")
		return
	}
	computer, err := s.deps.Computers.GetComputer(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if computer == nil {
		writeError(w, http.StatusNotFound, "computer not found")
		return
	}

	rc := auth.GetRequestContext(r.Context())
	allowed, err := s.mayTouchComputer(rc, computer.RoomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}
	writeJSON(w, http.StatusOK, computerView{Computer: *computer, Online: s.deps.Hub.IsConnected(computer.ID)})
}

func (s *Server) apiResolveComputerError(w http.ResponseWriter, r *http.Request) {
	computerID, ok := pathID(r, "id")
	errorID, ok2 := pathID(r, "errorID")
	if !ok || !ok2 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		ResolutionNotes string `json:"resolution_notes"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	computer, err := s.deps.Computers.GetComputer(computerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if computer == nil {
		writeError(w, http.StatusNotFound, "computer not found")
		return
	}
	rc := auth.GetRequestContext(r.Context())
	allowed, err := s.mayTouchComputer(rc, computer.RoomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	err = s.deps.Registry.ResolveError(computerID, errorID, req.ResolutionNotes)
	switch {
	case errors.Is(err, registry.ErrUnknownComputer), errors.Is(err, registry.ErrUnknownError):
		writeError(w, http.StatusNotFound, "error record not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- operator reads ----

// computerView adds liveness to the stored row for list responses.
type computerView struct {
	registry.Computer
	Online bool `json:"online"`
}

func (s *Server) apiListComputers(w http.ResponseWriter, r *http.Request) {
	rc := auth.GetRequestContext(r.Context())

	var computers []registry.Computer
	var err error
	if rc.Role == auth.RoleAdmin {
		computers, err = s.deps.Computers.ListComputers()
	} else {
		var roomIDs []int64
		roomIDs, err = s.deps.Assignments.ListRoomsForUser(rc.UserID)
		for _, roomID := range roomIDs {
			if err != nil {
				break
			}
			var inRoom []registry.Computer
			inRoom, err = s.deps.Computers.ListComputersInRoom(roomID)
			computers = append(computers, inRoom...)
		}
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]computerView, 0, len(computers))
	for _, c := range computers {
		views = append(views, computerView{Computer: c, Online: s.deps.Hub.IsConnected(c.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"computers": views})
}

func (s *Server) apiListRooms(w http.ResponseWriter, r *http.Request) {
	rc := auth.GetRequestContext(r.Context())

	rooms, err := s.deps.Rooms.ListRooms()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rc.Role != auth.RoleAdmin {
		allowed := rooms[:0]
		for _, room := range rooms {
			ok, err := s.deps.Assignments.UserHasRoom(rc.UserID, room.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if ok {
				allowed = append(allowed, room)
			}
		}
		rooms = allowed
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}
