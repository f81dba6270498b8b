package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labfleet/labfleet/internal/catalog"
	"github.com/labfleet/labfleet/internal/hub"
	"github.com/labfleet/labfleet/internal/registry"
)

type identifyRequest struct {
	AgentID      string                `json:"agent_id"`
	PositionInfo registry.PositionInfo `json:"position_info"`
}

// apiAgentIdentify is the entry point for agent bootstrap. A known agent
// gets a fresh token directly only when auto-registration is enabled;
// everything else goes through the MFA round so an admin confirms the
// machine out-of-band.
func (s *Server) apiAgentIdentify(w http.ResponseWriter, r *http.Request) {
	var req identifyRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !registry.ValidAgentID(req.AgentID) {
		writeError(w, http.StatusBadRequest, "agent id must be 8 to 36 characters")
		return
	}

	if err := s.checkPosition(req.AgentID, req.PositionInfo); err != nil {
		s.writePositionError(w, err)
		return
	}

	existing, err := s.deps.Registry.FindByAgentID(req.AgentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if existing != nil && existing.AgentTokenHash != "" && s.deps.Config.AgentAutoRegister {
		_, token, err := s.deps.Registry.RegisterOrRefresh(req.AgentID, req.PositionInfo)
		if err != nil {
			s.writePositionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "agent_token": token})
		return
	}

	code, err := s.deps.MFA.Issue(req.AgentID, req.PositionInfo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.deps.Hub.NotifyAdmins(hub.EventNewAgentMFA, map[string]any{
		"agent_id":      req.AgentID,
		"mfa_code":      code,
		"position_info": req.PositionInfo,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "mfa_required"})
}

func (s *Server) apiAgentVerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		MFACode string `json:"mfa_code"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	position, ok := s.deps.MFA.Verify(req.AgentID, req.MFACode)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired MFA code")
		return
	}

	computerID, token, err := s.deps.Registry.RegisterOrRefresh(req.AgentID, position)
	if err != nil {
		s.writePositionError(w, err)
		return
	}

	s.deps.Hub.NotifyAdmins(hub.EventAgentRegistered, map[string]any{
		"agent_id":      req.AgentID,
		"computer_id":   computerID,
		"position_info": position,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "agent_token": token})
}

// checkPosition validates a claimed seat without mutating anything, so
// identify can fail fast before the MFA round starts.
func (s *Server) checkPosition(agentID string, position registry.PositionInfo) error {
	room, err := s.deps.Rooms.GetRoomByName(position.RoomName)
	if err != nil {
		return err
	}
	if room == nil {
		return registry.ErrUnknownRoom
	}
	if !room.Contains(position.PosX, position.PosY) {
		return registry.ErrPositionOutOfRange
	}
	occupant, err := s.deps.Computers.GetComputerAt(room.ID, position.PosX, position.PosY)
	if err != nil {
		return err
	}
	if occupant != nil && occupant.AgentID != agentID {
		return registry.ErrPositionOccupied
	}
	return nil
}

func (s *Server) writePositionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrPositionOccupied):
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": "position_error", "message": "position already occupied",
		})
	case errors.Is(err, registry.ErrPositionOutOfRange):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "position_error", "message": "position outside room layout",
		})
	case errors.Is(err, registry.ErrUnknownRoom):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "position_error", "message": "unknown room",
		})
	case errors.Is(err, registry.ErrInvalidAgentID):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) apiAgentHardwareInfo(w http.ResponseWriter, r *http.Request, computerID int64) {
	var hardware json.RawMessage
	if !readJSON(w, r, &hardware) {
		return
	}
	if err := s.deps.Registry.UpdateHardwareInfo(computerID, hardware); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) apiAgentReportError(w http.ResponseWriter, r *http.Request, computerID int64) {
	var req struct {
		ErrorType    string `json:"error_type"`
		ErrorMessage string `json:"error_message"`
		ErrorDetails string `json:"error_details"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	err := s.deps.Registry.ReportError(computerID, req.ErrorType, req.ErrorMessage, req.ErrorDetails)
	switch {
	case errors.Is(err, registry.ErrErrorTypeTooLong), errors.Is(err, registry.ErrErrorDetailsTooBig):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) apiAgentCheckUpdate(w http.ResponseWriter, r *http.Request, computerID int64) {
	current := r.URL.Query().Get("current_version")
	v, err := s.deps.Catalog.LatestStableNewerThan(current)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"version":         v.Version,
		"download_url":    v.DownloadURL,
		"checksum_sha256": v.ChecksumSHA256,
		"notes":           v.Notes,
	})
}

func (s *Server) apiAgentPackage(w http.ResponseWriter, r *http.Request, computerID int64) {
	f, info, err := s.deps.Catalog.Open(r.PathValue("filename"))
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidFilename) {
			writeError(w, http.StatusNotFound, "package not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	if _, err := io.Copy(w, f); err != nil {
		s.log.Warn("package stream interrupted", "file", info.Name(), "error", err)
	}
}
