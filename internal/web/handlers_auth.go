package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/labfleet/labfleet/internal/auth"
)

func (s *Server) setRefreshCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     s.deps.Config.APIRoot + "/auth",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.deps.Config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     s.deps.Config.APIRoot + "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.deps.Config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	pair, user, err := s.deps.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": pair.AccessToken,
		"expires_at":   pair.AccessExpiresAt.UTC().Format(time.RFC3339),
		"user":         user,
	})
}

func (s *Server) apiRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "refresh token required")
		return
	}

	pair, user, err := s.deps.Auth.Refresh(r.Context(), cookie.Value)
	switch {
	case errors.Is(err, auth.ErrReuseDetected):
		s.clearRefreshCookie(w)
		writeError(w, http.StatusForbidden, "refresh token reuse detected")
		return
	case err != nil:
		s.clearRefreshCookie(w)
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": pair.AccessToken,
		"expires_at":   pair.AccessExpiresAt.UTC().Format(time.RFC3339),
		"user":         user,
	})
}

func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		if _, err := s.deps.Auth.Revoke(r.Context(), cookie.Value); err != nil {
			s.log.Error("revoke on logout failed", "error", err)
		}
	}
	s.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) apiMe(w http.ResponseWriter, r *http.Request) {
	rc := auth.GetRequestContext(r.Context())
	user, err := s.deps.Users.GetUser(rc.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}
