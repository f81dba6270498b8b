package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func mintFor(t *testing.T, user *User, secret []byte, ttl time.Duration) string {
	t.Helper()
	token, _, err := MintAccessToken(user, secret, ttl, time.Now())
	if err != nil {
		t.Fatalf("MintAccessToken: %v", err)
	}
	return token
}

func TestRequireAccess(t *testing.T) {
	secret := []byte("test-secret")
	admin := &User{ID: 7, Username: "root", Role: RoleAdmin}

	var captured *RequestContext
	handler := RequireAccess(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestContext(r.Context())
	}))

	t.Run("valid token", func(t *testing.T) {
		captured = nil
		req := httptest.NewRequest("GET", "/agent/computers", nil)
		req.Header.Set("Authorization", "Bearer "+mintFor(t, admin, secret, time.Minute))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if captured == nil || captured.UserID != 7 || captured.Role != RoleAdmin {
			t.Errorf("request context = %+v, want user 7 admin", captured)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/agent/computers", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/agent/computers", nil)
		req.Header.Set("Authorization", "Bearer "+mintFor(t, admin, secret, -time.Minute))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/agent/computers", nil)
		req.Header.Set("Authorization", "Bearer "+mintFor(t, admin, []byte("other"), time.Minute))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestRequireAdmin(t *testing.T) {
	secret := []byte("test-secret")
	handler := RequireAccess(secret)(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	t.Run("admin passes", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/admin/users", nil)
		req.Header.Set("Authorization", "Bearer "+mintFor(t, &User{ID: 1, Role: RoleAdmin}, secret, time.Minute))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
	})

	t.Run("plain user forbidden", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/admin/users", nil)
		req.Header.Set("Authorization", "Bearer "+mintFor(t, &User{ID: 2, Role: RoleUser}, secret, time.Minute))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"Bearer  padded ", "padded"},
		{"bearer abc123", ""},
		{"Basic abc123", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ExtractBearerToken(tc.header); got != tc.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestValidatePassword(t *testing.T) {
	cases := []struct {
		password string
		wantErr  error
	}{
		{"g00dpassword", nil},
		{"short1", ErrPasswordTooShort},
		{"12345678", ErrPasswordNoLetter},
		{"password", ErrPasswordNoDigit},
	}
	for _, tc := range cases {
		if err := ValidatePassword(tc.password); err != tc.wantErr {
			t.Errorf("ValidatePassword(%q) = %v, want %v", tc.password, err, tc.wantErr)
		}
	}
}
