package auth

import (
	"context"
	"net/http"
)

type contextKey int

// ContextKey is the request-context key under which the authenticated
// principal is stored.
const ContextKey contextKey = 0

// RequestContext carries the authenticated principal through a request.
type RequestContext struct {
	UserID   int64
	Username string
	Role     string
}

// IsAdmin reports whether the request principal holds the admin role.
func (rc *RequestContext) IsAdmin() bool { return rc.Role == RoleAdmin }

// RequireAccess validates the bearer access token and injects a
// RequestContext. Requests without a valid token get 401.
func RequireAccess(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			claims, err := VerifyAccessToken(token, secret)
			if err != nil {
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKey, &RequestContext{
				UserID:   claims.UserID,
				Username: claims.Username,
				Role:     claims.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects requests whose principal is not an admin. Must run
// after RequireAccess.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := GetRequestContext(r.Context())
		if rc == nil {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		if !rc.IsAdmin() {
			http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetRequestContext extracts the RequestContext from the request context.
func GetRequestContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(ContextKey).(*RequestContext)
	return rc
}
