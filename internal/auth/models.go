package auth

import "time"

// Roles. The server knows exactly two.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is an identity principal. Soft deletion sets Active=false and
// invalidates every refresh token the user holds.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// RefreshToken is one session row. The presented token is
// "<selector>.<secret>"; only the selector and the KDF hash of the secret
// are stored. For any selector at most one row exists. A rotated row is not
// deleted: it stays behind with ConsumedAt set until the expiry sweep, so a
// replay of the old token can be recognised as theft.
type RefreshToken struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	Selector     string     `json:"selector"`
	VerifierHash string     `json:"verifier_hash"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
}

// UserStore is the interface for user persistence.
type UserStore interface {
	CreateUser(user User) (int64, error)
	GetUser(id int64) (*User, error)
	GetUserByUsername(username string) (*User, error)
	UpdateUser(user User) error
	ListUsers() ([]User, error)
	UserCount() (int, error)
}

// RefreshTokenStore is the interface for refresh-token persistence.
type RefreshTokenStore interface {
	CreateRefreshToken(token RefreshToken) (int64, error)
	GetRefreshTokenBySelector(selector string) (*RefreshToken, error)
	// ConsumeRefreshToken marks a rotated row so later presentations of
	// its selector read as reuse.
	ConsumeRefreshToken(selector string, at time.Time) error
	DeleteRefreshTokenBySelector(selector string) error
	DeleteRefreshTokensForUser(userID int64) error
	DeleteExpiredRefreshTokens(now time.Time) (int, error)
}

// TokenKDF hashes and verifies refresh-token secrets. Pluggable so storage
// and hashing tuning can change independently of rotation logic.
type TokenKDF interface {
	HashToken(plain string) (string, error)
	VerifyToken(plain, hash string) bool
}
