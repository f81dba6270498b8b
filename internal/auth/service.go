package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/labfleet/labfleet/internal/clock"
	"github.com/labfleet/labfleet/internal/creds"
	"github.com/labfleet/labfleet/internal/metrics"
)

const (
	selectorBytes = 16 // 32 hex chars; unique database key
	verifierBytes = 32 // 64 hex chars; only its KDF hash is stored
)

// Sentinel errors for the refresh path. The boundary layer maps them to
// HTTP status codes.
var (
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrMalformedToken    = errors.New("malformed refresh token")
	ErrUnknownToken      = errors.New("unknown refresh token")
	ErrReuseDetected     = errors.New("refresh token reuse detected")
	ErrExpiredToken      = errors.New("token expired")
)

// TokenPair is the result of a successful login or rotation.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Service issues, rotates, and revokes access/refresh token pairs.
type Service struct {
	Users  UserStore
	Tokens RefreshTokenStore
	KDF    TokenKDF
	Clock  clock.Clock
	Log    *slog.Logger

	AccessSecret []byte
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// ServiceConfig holds the configuration for creating a Service.
type ServiceConfig struct {
	Users        UserStore
	Tokens       RefreshTokenStore
	KDF          TokenKDF
	Clock        clock.Clock
	Log          *slog.Logger
	AccessSecret []byte
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// NewService creates an auth Service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		Users:        cfg.Users,
		Tokens:       cfg.Tokens,
		KDF:          cfg.KDF,
		Clock:        cfg.Clock,
		Log:          cfg.Log,
		AccessSecret: cfg.AccessSecret,
		AccessTTL:    cfg.AccessTTL,
		RefreshTTL:   cfg.RefreshTTL,
	}
}

// Login authenticates a user and mints a fresh token pair.
func (s *Service) Login(ctx context.Context, username, password string) (*TokenPair, *User, error) {
	user, err := s.Users.GetUserByUsername(username)
	if err != nil || user == nil || !user.Active {
		metrics.AuthFailures.WithLabelValues("login").Inc()
		return nil, nil, ErrInvalidCredential
	}
	if !CheckPassword(user.PasswordHash, password) {
		metrics.AuthFailures.WithLabelValues("login").Inc()
		return nil, nil, ErrInvalidCredential
	}

	pair, err := s.issuePair(user)
	if err != nil {
		return nil, nil, err
	}
	s.Log.Info("user logged in", "userID", user.ID, "username", user.Username)
	return pair, user, nil
}

// Refresh rotates a presented refresh token. The rotated-away row stays
// behind as a consumed tombstone until the expiry sweep; presenting it
// again, or presenting any known selector with the wrong secret, is treated
// as theft and revokes every token the owning user holds.
func (s *Service) Refresh(ctx context.Context, presented string) (*TokenPair, *User, error) {
	selector, secret, err := splitToken(presented)
	if err != nil {
		return nil, nil, err
	}

	row, err := s.Tokens.GetRefreshTokenBySelector(selector)
	if err != nil || row == nil {
		metrics.AuthFailures.WithLabelValues("refresh").Inc()
		return nil, nil, ErrUnknownToken
	}

	if row.ConsumedAt != nil {
		// This selector was rotated away already. Whoever holds the old
		// token, the legitimate client no longer does, so the session
		// family is compromised.
		return nil, nil, s.revokeFamily(row.UserID)
	}

	if !s.KDF.VerifyToken(secret, row.VerifierHash) {
		// Right selector, wrong secret: the store leaked or the token was
		// tampered with.
		return nil, nil, s.revokeFamily(row.UserID)
	}

	if s.Clock.Now().After(row.ExpiresAt) {
		_ = s.Tokens.DeleteRefreshTokenBySelector(selector)
		return nil, nil, ErrExpiredToken
	}

	user, err := s.Users.GetUser(row.UserID)
	if err != nil || user == nil || !user.Active {
		_ = s.Tokens.DeleteRefreshTokenBySelector(selector)
		return nil, nil, ErrInvalidCredential
	}

	// Consume first, issue second. A crash between the two steps loses the
	// session but never leaves two live tokens behind.
	if err := s.Tokens.ConsumeRefreshToken(selector, s.Clock.Now().UTC()); err != nil {
		return nil, nil, fmt.Errorf("consume rotated token: %w", err)
	}

	pair, err := s.issuePair(user)
	if err != nil {
		return nil, nil, err
	}
	metrics.TokenRotations.Inc()
	return pair, user, nil
}

// revokeFamily invalidates every refresh token the user holds, consumed
// tombstones included, and reports the reuse.
func (s *Service) revokeFamily(userID int64) error {
	if err := s.Tokens.DeleteRefreshTokensForUser(userID); err != nil {
		s.Log.Error("reuse cascade failed", "userID", userID, "error", err)
	}
	metrics.TokenReuseDetected.Inc()
	s.Log.Warn("refresh token reuse detected, all sessions revoked", "userID", userID)
	return ErrReuseDetected
}

// Revoke destroys the presented refresh token. Returns true iff the token
// authenticated and its row was removed. A mismatched secret returns false
// without cascading: the token did not authenticate, so nothing is revoked.
// A consumed tombstone is left in place as the reuse tripwire.
func (s *Service) Revoke(ctx context.Context, presented string) (bool, error) {
	selector, secret, err := splitToken(presented)
	if err != nil {
		return false, nil
	}
	row, err := s.Tokens.GetRefreshTokenBySelector(selector)
	if err != nil || row == nil || row.ConsumedAt != nil {
		return false, nil
	}
	if !s.KDF.VerifyToken(secret, row.VerifierHash) {
		return false, nil
	}
	if err := s.Tokens.DeleteRefreshTokenBySelector(selector); err != nil {
		return false, fmt.Errorf("destroy token: %w", err)
	}
	return true, nil
}

// RevokeAll unconditionally deletes every refresh token for the user.
// Invoked on password change and account deactivation.
func (s *Service) RevokeAll(ctx context.Context, userID int64) error {
	return s.Tokens.DeleteRefreshTokensForUser(userID)
}

// SweepExpired removes refresh tokens whose expiry is in the past,
// consumed tombstones included. Scheduled daily from main.
func (s *Service) SweepExpired() {
	n, err := s.Tokens.DeleteExpiredRefreshTokens(s.Clock.Now())
	if err != nil {
		s.Log.Error("refresh token sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.Log.Info("swept expired refresh tokens", "count", n)
	}
}

// issuePair mints an access token and a fresh selector/verifier refresh
// token, persisting only the verifier hash.
func (s *Service) issuePair(user *User) (*TokenPair, error) {
	now := s.Clock.Now().UTC()

	access, accessExp, err := MintAccessToken(user, s.AccessSecret, s.AccessTTL, now)
	if err != nil {
		return nil, err
	}

	selector, err := creds.GenerateSecret(selectorBytes)
	if err != nil {
		return nil, err
	}
	secret, err := creds.GenerateSecret(verifierBytes)
	if err != nil {
		return nil, err
	}
	hash, err := s.KDF.HashToken(secret)
	if err != nil {
		return nil, fmt.Errorf("hash refresh secret: %w", err)
	}

	refreshExp := now.Add(s.RefreshTTL)
	if _, err := s.Tokens.CreateRefreshToken(RefreshToken{
		UserID:       user.ID,
		Selector:     selector,
		VerifierHash: hash,
		IssuedAt:     now,
		ExpiresAt:    refreshExp,
	}); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     selector + "." + secret,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// splitToken splits "<selector>.<secret>" into its two non-empty parts.
func splitToken(presented string) (selector, secret string, err error) {
	parts := strings.SplitN(presented, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrMalformedToken
	}
	return parts[0], parts[1], nil
}
