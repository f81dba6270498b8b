package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/labfleet/labfleet/internal/clock"
)

// memUserStore is an in-memory UserStore.
type memUserStore struct {
	users  map[int64]User
	nextID int64
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[int64]User), nextID: 1}
}

func (m *memUserStore) CreateUser(u User) (int64, error) {
	u.ID = m.nextID
	m.nextID++
	m.users[u.ID] = u
	return u.ID, nil
}

func (m *memUserStore) GetUser(id int64) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *memUserStore) GetUserByUsername(username string) (*User, error) {
	for _, u := range m.users {
		if u.Username == username {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (m *memUserStore) UpdateUser(u User) error {
	m.users[u.ID] = u
	return nil
}

func (m *memUserStore) ListUsers() ([]User, error) {
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memUserStore) UserCount() (int, error) { return len(m.users), nil }

// memTokenStore is an in-memory RefreshTokenStore keyed by selector.
type memTokenStore struct {
	tokens map[string]RefreshToken
	nextID int64
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]RefreshToken), nextID: 1}
}

func (m *memTokenStore) CreateRefreshToken(t RefreshToken) (int64, error) {
	t.ID = m.nextID
	m.nextID++
	m.tokens[t.Selector] = t
	return t.ID, nil
}

func (m *memTokenStore) GetRefreshTokenBySelector(selector string) (*RefreshToken, error) {
	t, ok := m.tokens[selector]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *memTokenStore) ConsumeRefreshToken(selector string, at time.Time) error {
	t, ok := m.tokens[selector]
	if !ok {
		return errors.New("selector not found")
	}
	t.ConsumedAt = &at
	m.tokens[selector] = t
	return nil
}

func (m *memTokenStore) DeleteRefreshTokenBySelector(selector string) error {
	delete(m.tokens, selector)
	return nil
}

// live counts rows that have not been consumed by rotation.
func (m *memTokenStore) live() int {
	n := 0
	for _, t := range m.tokens {
		if t.ConsumedAt == nil {
			n++
		}
	}
	return n
}

func (m *memTokenStore) DeleteRefreshTokensForUser(userID int64) error {
	for sel, t := range m.tokens {
		if t.UserID == userID {
			delete(m.tokens, sel)
		}
	}
	return nil
}

func (m *memTokenStore) DeleteExpiredRefreshTokens(now time.Time) (int, error) {
	n := 0
	for sel, t := range m.tokens {
		if now.After(t.ExpiresAt) {
			delete(m.tokens, sel)
			n++
		}
	}
	return n, nil
}

// plainKDF stores secrets reversed so tests stay fast without argon2id.
type plainKDF struct{}

func (plainKDF) HashToken(plain string) (string, error) { return "kdf:" + plain, nil }
func (plainKDF) VerifyToken(plain, hash string) bool    { return hash == "kdf:"+plain }

func newTestService(t *testing.T) (*Service, *memUserStore, *memTokenStore, *clock.Fake) {
	t.Helper()
	users := newMemUserStore()
	tokens := newMemTokenStore()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(ServiceConfig{
		Users:        users,
		Tokens:       tokens,
		KDF:          plainKDF{},
		Clock:        clk,
		Log:          slog.New(slog.DiscardHandler),
		AccessSecret: []byte("test-secret"),
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   7 * 24 * time.Hour,
	})
	return svc, users, tokens, clk
}

func seedUser(t *testing.T, users *memUserStore, username, password, role string, active bool) int64 {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	id, err := users.CreateUser(User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Active:       active,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

func TestLoginSuccess(t *testing.T) {
	svc, users, tokens, _ := newTestService(t)
	id := seedUser(t, users, "alice", "hunter2passw0rd", RoleUser, true)

	pair, user, err := svc.Login(context.Background(), "alice", "hunter2passw0rd")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != id {
		t.Errorf("user ID = %d, want %d", user.ID, id)
	}
	if pair.AccessToken == "" {
		t.Error("empty access token")
	}
	sel, _, ok := strings.Cut(pair.RefreshToken, ".")
	if !ok {
		t.Fatalf("refresh token %q missing selector separator", pair.RefreshToken)
	}
	row, _ := tokens.GetRefreshTokenBySelector(sel)
	if row == nil {
		t.Fatal("no refresh token row persisted for issued selector")
	}
	if strings.Contains(row.VerifierHash, pair.RefreshToken) {
		t.Error("verifier hash stores the plaintext token")
	}

	claims, err := VerifyAccessToken(pair.AccessToken, svc.AccessSecret)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.UserID != id || claims.Role != RoleUser {
		t.Errorf("claims = %+v, want user %d role %q", claims, id, RoleUser)
	}
}

func TestLoginFailures(t *testing.T) {
	svc, users, _, _ := newTestService(t)
	seedUser(t, users, "alice", "hunter2passw0rd", RoleUser, true)
	seedUser(t, users, "gone", "hunter2passw0rd", RoleUser, false)

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "not-the-password"},
		{"unknown user", "nobody", "hunter2passw0rd"},
		{"inactive user", "gone", "hunter2passw0rd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Login(context.Background(), tc.username, tc.password)
			if !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("err = %v, want ErrInvalidCredential", err)
			}
		})
	}
}

func TestRefreshRotation(t *testing.T) {
	svc, users, tokens, _ := newTestService(t)
	seedUser(t, users, "alice", "hunter2passw0rd", RoleUser, true)

	pair, _, err := svc.Login(context.Background(), "alice", "hunter2passw0rd")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	rotated, _, err := svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Error("rotation returned the same refresh token")
	}

	// The rotated-away row stays behind as a consumed tombstone.
	oldSel, _, _ := strings.Cut(pair.RefreshToken, ".")
	row, _ := tokens.GetRefreshTokenBySelector(oldSel)
	if row == nil {
		t.Fatal("rotated-away tombstone missing")
	}
	if row.ConsumedAt == nil {
		t.Error("rotated-away row not marked consumed")
	}
	if tokens.live() != 1 {
		t.Errorf("live token rows = %d, want 1", tokens.live())
	}
}

func TestRefreshReplayRevokesAll(t *testing.T) {
	svc, users, tokens, _ := newTestService(t)
	seedUser(t, users, "alice", "hunter2passw0rd", RoleUser, true)

	first, _, err := svc.Login(context.Background(), "alice", "hunter2passw0rd")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	rotated, _, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Replaying the rotated token is theft: the whole family dies.
	_, _, err = svc.Refresh(context.Background(), first.RefreshToken)
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("replay err = %v, want ErrReuseDetected", err)
	}
	if len(tokens.tokens) != 0 {
		t.Errorf("token rows after replay = %d, want 0", len(tokens.tokens))
	}

	// The rotated-to token went down with the cascade.
	_, _, err = svc.Refresh(context.Background(), rotated.RefreshToken)
	if !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("rotated-to token err = %v, want ErrUnknownToken", err)
	}
}

func TestRevokeConsumedTokenKeepsTombstone(t *testing.T) {
	svc, users, tokens, _ := newTestService(t)
	seedUser(t, users, "alice", "hunter2passw0rd", RoleUser, true)

	first, _, err := svc.Login(context.Background(), "alice", "hunter2passw0rd")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, _, err := svc.Refresh(context.Background(), first.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// A logout with the stale token must not clear the reuse tripwire.
	ok, err := svc.Revoke(context.Background(), first.RefreshToken)
	if err != nil || ok {
		t.Fatalf("Revoke of consumed token = %v, %v, want false, nil", ok, err)
	}
	sel, _, _ := strings.Cut(first.RefreshToken, ".")
	if row, _ := tokens.GetRefreshTokenBySelector(sel); row == nil || row.ConsumedAt == nil {
		t.Error("tombstone removed by failed revoke")
	}

	_, _, err = svc.Refresh(context.Background(), first.RefreshToken)
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("replay after revoke attempt err = %v, want ErrReuseDetected", err)
	}
}

func TestRefreshWrongSecretRevokesAll(t *testing.T) {
	svc, users, tokens, _ := newTestService(t)
	seedUser(t, users, "alice", "hunter2passw0rd", RoleUser, true)

	pair, _, err := svc.Login(context.Background(), "alice", "hunter2passw0rd")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "alice", "hunter2passw0rd"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	sel, _, _ := strings.Cut(pair.RefreshToken, ".")
	_, _, err = svc.Refresh(context.Background(), sel+".stolen-guess")
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("err = %v, want ErrReuseDetected", err)
	}
	if len(tokens.tokens) != 0 {
		t.Errorf("live token rows after reuse detection = %d, want 0", len(tokens.tokens))
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	svc, users, tokens, clk := newTestService(t)
	seedUser(t, users, "alice", "hunter2passw0rd", RoleUser, true)

	pair, _, err := svc.Login(context.Background(), "alice", "hunter2passw0rd")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	clk.Advance(8 * 24 * time.Hour)
	_, _, err = svc.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
	if len(tokens.tokens) != 0 {
		t.Errorf("expired row not deleted, rows = %d", len(tokens.tokens))
	}
}

func TestRefreshMalformed(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	for _, bad := range []string{"", "noseparator", ".secretonly", "selectoronly.", "."} {
		_, _, err := svc.Refresh(context.Background(), bad)
		if !errors.Is(err, ErrMalformedToken) {
			t.Errorf("Refresh(%q) err = %v, want ErrMalformedToken", bad, err)
		}
	}
}

func TestRefreshInactiveUser(t *testing.T) {
	svc, users, _, _ := newTestService(t)
	id := seedUser(t, users, "alice", "hunter2passw0rd", RoleUser, true)

	pair, _, err := svc.Login(context.Background(), "alice", "hunter2passw0rd")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	u, _ := users.GetUser(id)
	u.Active = false
	users.UpdateUser(*u)

	_, _, err = svc.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
}

func TestRevoke(t *testing.T) {
	svc, users, tokens, _ := newTestService(t)
	seedUser(t, users, "alice", "hunter2passw0rd", RoleUser, true)

	pair, _, err := svc.Login(context.Background(), "alice", "hunter2passw0rd")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	ok, err := svc.Revoke(context.Background(), pair.RefreshToken)
	if err != nil || !ok {
		t.Fatalf("Revoke = %v, %v, want true, nil", ok, err)
	}
	if len(tokens.tokens) != 0 {
		t.Errorf("token rows after revoke = %d, want 0", len(tokens.tokens))
	}

	// Revoking again, or with a bad secret, reports false without error.
	ok, err = svc.Revoke(context.Background(), pair.RefreshToken)
	if err != nil || ok {
		t.Errorf("second Revoke = %v, %v, want false, nil", ok, err)
	}
}

func TestRevokeWrongSecretDoesNotCascade(t *testing.T) {
	svc, users, tokens, _ := newTestService(t)
	seedUser(t, users, "alice", "hunter2passw0rd", RoleUser, true)

	pair, _, err := svc.Login(context.Background(), "alice", "hunter2passw0rd")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	sel, _, _ := strings.Cut(pair.RefreshToken, ".")
	ok, err := svc.Revoke(context.Background(), sel+".wrong")
	if err != nil || ok {
		t.Fatalf("Revoke with wrong secret = %v, %v, want false, nil", ok, err)
	}
	if len(tokens.tokens) != 1 {
		t.Errorf("token rows = %d, want 1 (no cascade on failed revoke)", len(tokens.tokens))
	}
}

func TestSweepExpired(t *testing.T) {
	svc, users, tokens, clk := newTestService(t)
	seedUser(t, users, "alice", "hunter2passw0rd", RoleUser, true)

	if _, _, err := svc.Login(context.Background(), "alice", "hunter2passw0rd"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	clk.Advance(3 * 24 * time.Hour)
	if _, _, err := svc.Login(context.Background(), "alice", "hunter2passw0rd"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	clk.Advance(5 * 24 * time.Hour)
	svc.SweepExpired()
	if len(tokens.tokens) != 1 {
		t.Errorf("rows after sweep = %d, want 1 (only the younger token survives)", len(tokens.tokens))
	}
}
