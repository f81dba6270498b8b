package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/labfleet/labfleet/internal/auth"
)

// ---- index key helpers ----

func usernameIndexKey(username string) []byte {
	return []byte("idx::username::" + username)
}

func selectorIndexKey(selector string) []byte {
	return []byte("idx::selector::" + selector)
}

func tokenUserIndexKey(userID int64, selector string) []byte {
	return []byte(fmt.Sprintf("idx::user::%d::%s", userID, selector))
}

func tokenUserIndexPrefix(userID int64) []byte {
	return []byte(fmt.Sprintf("idx::user::%d::", userID))
}

// ============================================================
// User CRUD
// ============================================================

// CreateUser persists a new user and its username index atomically.
// Returns ErrUsernameExists if the username is taken.
func (s *Store) CreateUser(user auth.User) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		if existing := b.Get(usernameIndexKey(user.Username)); existing != nil {
			return ErrUsernameExists
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		user.ID = id

		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}
		return b.Put(usernameIndexKey(user.Username), itob(id))
	})
	return id, err
}

// GetUser returns the user by ID, or nil if absent.
func (s *Store) GetUser(id int64) (*auth.User, error) {
	var user *auth.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get(itob(id))
		if data == nil {
			return nil
		}
		user = &auth.User{}
		return json.Unmarshal(data, user)
	})
	return user, err
}

// GetUserByUsername resolves the username index, or returns nil.
func (s *Store) GetUserByUsername(username string) (*auth.User, error) {
	var user *auth.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		idKey := b.Get(usernameIndexKey(username))
		if idKey == nil {
			return nil
		}
		data := b.Get(idKey)
		if data == nil {
			return nil
		}
		user = &auth.User{}
		return json.Unmarshal(data, user)
	})
	return user, err
}

// UpdateUser rewrites the user record, moving the username index if the
// name changed. Returns ErrUsernameExists if the new name is taken.
func (s *Store) UpdateUser(user auth.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		old := b.Get(itob(user.ID))
		if old == nil {
			return fmt.Errorf("user %d not found", user.ID)
		}
		var prev auth.User
		if err := json.Unmarshal(old, &prev); err != nil {
			return fmt.Errorf("unmarshal user: %w", err)
		}

		if prev.Username != user.Username {
			if existing := b.Get(usernameIndexKey(user.Username)); existing != nil {
				return ErrUsernameExists
			}
			if err := b.Delete(usernameIndexKey(prev.Username)); err != nil {
				return err
			}
			if err := b.Put(usernameIndexKey(user.Username), itob(user.ID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		return b.Put(itob(user.ID), data)
	})
}

// ListUsers returns all users in ID order.
func (s *Store) ListUsers() ([]auth.User, error) {
	var users []auth.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var u auth.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, u)
			return nil
		})
	})
	return users, err
}

// UserCount returns the number of user records.
func (s *Store) UserCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			if !isIndexKey(k) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// ============================================================
// Refresh tokens
// ============================================================

// CreateRefreshToken persists a token row with its selector and per-user
// indexes. The selector must be unique.
func (s *Store) CreateRefreshToken(token auth.RefreshToken) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefreshTokens)

		if existing := b.Get(selectorIndexKey(token.Selector)); existing != nil {
			return ErrSelectorExists
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		token.ID = id

		data, err := json.Marshal(token)
		if err != nil {
			return fmt.Errorf("marshal refresh token: %w", err)
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}
		if err := b.Put(selectorIndexKey(token.Selector), itob(id)); err != nil {
			return err
		}
		return b.Put(tokenUserIndexKey(token.UserID, token.Selector), itob(id))
	})
	return id, err
}

// GetRefreshTokenBySelector resolves the selector index, or returns nil.
func (s *Store) GetRefreshTokenBySelector(selector string) (*auth.RefreshToken, error) {
	var token *auth.RefreshToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefreshTokens)
		idKey := b.Get(selectorIndexKey(selector))
		if idKey == nil {
			return nil
		}
		data := b.Get(idKey)
		if data == nil {
			return nil
		}
		token = &auth.RefreshToken{}
		return json.Unmarshal(data, token)
	})
	return token, err
}

// ConsumeRefreshToken marks a rotated row as consumed. The row and its
// indexes stay in place so a later presentation of the same selector can be
// recognised as reuse; the expiry sweep removes it eventually.
func (s *Store) ConsumeRefreshToken(selector string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefreshTokens)
		idKey := b.Get(selectorIndexKey(selector))
		if idKey == nil {
			return fmt.Errorf("refresh token selector not found")
		}
		data := b.Get(idKey)
		if data == nil {
			return fmt.Errorf("refresh token selector not found")
		}
		var token auth.RefreshToken
		if err := json.Unmarshal(data, &token); err != nil {
			return fmt.Errorf("unmarshal refresh token: %w", err)
		}
		token.ConsumedAt = &at
		updated, err := json.Marshal(token)
		if err != nil {
			return fmt.Errorf("marshal refresh token: %w", err)
		}
		return b.Put(itob(token.ID), updated)
	})
}

func deleteTokenRow(b *bolt.Bucket, token auth.RefreshToken) error {
	if err := b.Delete(itob(token.ID)); err != nil {
		return err
	}
	if err := b.Delete(selectorIndexKey(token.Selector)); err != nil {
		return err
	}
	return b.Delete(tokenUserIndexKey(token.UserID, token.Selector))
}

// DeleteRefreshTokenBySelector removes the row and both indexes. Deleting
// an absent selector is a no-op.
func (s *Store) DeleteRefreshTokenBySelector(selector string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefreshTokens)
		idKey := b.Get(selectorIndexKey(selector))
		if idKey == nil {
			return nil
		}
		data := b.Get(idKey)
		if data == nil {
			return b.Delete(selectorIndexKey(selector))
		}
		var token auth.RefreshToken
		if err := json.Unmarshal(data, &token); err != nil {
			return fmt.Errorf("unmarshal refresh token: %w", err)
		}
		return deleteTokenRow(b, token)
	})
}

// DeleteRefreshTokensForUser bulk-deletes every token of the user via the
// per-user index.
func (s *Store) DeleteRefreshTokensForUser(userID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefreshTokens)
		prefix := tokenUserIndexPrefix(userID)

		var tokens []auth.RefreshToken
		c := b.Cursor()
		for k, idKey := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, idKey = c.Next() {
			data := b.Get(idKey)
			if data == nil {
				continue
			}
			var token auth.RefreshToken
			if err := json.Unmarshal(data, &token); err != nil {
				return fmt.Errorf("unmarshal refresh token: %w", err)
			}
			tokens = append(tokens, token)
		}
		for _, token := range tokens {
			if err := deleteTokenRow(b, token); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteExpiredRefreshTokens removes rows whose expiry is before now and
// returns how many were swept.
func (s *Store) DeleteExpiredRefreshTokens(now time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefreshTokens)

		var expired []auth.RefreshToken
		err := b.ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var token auth.RefreshToken
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			if now.After(token.ExpiresAt) {
				expired = append(expired, token)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, token := range expired {
			if err := deleteTokenRow(b, token); err != nil {
				return err
			}
		}
		count = len(expired)
		return nil
	})
	return count, err
}
