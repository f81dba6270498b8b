// Package store persists users, sessions, computers, rooms, and agent
// versions in a single BoltDB file. Records are JSON-encoded under 8-byte
// big-endian sequence keys; secondary lookups go through "idx::" keys kept
// in the same bucket and updated in the same transaction.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketRefreshTokens = []byte("refresh_tokens")
	bucketComputers     = []byte("computers")
	bucketRooms         = []byte("rooms")
	bucketUserRooms     = []byte("user_rooms")
	bucketAgentVersions = []byte("agent_versions")
)

var (
	ErrUsernameExists = errors.New("username already exists")
	ErrSelectorExists = errors.New("refresh token selector already exists")
	ErrAgentIDExists  = errors.New("agent id already exists")
	ErrRoomNameExists = errors.New("room name already exists")
	ErrPositionTaken  = errors.New("room position already taken")
	ErrVersionExists  = errors.New("agent version already exists")
)

var indexPrefix = []byte("idx::")

func isIndexKey(k []byte) bool {
	return bytes.HasPrefix(k, indexPrefix)
}

// itob encodes an ID as a big-endian key so sequence order is scan order.
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// Store wraps a BoltDB database for LabFleet persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketRefreshTokens, bucketComputers, bucketRooms, bucketUserRooms, bucketAgentVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}
