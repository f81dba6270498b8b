package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/labfleet/labfleet/internal/registry"
)

// ---- index key helpers ----

func agentIDIndexKey(agentID string) []byte {
	return []byte("idx::agent::" + agentID)
}

func positionIndexKey(roomID int64, x, y int) []byte {
	return []byte(fmt.Sprintf("idx::pos::%d::%d::%d", roomID, x, y))
}

func roomNameIndexKey(name string) []byte {
	return []byte("idx::name::" + name)
}

func assignmentKey(userID, roomID int64) []byte {
	return []byte(fmt.Sprintf("%d::%d", userID, roomID))
}

// ============================================================
// Computers
// ============================================================

// CreateComputer persists a computer with its agent-id and position
// indexes atomically.
func (s *Store) CreateComputer(computer registry.Computer) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComputers)

		if existing := b.Get(agentIDIndexKey(computer.AgentID)); existing != nil {
			return ErrAgentIDExists
		}
		if existing := b.Get(positionIndexKey(computer.RoomID, computer.PosX, computer.PosY)); existing != nil {
			return ErrPositionTaken
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		computer.ID = id

		data, err := json.Marshal(computer)
		if err != nil {
			return fmt.Errorf("marshal computer: %w", err)
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}
		if err := b.Put(agentIDIndexKey(computer.AgentID), itob(id)); err != nil {
			return err
		}
		return b.Put(positionIndexKey(computer.RoomID, computer.PosX, computer.PosY), itob(id))
	})
	return id, err
}

// GetComputer returns the computer by ID, or nil.
func (s *Store) GetComputer(id int64) (*registry.Computer, error) {
	var computer *registry.Computer
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketComputers).Get(itob(id))
		if data == nil {
			return nil
		}
		computer = &registry.Computer{}
		return json.Unmarshal(data, computer)
	})
	return computer, err
}

// GetComputerByAgentID resolves the agent-id index, or returns nil.
func (s *Store) GetComputerByAgentID(agentID string) (*registry.Computer, error) {
	var computer *registry.Computer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComputers)
		idKey := b.Get(agentIDIndexKey(agentID))
		if idKey == nil {
			return nil
		}
		data := b.Get(idKey)
		if data == nil {
			return nil
		}
		computer = &registry.Computer{}
		return json.Unmarshal(data, computer)
	})
	return computer, err
}

// GetComputerAt resolves the position index, or returns nil.
func (s *Store) GetComputerAt(roomID int64, x, y int) (*registry.Computer, error) {
	var computer *registry.Computer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComputers)
		idKey := b.Get(positionIndexKey(roomID, x, y))
		if idKey == nil {
			return nil
		}
		data := b.Get(idKey)
		if data == nil {
			return nil
		}
		computer = &registry.Computer{}
		return json.Unmarshal(data, computer)
	})
	return computer, err
}

// UpdateComputer rewrites the record, moving the position index if the
// computer changed seats. Returns ErrPositionTaken if the new seat is held
// by a different computer.
func (s *Store) UpdateComputer(computer registry.Computer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComputers)

		old := b.Get(itob(computer.ID))
		if old == nil {
			return fmt.Errorf("computer %d not found", computer.ID)
		}
		var prev registry.Computer
		if err := json.Unmarshal(old, &prev); err != nil {
			return fmt.Errorf("unmarshal computer: %w", err)
		}

		moved := prev.RoomID != computer.RoomID || prev.PosX != computer.PosX || prev.PosY != computer.PosY
		if moved {
			newKey := positionIndexKey(computer.RoomID, computer.PosX, computer.PosY)
			if occupant := b.Get(newKey); occupant != nil && btoi(occupant) != computer.ID {
				return ErrPositionTaken
			}
			if err := b.Delete(positionIndexKey(prev.RoomID, prev.PosX, prev.PosY)); err != nil {
				return err
			}
			if err := b.Put(newKey, itob(computer.ID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(computer)
		if err != nil {
			return fmt.Errorf("marshal computer: %w", err)
		}
		return b.Put(itob(computer.ID), data)
	})
}

// DeleteComputer removes the record and its indexes.
func (s *Store) DeleteComputer(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComputers)
		data := b.Get(itob(id))
		if data == nil {
			return nil
		}
		var computer registry.Computer
		if err := json.Unmarshal(data, &computer); err != nil {
			return fmt.Errorf("unmarshal computer: %w", err)
		}
		if err := b.Delete(itob(id)); err != nil {
			return err
		}
		if err := b.Delete(agentIDIndexKey(computer.AgentID)); err != nil {
			return err
		}
		return b.Delete(positionIndexKey(computer.RoomID, computer.PosX, computer.PosY))
	})
}

// ListComputers returns all computers in ID order.
func (s *Store) ListComputers() ([]registry.Computer, error) {
	var computers []registry.Computer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketComputers).ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var c registry.Computer
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			computers = append(computers, c)
			return nil
		})
	})
	return computers, err
}

// ListComputersInRoom returns the computers assigned to one room.
func (s *Store) ListComputersInRoom(roomID int64) ([]registry.Computer, error) {
	all, err := s.ListComputers()
	if err != nil {
		return nil, err
	}
	var out []registry.Computer
	for _, c := range all {
		if c.RoomID == roomID {
			out = append(out, c)
		}
	}
	return out, nil
}

// ============================================================
// Rooms
// ============================================================

// CreateRoom persists a room with its name index. Names are unique.
func (s *Store) CreateRoom(room registry.Room) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms)

		if existing := b.Get(roomNameIndexKey(room.Name)); existing != nil {
			return ErrRoomNameExists
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		room.ID = id

		data, err := json.Marshal(room)
		if err != nil {
			return fmt.Errorf("marshal room: %w", err)
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}
		return b.Put(roomNameIndexKey(room.Name), itob(id))
	})
	return id, err
}

// GetRoom returns the room by ID, or nil.
func (s *Store) GetRoom(id int64) (*registry.Room, error) {
	var room *registry.Room
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get(itob(id))
		if data == nil {
			return nil
		}
		room = &registry.Room{}
		return json.Unmarshal(data, room)
	})
	return room, err
}

// GetRoomByName resolves the name index, or returns nil.
func (s *Store) GetRoomByName(name string) (*registry.Room, error) {
	var room *registry.Room
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		idKey := b.Get(roomNameIndexKey(name))
		if idKey == nil {
			return nil
		}
		data := b.Get(idKey)
		if data == nil {
			return nil
		}
		room = &registry.Room{}
		return json.Unmarshal(data, room)
	})
	return room, err
}

// UpdateRoom rewrites the room, moving the name index if renamed.
func (s *Store) UpdateRoom(room registry.Room) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms)

		old := b.Get(itob(room.ID))
		if old == nil {
			return fmt.Errorf("room %d not found", room.ID)
		}
		var prev registry.Room
		if err := json.Unmarshal(old, &prev); err != nil {
			return fmt.Errorf("unmarshal room: %w", err)
		}

		if prev.Name != room.Name {
			if existing := b.Get(roomNameIndexKey(room.Name)); existing != nil {
				return ErrRoomNameExists
			}
			if err := b.Delete(roomNameIndexKey(prev.Name)); err != nil {
				return err
			}
			if err := b.Put(roomNameIndexKey(room.Name), itob(room.ID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(room)
		if err != nil {
			return fmt.Errorf("marshal room: %w", err)
		}
		return b.Put(itob(room.ID), data)
	})
}

// DeleteRoom removes the room and its name index.
func (s *Store) DeleteRoom(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		data := b.Get(itob(id))
		if data == nil {
			return nil
		}
		var room registry.Room
		if err := json.Unmarshal(data, &room); err != nil {
			return fmt.Errorf("unmarshal room: %w", err)
		}
		if err := b.Delete(itob(id)); err != nil {
			return err
		}
		return b.Delete(roomNameIndexKey(room.Name))
	})
}

// ListRooms returns all rooms in ID order.
func (s *Store) ListRooms() ([]registry.Room, error) {
	var rooms []registry.Room
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var r registry.Room
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			rooms = append(rooms, r)
			return nil
		})
	})
	return rooms, err
}

// ============================================================
// User-room assignments
// ============================================================

// AssignUserToRoom records the authorization edge. Idempotent.
func (s *Store) AssignUserToRoom(userID, roomID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUserRooms).Put(assignmentKey(userID, roomID), itob(roomID))
	})
}

// UnassignUserFromRoom removes the edge. Idempotent.
func (s *Store) UnassignUserFromRoom(userID, roomID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUserRooms).Delete(assignmentKey(userID, roomID))
	})
}

// UserHasRoom reports whether the assignment edge exists.
func (s *Store) UserHasRoom(userID, roomID int64) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketUserRooms).Get(assignmentKey(userID, roomID)) != nil
		return nil
	})
	return ok, err
}

// ListRoomsForUser returns the room IDs the user is assigned to.
func (s *Store) ListRoomsForUser(userID int64) ([]int64, error) {
	var rooms []int64
	prefix := []byte(fmt.Sprintf("%d::", userID))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUserRooms).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			rooms = append(rooms, btoi(v))
		}
		return nil
	})
	return rooms, err
}

// CanAccessComputer reports whether the user holds an assignment for the
// computer's room. Admin bypass is the caller's concern.
func (s *Store) CanAccessComputer(userID, computerID int64) (bool, error) {
	computer, err := s.GetComputer(computerID)
	if err != nil {
		return false, err
	}
	if computer == nil {
		return false, nil
	}
	return s.UserHasRoom(userID, computer.RoomID)
}
