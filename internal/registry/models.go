package registry

import (
	"encoding/json"
	"time"
)

// PositionInfo is the placement an agent claims during identify. The room
// is named, not numbered, because agents know nothing about database IDs.
type PositionInfo struct {
	RoomName string `json:"room_name"`
	PosX     int    `json:"pos_x"`
	PosY     int    `json:"pos_y"`
}

// Computer is the persistent record for a managed workstation.
type Computer struct {
	ID               int64           `json:"id"`
	AgentID          string          `json:"agent_id"`
	AgentTokenHash   string          `json:"-"`
	RoomID           int64           `json:"room_id"`
	PosX             int             `json:"pos_x"`
	PosY             int             `json:"pos_y"`
	Name             string          `json:"name"`
	HardwareInfo     json.RawMessage `json:"hardware_info,omitempty"`
	Errors           []ErrorRecord   `json:"errors,omitempty"`
	HaveActiveErrors bool            `json:"have_active_errors"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ErrorRecord is one agent-reported error embedded in a Computer.
type ErrorRecord struct {
	ID              int64      `json:"id"`
	Type            string     `json:"error_type"`
	Message         string     `json:"error_message"`
	Details         string     `json:"error_details,omitempty"`
	ReportedAt      time.Time  `json:"reported_at"`
	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// Room is a physical grouping of computers laid out on a grid.
type Room struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Columns     int       `json:"columns"`
	Rows        int       `json:"rows"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Contains reports whether the position falls inside the room's grid.
func (r *Room) Contains(x, y int) bool {
	return x >= 0 && x < r.Columns && y >= 0 && y < r.Rows
}

// ComputerStore is the interface for computer persistence.
type ComputerStore interface {
	CreateComputer(c Computer) (int64, error)
	GetComputer(id int64) (*Computer, error)
	GetComputerByAgentID(agentID string) (*Computer, error)
	GetComputerAt(roomID int64, x, y int) (*Computer, error)
	UpdateComputer(c Computer) error
	DeleteComputer(id int64) error
	ListComputers() ([]Computer, error)
	ListComputersInRoom(roomID int64) ([]Computer, error)
}

// RoomStore is the interface for room persistence.
type RoomStore interface {
	CreateRoom(r Room) (int64, error)
	GetRoom(id int64) (*Room, error)
	GetRoomByName(name string) (*Room, error)
	UpdateRoom(r Room) error
	DeleteRoom(id int64) error
	ListRooms() ([]Room, error)
}

// AssignmentStore resolves which rooms a user may touch.
type AssignmentStore interface {
	AssignUserToRoom(userID, roomID int64) error
	UnassignUserFromRoom(userID, roomID int64) error
	UserHasRoom(userID, roomID int64) (bool, error)
	ListRoomsForUser(userID int64) ([]int64, error)
}
