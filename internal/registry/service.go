package registry

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/labfleet/labfleet/internal/clock"
	"github.com/labfleet/labfleet/internal/creds"
	"github.com/labfleet/labfleet/internal/metrics"
)

const (
	agentIDMinLen = 8
	agentIDMaxLen = 36

	agentTokenBytes = 32
	errorTypeMaxLen = 50
	errorDetailsMax = 2048
)

var (
	ErrInvalidAgentID     = errors.New("agent id must be 8 to 36 characters")
	ErrUnknownRoom        = errors.New("unknown room")
	ErrUnknownComputer    = errors.New("unknown computer")
	ErrUnknownError       = errors.New("unknown error record")
	ErrPositionOutOfRange = errors.New("position outside room layout")
	ErrPositionOccupied   = errors.New("position already occupied")
	ErrErrorTypeTooLong   = errors.New("error type exceeds 50 characters")
	ErrErrorDetailsTooBig = errors.New("error details exceed 2 KiB")
)

// TokenKDF hashes and verifies agent bearer tokens.
type TokenKDF interface {
	HashToken(plain string) (string, error)
	VerifyToken(plain, hash string) bool
}

// Service is the authoritative mapping of agent identities to computer
// records and their stored token hashes.
type Service struct {
	Computers ComputerStore
	Rooms     RoomStore
	KDF       TokenKDF
	Clock     clock.Clock
	Log       *slog.Logger
}

// NewService creates an agent registry.
func NewService(computers ComputerStore, rooms RoomStore, kdf TokenKDF, clk clock.Clock, log *slog.Logger) *Service {
	return &Service{Computers: computers, Rooms: rooms, KDF: kdf, Clock: clk, Log: log}
}

// ValidAgentID reports whether the agent-chosen identifier is acceptable.
func ValidAgentID(agentID string) bool {
	return len(agentID) >= agentIDMinLen && len(agentID) <= agentIDMaxLen
}

// FindByAgentID returns the computer record for the agent, or nil.
func (s *Service) FindByAgentID(agentID string) (*Computer, error) {
	return s.Computers.GetComputerByAgentID(agentID)
}

// VerifyAgentToken checks the presented bearer against the stored hash.
// Returns the computer ID on success; 0 and false on missing record,
// unset hash, or mismatch.
func (s *Service) VerifyAgentToken(agentID, presented string) (int64, bool) {
	c, err := s.Computers.GetComputerByAgentID(agentID)
	if err != nil || c == nil || c.AgentTokenHash == "" {
		return 0, false
	}
	if !s.KDF.VerifyToken(presented, c.AgentTokenHash) {
		return 0, false
	}
	return c.ID, true
}

// RegisterOrRefresh mints a fresh agent token, stores its hash on the
// computer record (creating the record if absent), and places the computer
// at the claimed position after validating the room grid.
func (s *Service) RegisterOrRefresh(agentID string, position PositionInfo) (int64, string, error) {
	if !ValidAgentID(agentID) {
		return 0, "", ErrInvalidAgentID
	}

	room, err := s.Rooms.GetRoomByName(position.RoomName)
	if err != nil {
		return 0, "", fmt.Errorf("look up room: %w", err)
	}
	if room == nil {
		return 0, "", ErrUnknownRoom
	}
	if !room.Contains(position.PosX, position.PosY) {
		return 0, "", ErrPositionOutOfRange
	}

	occupant, err := s.Computers.GetComputerAt(room.ID, position.PosX, position.PosY)
	if err != nil {
		return 0, "", fmt.Errorf("check position: %w", err)
	}
	if occupant != nil && occupant.AgentID != agentID {
		return 0, "", ErrPositionOccupied
	}

	token, err := creds.GenerateSecret(agentTokenBytes)
	if err != nil {
		return 0, "", err
	}
	hash, err := s.KDF.HashToken(token)
	if err != nil {
		return 0, "", fmt.Errorf("hash agent token: %w", err)
	}

	now := s.Clock.Now().UTC()
	existing, err := s.Computers.GetComputerByAgentID(agentID)
	if err != nil {
		return 0, "", fmt.Errorf("look up agent: %w", err)
	}

	var computerID int64
	if existing != nil {
		existing.AgentTokenHash = hash
		existing.RoomID = room.ID
		existing.PosX = position.PosX
		existing.PosY = position.PosY
		existing.UpdatedAt = now
		if err := s.Computers.UpdateComputer(*existing); err != nil {
			return 0, "", fmt.Errorf("update computer: %w", err)
		}
		computerID = existing.ID
	} else {
		computerID, err = s.Computers.CreateComputer(Computer{
			AgentID:        agentID,
			AgentTokenHash: hash,
			RoomID:         room.ID,
			PosX:           position.PosX,
			PosY:           position.PosY,
			Name:           agentID,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return 0, "", fmt.Errorf("create computer: %w", err)
		}
	}

	metrics.AgentRegistrations.Inc()
	s.Log.Info("agent registered",
		"agentID", agentID, "computerID", computerID,
		"room", position.RoomName, "posX", position.PosX, "posY", position.PosY)
	return computerID, token, nil
}

// UpdateHardwareInfo replaces the hardware blob reported by the agent.
func (s *Service) UpdateHardwareInfo(computerID int64, hardware []byte) error {
	c, err := s.Computers.GetComputer(computerID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrUnknownComputer
	}
	c.HardwareInfo = hardware
	c.UpdatedAt = s.Clock.Now().UTC()
	return s.Computers.UpdateComputer(*c)
}

// ReportError appends an agent-reported error to the computer record and
// raises its active-errors flag.
func (s *Service) ReportError(computerID int64, errType, message, details string) error {
	if len(errType) > errorTypeMaxLen {
		return ErrErrorTypeTooLong
	}
	if len(details) > errorDetailsMax {
		return ErrErrorDetailsTooBig
	}

	c, err := s.Computers.GetComputer(computerID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrUnknownComputer
	}

	var nextID int64 = 1
	for _, e := range c.Errors {
		if e.ID >= nextID {
			nextID = e.ID + 1
		}
	}
	c.Errors = append(c.Errors, ErrorRecord{
		ID:         nextID,
		Type:       errType,
		Message:    message,
		Details:    details,
		ReportedAt: s.Clock.Now().UTC(),
	})
	c.HaveActiveErrors = true
	c.UpdatedAt = s.Clock.Now().UTC()

	s.Log.Warn("agent reported error", "computerID", computerID, "type", errType, "message", message)
	return s.Computers.UpdateComputer(*c)
}

// ResolveError marks one error record resolved and recomputes the
// active-errors flag from the remaining records.
func (s *Service) ResolveError(computerID, errorID int64, notes string) error {
	c, err := s.Computers.GetComputer(computerID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrUnknownComputer
	}

	found := false
	now := s.Clock.Now().UTC()
	for i := range c.Errors {
		if c.Errors[i].ID == errorID {
			c.Errors[i].Resolved = true
			c.Errors[i].ResolvedAt = &now
			c.Errors[i].ResolutionNotes = notes
			found = true
			break
		}
	}
	if !found {
		return ErrUnknownError
	}

	c.HaveActiveErrors = false
	for _, e := range c.Errors {
		if !e.Resolved {
			c.HaveActiveErrors = true
			break
		}
	}
	c.UpdatedAt = now
	return s.Computers.UpdateComputer(*c)
}
