// Package command pairs user-issued commands with the results agents send
// back, guaranteeing at-most-once delivery to the initiator.
package command

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labfleet/labfleet/internal/hub"
	"github.com/labfleet/labfleet/internal/metrics"
)

// DefaultTimeout bounds how long a dispatched command may stay in flight.
const DefaultTimeout = 5 * time.Minute

const maxCommandBytes = 2000

var (
	ErrTargetInvalid = errors.New("command text empty or too long")
	ErrAccessDenied  = errors.New("access denied")
	ErrAgentOffline  = errors.New("agent is not connected")
)

// Sessions is the slice of the hub the coordinator needs.
type Sessions interface {
	IsConnected(computerID int64) bool
	EmitToAgent(computerID int64, event string, payload any)
	EmitToUser(userID int64, event string, payload any)
}

// Authorizer answers whether a user may command a computer.
type Authorizer interface {
	CanAccessComputer(userID, computerID int64) (bool, error)
}

type pendingCommand struct {
	userID     int64
	computerID int64
	createdAt  time.Time
	timer      *time.Timer
}

// Coordinator tracks in-flight commands.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]pendingCommand

	sessions   Sessions
	authorizer Authorizer
	log        *slog.Logger
	timeout    time.Duration
	nowFn      func() time.Time
}

// Config holds the coordinator's collaborators.
type Config struct {
	Sessions   Sessions
	Authorizer Authorizer
	Log        *slog.Logger
	Timeout    time.Duration
	Now        func() time.Time
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		pending:    make(map[string]pendingCommand),
		sessions:   cfg.Sessions,
		authorizer: cfg.Authorizer,
		log:        cfg.Log,
		timeout:    cfg.Timeout,
		nowFn:      cfg.Now,
	}
}

// Accepted is the synchronous answer to a successful dispatch.
type Accepted struct {
	CommandID   string `json:"command_id"`
	CommandType string `json:"command_type"`
}

// Result is a normalized command outcome.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Dispatch validates and routes a command to the target agent. The pending
// entry is registered before the emit so a fast result cannot race the
// bookkeeping; if the agent turns out to be offline the entry is removed
// atomically and ErrAgentOffline carries the command ID back to the caller.
func (c *Coordinator) Dispatch(userID, computerID int64, commandText, commandType string, isAdmin bool) (Accepted, error) {
	if len(commandText) == 0 || len(commandText) > maxCommandBytes {
		return Accepted{}, ErrTargetInvalid
	}
	if commandType == "" {
		commandType = "console"
	}

	if !isAdmin {
		ok, err := c.authorizer.CanAccessComputer(userID, computerID)
		if err != nil {
			return Accepted{}, err
		}
		if !ok {
			metrics.CommandsDispatched.WithLabelValues("denied").Inc()
			return Accepted{}, ErrAccessDenied
		}
	}

	commandID := uuid.NewString()

	c.mu.Lock()
	timer := time.AfterFunc(c.timeout, func() { c.expire(commandID) })
	c.pending[commandID] = pendingCommand{
		userID:     userID,
		computerID: computerID,
		createdAt:  c.nowFn(),
		timer:      timer,
	}
	if !c.sessions.IsConnected(computerID) {
		timer.Stop()
		delete(c.pending, commandID)
		c.mu.Unlock()
		metrics.CommandsDispatched.WithLabelValues("offline").Inc()
		return Accepted{CommandID: commandID, CommandType: commandType}, ErrAgentOffline
	}
	c.mu.Unlock()

	// No lock held across the emit.
	c.sessions.EmitToAgent(computerID, hub.EventCommandExecute, map[string]any{
		"command_id":   commandID,
		"command":      commandText,
		"command_type": commandType,
	})
	metrics.CommandsDispatched.WithLabelValues("accepted").Inc()
	c.log.Info("command dispatched", "commandID", commandID, "userID", userID, "computerID", computerID, "type", commandType)
	return Accepted{CommandID: commandID, CommandType: commandType}, nil
}

// Complete pairs an agent result with its pending entry and forwards it to
// the originating user. Unknown or already-settled IDs are dropped
// silently; that is the at-most-once guarantee.
func (c *Coordinator) Complete(commandID string, success bool, resultType string, result Result) {
	c.mu.Lock()
	entry, ok := c.pending[commandID]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry.timer.Stop()
	delete(c.pending, commandID)
	c.mu.Unlock()

	if resultType == "" {
		resultType = "console"
	}

	metrics.CommandDuration.Observe(c.nowFn().Sub(entry.createdAt).Seconds())
	c.sessions.EmitToUser(entry.userID, hub.EventCommandCompleted, map[string]any{
		"command_id":  commandID,
		"computer_id": entry.computerID,
		"type":        resultType,
		"success":     success,
		"result":      result,
		"timestamp":   c.nowFn().UTC().Format(time.RFC3339),
	})
}

// expire drops a pending entry whose timer fired. No notification is sent.
func (c *Coordinator) expire(commandID string) {
	c.mu.Lock()
	entry, ok := c.pending[commandID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, commandID)
	c.mu.Unlock()

	metrics.CommandsDispatched.WithLabelValues("expired").Inc()
	c.log.Warn("command expired without result", "commandID", commandID, "computerID", entry.computerID)
}

// PendingCount reports the number of in-flight commands.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
