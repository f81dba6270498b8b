package hub

import "strconv"

// Server-to-client events.
const (
	EventConnect             = "connect"
	EventConnectError        = "connect_error"
	EventStatusUpdated       = "computer:status_updated"
	EventCommandExecute      = "command:execute"
	EventCommandCompleted    = "command:completed"
	EventSubscribeResponse   = "subscribe_response"
	EventUnsubscribeResponse = "unsubscribe_response"
	EventNewAgentMFA         = "admin:new_agent_mfa"
	EventAgentRegistered     = "admin:agent_registered"
	EventNewVersionAvailable = "agent:new_version_available"
)

// Client-to-server events.
const (
	EventAgentStatusUpdate  = "agent:status_update"
	EventAgentCommandResult = "agent:command_result"
	EventSubscribe          = "frontend:subscribe"
	EventUnsubscribe        = "frontend:unsubscribe"
	EventSendCommand        = "frontend:send_command"
)

// Admission failure reasons. The client only ever sees these strings.
const (
	ReasonInvalidToken    = "Authentication failed: Invalid token"
	ReasonTokenExpired    = "Authentication failed: Token expired"
	ReasonMissingHeaders  = "Authentication failed: Missing required headers"
	ReasonInvalidAgent    = "Authentication failed: Invalid agent credentials"
	ReasonUserDeactivated = "Authentication failed: User account is deactivated"
	ReasonInternal        = "Internal error: Unable to establish WebSocket connection"
)

// Logical room names. Not related to the physical Room entity.
const (
	RoomAdmin     = "admin"
	RoomAllAgents = "agents"
)

func agentRoom(computerID int64) string { return "agent:" + strconv.FormatInt(computerID, 10) }
func userRoom(userID int64) string      { return "user:" + strconv.FormatInt(userID, 10) }

func subscribersRoom(computerID int64) string {
	return "subscribers:" + strconv.FormatInt(computerID, 10)
}
