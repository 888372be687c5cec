package ws

import (
	"github.com/yourorg/connectbox/agent/internal/agent"
	"github.com/yourorg/connectbox/agent/internal/event"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Server -> client
	TypeStatus        MessageType = "status"
	TypeSnapshot      MessageType = "snapshot"
	TypeCommandResult MessageType = "command_result"

	// Client -> server
	TypeCommand MessageType = "command"

	// Application-level keepalive
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// Errors
	TypeError MessageType = "error"
)

// Command names accepted in a CommandMessage
const (
	CmdGenerateKey    = "generate_key"
	CmdRequestAuth    = "request_auth"
	CmdPollApproval   = "poll_approval"
	CmdSendPing       = "send_ping"
	CmdHeartbeatStart = "heartbeat_start"
	CmdHeartbeatStop  = "heartbeat_stop"
	CmdTunnelStart    = "tunnel_start"
	CmdTunnelStop     = "tunnel_stop"
	CmdStatus         = "status"
)

// BaseMessage is the base structure for all messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// StatusMessage carries one status event
type StatusMessage struct {
	BaseMessage
	Event event.Event `json:"event"`
}

// SnapshotMessage carries the agent state
type SnapshotMessage struct {
	BaseMessage
	State agent.State `json:"state"`
}

// CommandMessage is sent by a front-end to invoke an agent operation
type CommandMessage struct {
	BaseMessage
	ID      string `json:"id,omitempty"` // echoed in the result
	Command string `json:"command"`
}

// CommandResultMessage reports the outcome of a command. Precondition
// failures are reported with OK=false and Benign=true.
type CommandResultMessage struct {
	BaseMessage
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Benign  bool   `json:"benign,omitempty"`
	Error   string `json:"error,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// PongMessage answers an application-level ping
type PongMessage struct {
	BaseMessage
}

// ErrorMessage for error communication
type ErrorMessage struct {
	BaseMessage
	Error string `json:"error"`
}
