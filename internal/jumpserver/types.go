package jumpserver

import (
	"encoding/json"
	"fmt"
)

// StatusAuthed is the is-authed status value that means approved
const StatusAuthed = "authed"

// AuthRequest is the registration payload for POST /api/request-auth
type AuthRequest struct {
	Hostname  string `json:"hostname"`
	Port      int    `json:"port"`
	PublicKey string `json:"public_key"`
	Notes     string `json:"notes"`
}

// RegistrationAck is the server's reply to a registration request.
// Fields beyond status are kept verbatim in Fields.
type RegistrationAck struct {
	Status string
	Fields map[string]json.RawMessage
}

// ApprovalState classifies an is-authed response
type ApprovalState int

const (
	ApprovalUnknown ApprovalState = iota
	ApprovalPending
	ApprovalAuthorized
)

func (s ApprovalState) String() string {
	switch s {
	case ApprovalPending:
		return "pending"
	case ApprovalAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// AuthStatus is one is-authed answer. Port is set only when State is
// ApprovalAuthorized.
type AuthStatus struct {
	State  ApprovalState
	Port   int
	Status string // raw status string from the server
}

// isAuthedResponse is the wire format of GET /api/is-authed
type isAuthedResponse struct {
	Status string `json:"status"`
	Port   *int   `json:"port,omitempty"`
}

func (r isAuthedResponse) toStatus() AuthStatus {
	switch {
	case r.Status == StatusAuthed && r.Port != nil && *r.Port > 0:
		return AuthStatus{State: ApprovalAuthorized, Port: *r.Port, Status: r.Status}
	case r.Status == "pending":
		return AuthStatus{State: ApprovalPending, Status: r.Status}
	default:
		return AuthStatus{State: ApprovalUnknown, Status: r.Status}
	}
}

// NetworkError covers any transport, HTTP status or decoding failure
// talking to the jump server
type NetworkError struct {
	Op         string // "request-auth", "is-authed" or "ping"
	URL        string
	StatusCode int // 0 if no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
