// Package ipc is the newline-delimited JSON protocol spoken over the
// daemon's unix sockets: one request object per line, one response line
// back. The hooks socket and the query socket share the framing and the
// ping message; they differ in which request types their handler accepts.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/asheshgoplani/claude-admin/internal/session"
)

// MessageType tags every request and response.
type MessageType string

const (
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// hooks socket
	TypeHook MessageType = "hook"
	TypeAck  MessageType = "ack"

	// query socket
	TypeListSessions        MessageType = "list_sessions"
	TypeGetSession          MessageType = "get_session"
	TypeGetSessionByLocator MessageType = "get_session_by_locator"
	TypeRecentEvents        MessageType = "recent_events"

	TypeSessions MessageType = "sessions"
	TypeSession  MessageType = "session"
	TypeEvents   MessageType = "events"

	TypeNotFound MessageType = "not_found"
	TypeError    MessageType = "error"
)

// HookEvent is one push notification from the monitored process.
type HookEvent struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	Cwd       string          `json:"cwd"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Request is a client message.
type Request struct {
	Type MessageType `json:"type"`

	// get_session
	ID string `json:"id,omitempty"`
	// get_session_by_locator, "name:window.pane"
	Locator string `json:"locator,omitempty"`
	// recent_events; empty selects the whole ledger
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	// recent_events restricted to hooks no session claimed
	Orphans bool `json:"orphans,omitempty"`
	// list_sessions filter
	State session.State `json:"state,omitempty"`

	Hook *HookEvent `json:"hook,omitempty"`
}

// Response is a server message.
type Response struct {
	Type MessageType `json:"type"`

	Sessions []*session.Session `json:"sessions,omitempty"`
	Session  *session.Session   `json:"session,omitempty"`
	Events   []session.Event    `json:"events,omitempty"`

	// ack
	SessionID string `json:"session_id,omitempty"`
	Orphan    bool   `json:"orphan,omitempty"`
	Changed   bool   `json:"changed,omitempty"`

	// pong
	PID     int    `json:"pid,omitempty"`
	Version string `json:"version,omitempty"`

	// not_found, error
	Message string `json:"message,omitempty"`
}

// ErrorResponse builds an error reply.
func ErrorResponse(msg string) *Response {
	return &Response{Type: TypeError, Message: msg}
}

// NotFound builds a not_found reply.
func NotFound(msg string) *Response {
	return &Response{Type: TypeNotFound, Message: msg}
}
