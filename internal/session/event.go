package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names an entry type in the ledger.
type EventKind string

const (
	EventSessionDiscovered EventKind = "session_discovered"
	EventSessionRemoved    EventKind = "session_removed"
	EventStateChanged      EventKind = "state_changed"
	EventHookReceived      EventKind = "hook_received"
)

// EventType is the tagged kind of an event plus the fields that kind carries.
// It is stored as JSON, e.g. {"type":"state_changed","from":"idle","to":"working"}.
type EventType struct {
	Kind     EventKind `json:"type"`
	From     State     `json:"from,omitempty"`
	To       State     `json:"to,omitempty"`
	HookType string    `json:"hook_type,omitempty"`
}

// Discovered is the event written when discovery creates a session.
func Discovered() EventType { return EventType{Kind: EventSessionDiscovered} }

// Removed is the event written when cleanup deletes a session.
func Removed() EventType { return EventType{Kind: EventSessionRemoved} }

// StateChanged is the event written for every applied transition.
func StateChanged(from, to State) EventType {
	return EventType{Kind: EventStateChanged, From: from, To: to}
}

// HookReceived is the event written for every push notification.
func HookReceived(hookType string) EventType {
	return EventType{Kind: EventHookReceived, HookType: hookType}
}

// Validate checks that the kind is known and carries its required fields.
func (t EventType) Validate() error {
	switch t.Kind {
	case EventSessionDiscovered, EventSessionRemoved:
		return nil
	case EventStateChanged:
		if !t.From.Valid() || !t.To.Valid() {
			return fmt.Errorf("session: state_changed needs valid from/to, got %q -> %q", t.From, t.To)
		}
		return nil
	case EventHookReceived:
		if t.HookType == "" {
			return fmt.Errorf("session: hook_received needs a hook type")
		}
		return nil
	default:
		return fmt.Errorf("session: unknown event kind %q", t.Kind)
	}
}

// Event is one immutable ledger entry. SessionID is empty for orphaned hook
// events that could not be matched to a session.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Type      EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Orphan reports whether the event has no owning session.
func (e *Event) Orphan() bool {
	return e.SessionID == ""
}

// NewEvent builds an unsaved event. The store assigns ID.
func NewEvent(sessionID string, t EventType, payload json.RawMessage, at time.Time) Event {
	return Event{SessionID: sessionID, Type: t, Payload: payload, Timestamp: at}
}
