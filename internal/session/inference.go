package session

import (
	"encoding/json"
	"strings"
)

// Claude hook event names.
const (
	HookSessionStart      = "SessionStart"
	HookUserPromptSubmit  = "UserPromptSubmit"
	HookPreToolUse        = "PreToolUse"
	HookPostToolUse       = "PostToolUse"
	HookPermissionRequest = "PermissionRequest"
	HookNotification      = "Notification"
	HookStop              = "Stop"
	HookSubagentStop      = "SubagentStop"
	HookPreCompact        = "PreCompact"
	HookSessionEnd        = "SessionEnd"
)

// hookStates is the fixed kind -> state inference table. Kinds missing from
// the table (SubagentStop, PreCompact, unknown kinds) only refresh activity.
var hookStates = map[string]State{
	HookSessionStart:      StateIdle,
	HookUserPromptSubmit:  StateWorking,
	HookPreToolUse:        StateWorking,
	HookPostToolUse:       StateWorking,
	HookPermissionRequest: StateNeedsInput,
	HookStop:              StateIdle,
	HookSessionEnd:        StateDone,
}

// notificationTypes are the Notification subtypes that mean Claude is blocked on the user.
var notificationTypes = map[string]bool{
	"permission_prompt":  true,
	"elicitation_dialog": true,
	"idle_prompt":        true,
}

// InferState returns the state a hook of the given kind implies, and false
// when the hook carries no state. data is the raw hook payload.
func InferState(kind string, data json.RawMessage) (State, bool) {
	if kind == HookNotification {
		if notificationNeedsUser(data) {
			return StateNeedsInput, true
		}
		return "", false
	}
	s, ok := hookStates[kind]
	return s, ok
}

// notificationNeedsUser inspects a Notification payload. Newer Claude versions
// send notification_type (or the hook matcher); older ones only a message.
func notificationNeedsUser(data json.RawMessage) bool {
	if len(data) == 0 {
		return false
	}
	var n struct {
		NotificationType string `json:"notification_type"`
		Matcher          string `json:"matcher"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(data, &n); err != nil {
		return false
	}
	if notificationTypes[n.NotificationType] || notificationTypes[n.Matcher] {
		return true
	}
	msg := strings.ToLower(n.Message)
	return strings.Contains(msg, "needs your permission") ||
		strings.Contains(msg, "waiting for your input")
}
