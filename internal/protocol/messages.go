// internal/protocol/messages.go
package protocol

import "encoding/json"

// Hub message types
const (
	MessageAuthRequired = "auth_required"
	MessageAuth         = "auth"
	MessageAuthOK       = "auth_ok"
	MessageAuthInvalid  = "auth_invalid"
	MessageSubscribe    = "subscribe_events"
	MessageResult       = "result"
	MessageEvent        = "event"
	MessagePing         = "ping"
	MessagePong         = "pong"
)

// envelope is the union of every inbound hub message
type envelope struct {
	ID        int64           `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   *bool           `json:"success,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     *resultError    `json:"error,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
}

type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type subscribeMessage struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

type pingMessage struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}
