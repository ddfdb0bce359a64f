// internal/model/raw.go
package model

import (
	"encoding/json"
	"time"
)

// RawMessage is an inbound hub envelope. It is consumed once by the event processor.
type RawMessage struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}
