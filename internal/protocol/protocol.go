// internal/protocol/protocol.go
package protocol

import (
	"context"
	"time"
)

// HubTransport is a message-oriented connection to the hub.
// ReadMessage must only be called from one goroutine at a time.
type HubTransport interface {
	// Data communication
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteJSON(ctx context.Context, v interface{}) error

	// Connection lifecycle
	Close() error
	IsOpen() bool

	// Health and diagnostics
	Stats() TransportStats
}

// Dialer opens hub transports
type Dialer interface {
	Dial(ctx context.Context, url string) (HubTransport, error)
}

// TransportStats provides transport-level statistics
type TransportStats struct {
	MessagesRead    int64     `json:"messages_read"`
	MessagesWritten int64     `json:"messages_written"`
	BytesRead       int64     `json:"bytes_read"`
	BytesWritten    int64     `json:"bytes_written"`
	ErrorCount      int64     `json:"error_count"`
	LastActivity    time.Time `json:"last_activity"`
	IsConnected     bool      `json:"is_connected"`
}
