// internal/model/connection.go
package model

import "time"

// ConnectionState is the hub connection lifecycle state
type ConnectionState string

const (
	ConnectionDisconnected   ConnectionState = "DISCONNECTED"
	ConnectionConnecting     ConnectionState = "CONNECTING"
	ConnectionAuthenticating ConnectionState = "AUTHENTICATING"
	ConnectionSubscribed     ConnectionState = "SUBSCRIBED"
	ConnectionClosing        ConnectionState = "CLOSING"
)

// ConnectionStatus is a snapshot of the connection manager
type ConnectionStatus struct {
	State          ConnectionState `json:"state"`
	Attempt        int             `json:"attempt"`
	LastError      string          `json:"last_error,omitempty"`
	BackoffDelay   time.Duration   `json:"backoff_delay"`
	ConnectedSince *time.Time      `json:"connected_since,omitempty"`
}

// CircuitState is the circuit breaker state
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitStatus is a snapshot of a circuit breaker
type CircuitStatus struct {
	State               CircuitState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
}
