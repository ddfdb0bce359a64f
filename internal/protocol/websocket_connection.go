// internal/protocol/websocket_connection.go
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketDialer opens gorilla/websocket connections to the hub
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	logger           *zap.Logger
}

// NewWebSocketDialer creates a dialer
func NewWebSocketDialer(handshakeTimeout, writeTimeout time.Duration, readLimit int64, logger *zap.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		HandshakeTimeout: handshakeTimeout,
		WriteTimeout:     writeTimeout,
		ReadLimit:        readLimit,
		logger:           logger.With(zap.String("protocol", "websocket")),
	}
}

// Dial opens a WebSocket connection to url
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (HubTransport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	d.logger.Debug("WebSocket connection opened", zap.String("url", url))

	return &WebSocketConnection{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
		logger:       d.logger.With(zap.String("remote", conn.RemoteAddr().String())),
		isOpen:       true,
		stats: TransportStats{
			IsConnected:  true,
			LastActivity: time.Now(),
		},
	}, nil
}

// WebSocketConnection implements HubTransport over gorilla/websocket
type WebSocketConnection struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *zap.Logger

	writeMu sync.Mutex
	mutex   sync.RWMutex
	isOpen  bool
	stats   TransportStats
}

// ReadMessage reads the next text message. The context deadline, if any,
// bounds the read; cancellation without a deadline requires Close.
func (wc *WebSocketConnection) ReadMessage(ctx context.Context) ([]byte, error) {
	if !wc.IsOpen() {
		return nil, fmt.Errorf("websocket connection not open")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	deadline, _ := ctx.Deadline()
	if err := wc.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	messageType, data, err := wc.conn.ReadMessage()
	if err != nil {
		wc.recordError()
		return nil, fmt.Errorf("failed to read from websocket: %w", err)
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", messageType)
	}

	wc.mutex.Lock()
	wc.stats.MessagesRead++
	wc.stats.BytesRead += int64(len(data))
	wc.stats.LastActivity = time.Now()
	wc.mutex.Unlock()

	return data, nil
}

// WriteJSON encodes v and writes it as one text message
func (wc *WebSocketConnection) WriteJSON(ctx context.Context, v interface{}) error {
	if !wc.IsOpen() {
		return fmt.Errorf("websocket connection not open")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	deadline := time.Time{}
	if wc.writeTimeout > 0 {
		deadline = time.Now().Add(wc.writeTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}

	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()

	if err := wc.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		wc.recordError()
		return fmt.Errorf("failed to write to websocket: %w", err)
	}

	wc.mutex.Lock()
	wc.stats.MessagesWritten++
	wc.stats.BytesWritten += int64(len(data))
	wc.stats.LastActivity = time.Now()
	wc.mutex.Unlock()

	return nil
}

// Close sends a close frame and closes the underlying connection
func (wc *WebSocketConnection) Close() error {
	wc.mutex.Lock()
	if !wc.isOpen {
		wc.mutex.Unlock()
		return nil
	}
	wc.isOpen = false
	wc.stats.IsConnected = false
	wc.mutex.Unlock()

	wc.writeMu.Lock()
	_ = wc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	wc.writeMu.Unlock()

	if err := wc.conn.Close(); err != nil {
		wc.logger.Debug("Failed to close websocket connection", zap.Error(err))
		return fmt.Errorf("failed to close websocket connection: %w", err)
	}

	wc.logger.Debug("WebSocket connection closed")
	return nil
}

// IsOpen returns whether the connection is open
func (wc *WebSocketConnection) IsOpen() bool {
	wc.mutex.RLock()
	defer wc.mutex.RUnlock()
	return wc.isOpen
}

// Stats returns a snapshot of the transport statistics
func (wc *WebSocketConnection) Stats() TransportStats {
	wc.mutex.RLock()
	defer wc.mutex.RUnlock()
	return wc.stats
}

func (wc *WebSocketConnection) recordError() {
	wc.mutex.Lock()
	wc.stats.ErrorCount++
	wc.mutex.Unlock()
}
