package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hubstream/internal/config"
	"hubstream/internal/metrics"
	"hubstream/internal/model"
)

const testToken = "secret-token"

type hubMessage map[string]interface{}

// fakeHub is an in-process hub speaking the WebSocket API
type fakeHub struct {
	server      *httptest.Server
	connections atomic.Int32
}

func newFakeHub(t *testing.T, handler func(conn *websocket.Conn)) *fakeHub {
	t.Helper()

	hub := &fakeHub{}
	upgrader := websocket.Upgrader{}
	hub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hub.connections.Add(1)
		handler(conn)
	}))
	t.Cleanup(hub.server.Close)
	return hub
}

func (h *fakeHub) URL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/websocket"
}

// handshake performs auth and acknowledges every subscription request
func handshake(conn *websocket.Conn, subscriptions int) bool {
	if err := conn.WriteJSON(hubMessage{"type": "auth_required", "ha_version": "2024.5.0"}); err != nil {
		return false
	}

	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		return false
	}
	if auth.Type != "auth" || auth.AccessToken != testToken {
		_ = conn.WriteJSON(hubMessage{"type": "auth_invalid", "message": "Invalid access token"})
		return false
	}
	if err := conn.WriteJSON(hubMessage{"type": "auth_ok", "ha_version": "2024.5.0"}); err != nil {
		return false
	}

	for i := 0; i < subscriptions; i++ {
		var sub struct {
			ID        int64  `json:"id"`
			Type      string `json:"type"`
			EventType string `json:"event_type"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return false
		}
		if err := conn.WriteJSON(hubMessage{"id": sub.ID, "type": "result", "success": true, "result": nil}); err != nil {
			return false
		}
	}
	return true
}

// serveUntilClosed answers pings until the client goes away
func serveUntilClosed(conn *websocket.Conn) {
	for {
		var msg struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "ping" {
			if err := conn.WriteJSON(hubMessage{"id": msg.ID, "type": "pong"}); err != nil {
				return
			}
		}
	}
}

func testHubConfig(url string) config.HubConfig {
	return config.HubConfig{
		URL:               url,
		AccessToken:       testToken,
		EventTypes:        []string{"state_changed"},
		DialTimeout:       time.Second,
		AuthTimeout:       time.Second,
		SubscribeTimeout:  time.Second,
		HeartbeatInterval: 0,
		HeartbeatTimeout:  time.Second,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        40 * time.Millisecond,
		StabilityWindow:   time.Minute,
		QueueSize:         8,
		ReadLimit:         1 << 20,
		WriteTimeout:      time.Second,
	}
}

func newTestManager(cfg config.HubConfig) *Manager {
	logger := zap.NewNop()
	return NewManager(cfg, NewWebSocketDialer(cfg.DialTimeout, cfg.WriteTimeout, cfg.ReadLimit, logger), logger, metrics.New())
}

func TestManager_ReceivesEvents(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		if !handshake(conn, 1) {
			return
		}
		_ = conn.WriteJSON(hubMessage{"id": 1, "type": "pong"})
		_ = conn.WriteJSON(hubMessage{
			"id":   1,
			"type": "event",
			"event": hubMessage{
				"event_type": "state_changed",
				"data":       hubMessage{"entity_id": "sensor.temp"},
			},
		})
		serveUntilClosed(conn)
	})

	manager := newTestManager(testHubConfig(hub.URL()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	select {
	case raw := <-manager.Messages():
		assert.Equal(t, MessageEvent, raw.Type)
		assert.Contains(t, string(raw.Payload), `"entity_id":"sensor.temp"`)
		assert.False(t, raw.ReceivedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	status := manager.Status()
	assert.Equal(t, model.ConnectionSubscribed, status.State)
	assert.NotNil(t, status.ConnectedSince)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}

	_, open := <-manager.Messages()
	assert.False(t, open, "message channel must be closed after Run returns")
	assert.Equal(t, model.ConnectionDisconnected, manager.Status().State)
}

func TestManager_AuthRejected(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		handshake(conn, 1)
	})

	cfg := testHubConfig(hub.URL())
	cfg.AccessToken = "wrong"
	cfg.MaxAttempts = 2

	manager := newTestManager(cfg)
	err := manager.Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAuth))
	assert.Equal(t, int32(2), hub.connections.Load(), "auth rejection is still subject to reconnection")
	assert.Equal(t, "auth", model.Reason(err))
}

func TestManager_SubscriptionNotAcknowledged(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(hubMessage{"type": "auth_required"})
		var auth hubMessage
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		_ = conn.WriteJSON(hubMessage{"type": "auth_ok"})

		var sub struct {
			ID int64 `json:"id"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		_ = conn.WriteJSON(hubMessage{
			"id":      sub.ID,
			"type":    "result",
			"success": false,
			"error":   hubMessage{"code": "invalid_format", "message": "bad request"},
		})
	})

	cfg := testHubConfig(hub.URL())
	cfg.MaxAttempts = 1

	err := newTestManager(cfg).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrProtocol))
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		if !handshake(conn, 1) {
			return
		}
		_ = conn.WriteJSON(hubMessage{"id": 1, "type": "event", "event": hubMessage{"event_type": "state_changed"}})
	})

	manager := newTestManager(testHubConfig(hub.URL()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = manager.Run(ctx) }()

	received := 0
	deadline := time.After(3 * time.Second)
	for received < 3 {
		select {
		case _, ok := <-manager.Messages():
			require.True(t, ok)
			received++
		case <-deadline:
			t.Fatalf("received %d events before deadline", received)
		}
	}

	assert.GreaterOrEqual(t, hub.connections.Load(), int32(3))
	cancel()
}

func TestManager_HeartbeatTimeout(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		if !handshake(conn, 1) {
			return
		}
		// Swallow pings without answering
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testHubConfig(hub.URL())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 30 * time.Millisecond
	cfg.MaxAttempts = 1

	err := newTestManager(cfg).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTransport))
	assert.Contains(t, err.Error(), "no pong")
}

func TestManager_HeartbeatKeepsConnection(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		if !handshake(conn, 1) {
			return
		}
		serveUntilClosed(conn)
	})

	cfg := testHubConfig(hub.URL())
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 200 * time.Millisecond

	manager := newTestManager(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	require.NoError(t, manager.Run(ctx))
	assert.Equal(t, int32(1), hub.connections.Load())
}

func TestManager_SlowConsumerDoesNotFailHeartbeat(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		if !handshake(conn, 1) {
			return
		}
		for i := 0; i < 3; i++ {
			_ = conn.WriteJSON(hubMessage{"id": 1, "type": "event", "event": hubMessage{"event_type": "state_changed", "seq": i}})
		}
		serveUntilClosed(conn)
	})

	cfg := testHubConfig(hub.URL())
	cfg.QueueSize = 1
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.MaxAttempts = 1

	manager := newTestManager(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	for i := 0; i < 3; i++ {
		time.Sleep(150 * time.Millisecond)
		select {
		case raw, ok := <-manager.Messages():
			require.True(t, ok, "connection dropped while the consumer was slow")
			assert.Contains(t, string(raw.Payload), fmt.Sprintf(`"seq":%d`, i))
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not received", i)
		}
	}

	// pongs queued behind the stall are read once the queue drains
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, model.ConnectionSubscribed, manager.Status().State)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Equal(t, int32(1), hub.connections.Load())
}

func TestReadStallGrace(t *testing.T) {
	var stall readStall
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, ok := stall.grace(now, time.Second)
	assert.False(t, ok)

	stall.begin()
	wait, ok := stall.grace(now, time.Second)
	assert.True(t, ok)
	assert.Equal(t, time.Second, wait)

	stall.end(now)
	wait, ok = stall.grace(now.Add(400*time.Millisecond), time.Second)
	assert.True(t, ok)
	assert.Equal(t, 600*time.Millisecond, wait)

	_, ok = stall.grace(now.Add(time.Second), time.Second)
	assert.False(t, ok)
}

func TestManager_DialFailureGivesUp(t *testing.T) {
	cfg := testHubConfig("ws://127.0.0.1:1/api/websocket")
	cfg.MaxAttempts = 3

	manager := newTestManager(cfg)
	err := manager.Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTransport))
	assert.Contains(t, err.Error(), "3 connection attempts")
	assert.Equal(t, 2, manager.Status().Attempt)
}

func TestManager_StabilityWindowResetsBackoff(t *testing.T) {
	cfg := testHubConfig("ws://unused")
	cfg.BackoffBase = time.Second
	cfg.BackoffCap = 300 * time.Second
	cfg.StabilityWindow = 60 * time.Second
	manager := newTestManager(cfg)

	manager.backoff.Next()
	manager.backoff.Next()
	manager.backoff.Next()

	manager.sessionEnded(59 * time.Second)
	assert.Equal(t, 8*time.Second, manager.backoff.Next(), "short session must not reset backoff")

	manager.sessionEnded(0)
	assert.Equal(t, 16*time.Second, manager.backoff.Next())

	manager.sessionEnded(60 * time.Second)
	assert.Equal(t, time.Second, manager.backoff.Next())
}
