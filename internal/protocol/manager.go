// internal/protocol/manager.go
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hubstream/internal/config"
	"hubstream/internal/metrics"
	"hubstream/internal/model"
	"hubstream/internal/utils"
)

// Manager owns the single live hub connection. It authenticates, subscribes,
// and pushes inbound events to a bounded channel, reconnecting with
// exponential backoff on any failure.
type Manager struct {
	cfg     config.HubConfig
	dialer  Dialer
	logger  *utils.ConnectionLogger
	metrics *metrics.Metrics

	out     chan model.RawMessage
	backoff *Backoff
	nextID  atomic.Int64
	now     func() time.Time

	mu        sync.RWMutex
	status    model.ConnectionStatus
	transport HubTransport
}

// NewManager creates a connection manager. m may be nil.
func NewManager(cfg config.HubConfig, dialer Dialer, logger *zap.Logger, m *metrics.Metrics) *Manager {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}

	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		logger:  utils.NewConnectionLogger(logger, cfg.URL),
		metrics: m,
		out:     make(chan model.RawMessage, queueSize),
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffCap),
		now:     time.Now,
		status:  model.ConnectionStatus{State: model.ConnectionDisconnected},
	}
}

// Messages returns the channel of inbound events. It is closed when Run returns.
func (m *Manager) Messages() <-chan model.RawMessage {
	return m.out
}

// Status returns a snapshot of the connection state
func (m *Manager) Status() model.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := m.status
	if status.ConnectedSince != nil {
		since := *status.ConnectedSince
		status.ConnectedSince = &since
	}
	return status
}

// TransportStats returns statistics of the live transport, if any
func (m *Manager) TransportStats() (TransportStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.transport == nil {
		return TransportStats{}, false
	}
	return m.transport.Stats(), true
}

// Run connects and reconnects until ctx is cancelled or the configured
// attempt ceiling is reached
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.out)
	defer m.setState(model.ConnectionDisconnected, nil)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := m.now()
		subscribedFor, err := m.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		m.sessionEnded(subscribedFor)
		if m.backoff.Attempt() == 0 {
			failures = 0
		}
		failures++

		m.logger.LogAttempt(failures, m.now().Sub(start), err)
		if m.metrics != nil {
			m.metrics.ConnectionFailures.WithLabelValues(model.Reason(err)).Inc()
		}
		if errors.Is(err, model.ErrAuth) {
			m.logger.Error("Hub rejected access token", zap.Error(err))
		}

		if m.cfg.MaxAttempts > 0 && failures >= m.cfg.MaxAttempts {
			m.setState(model.ConnectionDisconnected, err)
			return fmt.Errorf("giving up after %d connection attempts: %w", failures, err)
		}

		delay := m.backoff.Next()
		m.mu.Lock()
		m.status.Attempt = failures
		m.status.BackoffDelay = delay
		m.mu.Unlock()
		m.setState(model.ConnectionDisconnected, err)
		if m.metrics != nil {
			m.metrics.BackoffSeconds.Set(delay.Seconds())
		}

		m.logger.LogBackoff(failures, delay)
		if err := sleepContext(ctx, delay); err != nil {
			return nil
		}
	}
}

// sessionEnded resets the backoff when the finished session stayed
// subscribed for at least the stability window
func (m *Manager) sessionEnded(subscribedFor time.Duration) {
	if subscribedFor > 0 && subscribedFor >= m.cfg.StabilityWindow {
		m.backoff.Reset()
	}
}

// session runs one connection from dial to teardown. It returns how long the
// connection stayed subscribed and the error that ended it.
func (m *Manager) session(ctx context.Context) (time.Duration, error) {
	m.setState(model.ConnectionConnecting, nil)
	if m.metrics != nil {
		m.metrics.ConnectionAttempts.Inc()
	}

	dialCtx, cancel := withTimeout(ctx, m.cfg.DialTimeout)
	transport, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancel()
	if err != nil {
		return 0, model.NewPipelineError(model.ErrTransport, "dial", err)
	}

	m.mu.Lock()
	m.transport = transport
	m.mu.Unlock()

	defer func() {
		m.setState(model.ConnectionClosing, nil)
		transport.Close()
		m.mu.Lock()
		m.transport = nil
		m.status.ConnectedSince = nil
		m.mu.Unlock()
	}()

	m.setState(model.ConnectionAuthenticating, nil)
	if err := m.authenticate(ctx, transport); err != nil {
		return 0, err
	}
	if err := m.subscribe(ctx, transport); err != nil {
		return 0, err
	}

	subscribedAt := m.now()
	m.mu.Lock()
	m.status.ConnectedSince = &subscribedAt
	m.status.LastError = ""
	m.mu.Unlock()
	m.setState(model.ConnectionSubscribed, nil)
	if m.metrics != nil {
		m.metrics.ConnectionSuccesses.Inc()
	}

	err = m.receive(ctx, transport)
	return m.now().Sub(subscribedAt), err
}

func (m *Manager) authenticate(ctx context.Context, transport HubTransport) error {
	authCtx, cancel := withTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()

	msg, err := m.readEnvelope(authCtx, transport)
	if err != nil {
		return err
	}
	if msg.Type != MessageAuthRequired {
		return model.NewPipelineError(model.ErrProtocol, "auth",
			fmt.Errorf("expected %s, got %q", MessageAuthRequired, msg.Type))
	}

	auth := authMessage{Type: MessageAuth, AccessToken: m.cfg.AccessToken}
	if err := transport.WriteJSON(authCtx, auth); err != nil {
		return model.NewPipelineError(model.ErrTransport, "auth", err)
	}

	msg, err = m.readEnvelope(authCtx, transport)
	if err != nil {
		return err
	}

	switch msg.Type {
	case MessageAuthOK:
		m.logger.Debug("Authenticated with hub", zap.String("hub_version", msg.HAVersion))
		return nil
	case MessageAuthInvalid:
		return model.NewPipelineError(model.ErrAuth, "auth", errors.New(msg.Message))
	default:
		return model.NewPipelineError(model.ErrProtocol, "auth",
			fmt.Errorf("unexpected auth response %q", msg.Type))
	}
}

func (m *Manager) subscribe(ctx context.Context, transport HubTransport) error {
	for _, eventType := range m.cfg.EventTypes {
		subCtx, cancel := withTimeout(ctx, m.cfg.SubscribeTimeout)
		err := m.subscribeOne(subCtx, transport, eventType)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) subscribeOne(ctx context.Context, transport HubTransport, eventType string) error {
	id := m.nextID.Add(1)
	req := subscribeMessage{ID: id, Type: MessageSubscribe, EventType: eventType}
	if err := transport.WriteJSON(ctx, req); err != nil {
		return model.NewPipelineError(model.ErrTransport, "subscribe", err)
	}

	msg, err := m.readEnvelope(ctx, transport)
	if err != nil {
		return err
	}
	if msg.Type != MessageResult || msg.ID != id || msg.Success == nil || !*msg.Success {
		detail := msg.Type
		if msg.Error != nil {
			detail = fmt.Sprintf("%s: %s", msg.Error.Code, msg.Error.Message)
		}
		return model.NewPipelineError(model.ErrProtocol, "subscribe",
			fmt.Errorf("subscription %d to %q not acknowledged (%s)", id, eventType, detail))
	}

	m.logger.Info("Subscribed to hub events",
		zap.String("event_type", eventType),
		zap.Int64("subscription_id", id),
	)
	return nil
}

// receive runs the read loop and heartbeat until either fails or ctx ends
func (m *Manager) receive(ctx context.Context, transport HubTransport) error {
	g, gctx := errgroup.WithContext(ctx)
	pongs := make(chan int64, 1)
	stall := &readStall{}

	g.Go(func() error {
		return m.readLoop(gctx, transport, pongs, stall)
	})
	g.Go(func() error {
		return m.heartbeat(gctx, transport, pongs, stall)
	})
	g.Go(func() error {
		<-gctx.Done()
		transport.Close()
		return nil
	})

	return g.Wait()
}

// readStall tracks the read loop waiting on a full event queue. Pongs are not
// read meanwhile, so the heartbeat does not count that time.
type readStall struct {
	stalled   atomic.Bool
	resumedAt atomic.Int64
}

func (s *readStall) begin() {
	s.stalled.Store(true)
}

func (s *readStall) end(at time.Time) {
	s.resumedAt.Store(at.UnixNano())
	s.stalled.Store(false)
}

// grace returns how much longer to wait for a pong whose timeout fired at now
func (s *readStall) grace(now time.Time, timeout time.Duration) (time.Duration, bool) {
	if s.stalled.Load() {
		return timeout, true
	}
	resumed := s.resumedAt.Load()
	if resumed == 0 {
		return 0, false
	}
	if since := now.Sub(time.Unix(0, resumed)); since < timeout {
		return timeout - since, true
	}
	return 0, false
}

func (m *Manager) readLoop(ctx context.Context, transport HubTransport, pongs chan<- int64, stall *readStall) error {
	for {
		data, err := transport.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return model.NewPipelineError(model.ErrTransport, "read", err)
		}

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("Discarding malformed hub message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case MessageEvent:
			raw := model.RawMessage{
				Type:       msg.Type,
				Payload:    msg.Event,
				ReceivedAt: m.now().UTC(),
			}
			if err := m.deliver(ctx, raw, stall); err != nil {
				return err
			}
		case MessagePong:
			select {
			case pongs <- msg.ID:
			default:
			}
		case MessageResult:
			if msg.Success != nil && !*msg.Success {
				m.logger.Warn("Hub reported command failure", zap.Int64("id", msg.ID))
			}
		default:
			m.logger.Debug("Ignoring hub message", zap.String("type", msg.Type))
		}
	}
}

// deliver pushes an event to the queue, blocking while it is full
func (m *Manager) deliver(ctx context.Context, raw model.RawMessage, stall *readStall) error {
	select {
	case m.out <- raw:
		return nil
	default:
	}

	stall.begin()
	defer func() { stall.end(m.now()) }()
	m.logger.Debug("Event queue full, pausing hub reads")

	select {
	case m.out <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) heartbeat(ctx context.Context, transport HubTransport, pongs <-chan int64, stall *readStall) error {
	if m.cfg.HeartbeatInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		id := m.nextID.Add(1)
		if err := transport.WriteJSON(ctx, pingMessage{ID: id, Type: MessagePing}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return model.NewPipelineError(model.ErrTransport, "ping", err)
		}

		if err := m.awaitPong(ctx, id, pongs, stall); err != nil {
			return err
		}
	}
}

func (m *Manager) awaitPong(ctx context.Context, id int64, pongs <-chan int64, stall *readStall) error {
	timer := time.NewTimer(m.cfg.HeartbeatTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case got := <-pongs:
			if got == id {
				return nil
			}
		case <-timer.C:
			if wait, ok := stall.grace(m.now(), m.cfg.HeartbeatTimeout); ok {
				timer.Reset(wait)
				continue
			}
			return model.NewPipelineError(model.ErrTransport, "heartbeat",
				fmt.Errorf("no pong for ping %d within %s", id, m.cfg.HeartbeatTimeout))
		}
	}
}

func (m *Manager) readEnvelope(ctx context.Context, transport HubTransport) (*envelope, error) {
	data, err := transport.ReadMessage(ctx)
	if err != nil {
		return nil, model.NewPipelineError(model.ErrTransport, "read", err)
	}

	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, model.NewPipelineError(model.ErrProtocol, "decode", err)
	}
	return &msg, nil
}

func (m *Manager) setState(state model.ConnectionState, err error) {
	m.mu.Lock()
	previous := m.status.State
	m.status.State = state
	if err != nil {
		m.status.LastError = err.Error()
	}
	attempt := m.status.Attempt
	m.mu.Unlock()

	if previous != state {
		m.logger.LogTransition(string(previous), string(state), attempt)
	}
	if m.metrics != nil {
		m.metrics.SetConnectionState(state)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
