package forwarder

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hubstream/internal/alerting"
	"hubstream/internal/batch"
	"hubstream/internal/config"
	"hubstream/internal/metrics"
	"hubstream/internal/model"
)

type fakeSender struct {
	sendFn func(ctx context.Context, b *model.EventBatch) error

	batchCalls  atomic.Int64
	singleCalls atomic.Int64

	mu        sync.Mutex
	delivered []*model.EventBatch
}

func (s *fakeSender) Send(ctx context.Context, b *model.EventBatch) error {
	s.batchCalls.Add(1)
	return s.result(ctx, b)
}

func (s *fakeSender) SendEvent(ctx context.Context, event *model.CanonicalEvent) error {
	s.singleCalls.Add(1)
	return s.result(ctx, &model.EventBatch{Events: []*model.CanonicalEvent{event}})
}

func (s *fakeSender) result(ctx context.Context, b *model.EventBatch) error {
	var err error
	if s.sendFn != nil {
		err = s.sendFn(ctx, b)
	}
	if err == nil {
		s.mu.Lock()
		s.delivered = append(s.delivered, b)
		s.mu.Unlock()
	}
	return err
}

type deadLetter struct {
	reason string
	events int
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	records []deadLetter
}

func (d *fakeDeadLetters) Record(_ context.Context, b *model.EventBatch, reason string, _ error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, deadLetter{reason: reason, events: b.Len()})
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, alert alerting.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func forwarderConfig() config.ForwarderConfig {
	return config.ForwarderConfig{
		URL:          "http://downstream.test",
		Workers:      2,
		RequeueLimit: 1,
		AlertAfter:   5 * time.Minute,
	}
}

func feedBatches(sizes ...int) chan *batch.Batch[*model.CanonicalEvent] {
	in := make(chan *batch.Batch[*model.CanonicalEvent], len(sizes))
	for _, size := range sizes {
		events := make([]*model.CanonicalEvent, size)
		for i := range events {
			events[i] = testEvent("sensor.temperature")
		}
		in <- &batch.Batch[*model.CanonicalEvent]{Items: events, FirstAt: time.Now(), Trigger: batch.TriggerSize}
	}
	close(in)
	return in
}

func unavailable() error {
	return model.NewPipelineError(model.ErrForward, "send", &StatusError{StatusCode: http.StatusServiceUnavailable})
}

func TestRun_DeliversAllBatches(t *testing.T) {
	sender := &fakeSender{}
	f := New(forwarderConfig(), sender, nil, zap.NewNop(), nil)

	require.NoError(t, f.Run(context.Background(), feedBatches(3, 1, 4, 2)))

	stats := f.Stats()
	assert.Equal(t, int64(4), stats.BatchesDelivered)
	assert.Equal(t, int64(10), stats.EventsDelivered)
	assert.Zero(t, stats.EventsLost)
	assert.Len(t, sender.delivered, 4)
}

func TestRun_RequeuesOnceThenDrops(t *testing.T) {
	sender := &fakeSender{sendFn: func(context.Context, *model.EventBatch) error { return unavailable() }}
	deadLetters := &fakeDeadLetters{}
	m := metrics.New()
	f := New(forwarderConfig(), sender, nil, zap.NewNop(), m, WithDeadLetters(deadLetters))

	require.NoError(t, f.Run(context.Background(), feedBatches(3, 2)))

	assert.Equal(t, int64(4), sender.batchCalls.Load(), "one delivery and one re-queued retry per batch")

	stats := f.Stats()
	assert.Equal(t, int64(2), stats.BatchesRequeued)
	assert.Equal(t, int64(2), stats.BatchesDropped)
	assert.Equal(t, int64(5), stats.EventsLost)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.EventsLost))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchesRequeued))

	require.Len(t, deadLetters.records, 2)
	total := 0
	for _, r := range deadLetters.records {
		assert.Equal(t, "forward", r.reason)
		total += r.events
	}
	assert.Equal(t, 5, total)
}

func TestRun_RecoversOnRequeue(t *testing.T) {
	var calls atomic.Int64
	sender := &fakeSender{sendFn: func(context.Context, *model.EventBatch) error {
		if calls.Add(1) == 1 {
			return unavailable()
		}
		return nil
	}}
	f := New(forwarderConfig(), sender, nil, zap.NewNop(), nil)

	require.NoError(t, f.Run(context.Background(), feedBatches(2)))

	stats := f.Stats()
	assert.Equal(t, int64(1), stats.BatchesRequeued)
	assert.Equal(t, int64(1), stats.BatchesDelivered)
	assert.Zero(t, stats.EventsLost)
}

func TestRun_RejectedBatchIsNotRequeued(t *testing.T) {
	sender := &fakeSender{sendFn: func(context.Context, *model.EventBatch) error {
		return model.NewPipelineError(model.ErrForward, "send", &StatusError{StatusCode: http.StatusBadRequest})
	}}
	deadLetters := &fakeDeadLetters{}
	f := New(forwarderConfig(), sender, nil, zap.NewNop(), nil, WithDeadLetters(deadLetters))

	require.NoError(t, f.Run(context.Background(), feedBatches(4)))

	assert.Equal(t, int64(1), sender.batchCalls.Load())
	assert.Zero(t, f.Stats().BatchesRequeued)
	require.Len(t, deadLetters.records, 1)
	assert.Equal(t, "rejected", deadLetters.records[0].reason)
}

func TestRun_AlertsWhenBreakerOpenPastThreshold(t *testing.T) {
	clock := newTestClock()
	breaker := newTestBreaker(clock, nil)
	for i := 0; i < 5; i++ {
		breaker.Failure()
	}

	sender := &fakeSender{sendFn: func(context.Context, *model.EventBatch) error {
		return model.NewPipelineError(model.ErrCircuitOpen, "send", nil)
	}}
	notifier := &recordingNotifier{}
	cfg := forwarderConfig()
	cfg.RequeueLimit = 0

	f := New(cfg, sender, breaker, zap.NewNop(), nil, WithNotifier(notifier))

	clock.Advance(4 * time.Minute)
	require.NoError(t, f.Run(context.Background(), feedBatches(1)))
	assert.Empty(t, notifier.alerts, "breaker not open long enough")

	clock.Advance(time.Minute)
	require.NoError(t, f.Run(context.Background(), feedBatches(2)))
	require.Len(t, notifier.alerts, 1)

	alert := notifier.alerts[0]
	assert.Equal(t, "forwarder_breaker_open", alert.Key)
	assert.Equal(t, alerting.SeverityCritical, alert.Severity)
	assert.Equal(t, int64(3), alert.Fields["events_lost"])
	assert.Equal(t, "http://downstream.test", alert.Fields["downstream_url"])
}

func TestRun_AlertsWhileIdleWithBreakerOpen(t *testing.T) {
	clock := newTestClock()
	breaker := newTestBreaker(clock, nil)
	for i := 0; i < 5; i++ {
		breaker.Failure()
	}
	clock.Advance(6 * time.Minute)

	notifier := &recordingNotifier{}
	f := New(forwarderConfig(), &fakeSender{}, breaker, zap.NewNop(), nil,
		WithNotifier(notifier), WithAlertInterval(10*time.Millisecond))

	// no batch arrives, so nothing is dropped
	in := make(chan *batch.Batch[*model.CanonicalEvent])
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background(), in) }()

	require.Eventually(t, func() bool { return notifier.count() > 0 }, time.Second, 5*time.Millisecond)
	close(in)
	require.NoError(t, <-done)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, "forwarder_breaker_open", notifier.alerts[0].Key)
	assert.Zero(t, f.Stats().EventsLost)
}

func TestDefaultAlertInterval(t *testing.T) {
	assert.Equal(t, time.Second, defaultAlertInterval(0))
	assert.Equal(t, 5*time.Second, defaultAlertInterval(10*time.Second))
	assert.Equal(t, 30*time.Second, defaultAlertInterval(5*time.Minute))
}

func TestRun_SingleEventMode(t *testing.T) {
	sender := &fakeSender{}
	f := New(forwarderConfig(), sender, nil, zap.NewNop(), nil, WithSingleEventMode(true))

	require.NoError(t, f.Run(context.Background(), feedBatches(1, 3, 1)))

	assert.Equal(t, int64(2), sender.singleCalls.Load())
	assert.Equal(t, int64(1), sender.batchCalls.Load())
	assert.Equal(t, int64(5), f.Stats().EventsDelivered)
}

func TestRun_ShutdownDropsBufferedBatches(t *testing.T) {
	sender := &fakeSender{sendFn: func(ctx context.Context, _ *model.EventBatch) error {
		if err := ctx.Err(); err != nil {
			return model.NewPipelineError(model.ErrForward, "send", err)
		}
		return errors.New("unexpected delivery after shutdown")
	}}
	deadLetters := &fakeDeadLetters{}
	f := New(forwarderConfig(), sender, nil, zap.NewNop(), nil, WithDeadLetters(deadLetters))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, feedBatches(2, 2, 2)) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop after shutdown")
	}

	stats := f.Stats()
	assert.Zero(t, stats.EventsDelivered)
	assert.Equal(t, int64(6), stats.EventsLost)
	assert.Zero(t, stats.BatchesRequeued)
	assert.Len(t, deadLetters.records, 3)
}
