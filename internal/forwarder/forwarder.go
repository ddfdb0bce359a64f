// Package forwarder delivers event batches to the downstream processor
// behind a circuit breaker.
package forwarder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hubstream/internal/alerting"
	"hubstream/internal/batch"
	"hubstream/internal/config"
	"hubstream/internal/metrics"
	"hubstream/internal/model"
	"hubstream/internal/utils"
)

// Sender delivers events downstream
type Sender interface {
	Send(ctx context.Context, batch *model.EventBatch) error
	SendEvent(ctx context.Context, event *model.CanonicalEvent) error
}

// DeadLetterRecorder keeps a record of batches that were given up on
type DeadLetterRecorder interface {
	Record(ctx context.Context, batch *model.EventBatch, reason string, cause error) error
}

// Stats summarizes forwarder counters for health reporting
type Stats struct {
	BatchesDelivered int64 `json:"batches_delivered"`
	BatchesRequeued  int64 `json:"batches_requeued"`
	BatchesDropped   int64 `json:"batches_dropped"`
	EventsDelivered  int64 `json:"events_delivered"`
	EventsLost       int64 `json:"events_lost"`
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithDeadLetters records dropped batches
func WithDeadLetters(recorder DeadLetterRecorder) Option {
	return func(f *Forwarder) {
		f.deadLetters = recorder
	}
}

// WithNotifier raises an alert when the breaker stays open past alert_after
func WithNotifier(notifier alerting.Notifier) Option {
	return func(f *Forwarder) {
		f.notifier = notifier
	}
}

// WithAlertInterval sets how often an open breaker is checked against alert_after
func WithAlertInterval(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.alertInterval = d
		}
	}
}

// WithSingleEventMode sends one-event batches to /events instead of /events:batch
func WithSingleEventMode(enabled bool) Option {
	return func(f *Forwarder) {
		f.singleEvent = enabled
	}
}

// WithQueueSize bounds the internal batch queue
func WithQueueSize(size int) Option {
	return func(f *Forwarder) {
		if size > 0 {
			f.queueSize = size
		}
	}
}

// Forwarder runs N workers pulling batches from a FIFO queue. A failed batch
// is re-queued a bounded number of times, then dropped and counted as lost.
type Forwarder struct {
	cfg         config.ForwarderConfig
	sender      Sender
	breaker     *Breaker
	deadLetters DeadLetterRecorder
	notifier    alerting.Notifier
	singleEvent bool
	queueSize   int
	// alertInterval is the period of the open-breaker check
	alertInterval time.Duration
	logger        *zap.Logger
	metrics     *metrics.Metrics

	delivered       atomic.Int64
	requeued        atomic.Int64
	dropped         atomic.Int64
	eventsDelivered atomic.Int64
	eventsLost      atomic.Int64
}

// New creates a forwarder. breaker and m may be nil.
func New(cfg config.ForwarderConfig, sender Sender, breaker *Breaker, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Forwarder {
	f := &Forwarder{
		cfg:           cfg,
		sender:        sender,
		breaker:       breaker,
		queueSize:     64,
		alertInterval: defaultAlertInterval(cfg.AlertAfter),
		logger:        logger.With(zap.String("component", "forwarder")),
		metrics:       m,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run delivers batches from in until it is closed, then waits for every
// queued batch to be delivered or dropped. Batches still buffered when ctx
// ends are dropped and counted.
func (f *Forwarder) Run(ctx context.Context, in <-chan *batch.Batch[*model.CanonicalEvent]) error {
	workers := f.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	queue := make(chan *model.EventBatch, f.queueSize)
	var pending sync.WaitGroup
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range queue {
				f.deliver(ctx, b, queue, &pending)
			}
		}()
	}

	stopWatch := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		f.watchBreaker(stopWatch)
	}()

	f.feed(ctx, in, queue, &pending)

	pending.Wait()
	close(queue)
	wg.Wait()

	close(stopWatch)
	<-watchDone
	return nil
}

// watchBreaker raises the open-breaker alert while no batch is failing, so a
// quiet period with the breaker open is still reported
func (f *Forwarder) watchBreaker(stop <-chan struct{}) {
	if f.notifier == nil || f.breaker == nil {
		return
	}

	ticker := time.NewTicker(f.alertInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.maybeAlert()
		}
	}
}

func defaultAlertInterval(alertAfter time.Duration) time.Duration {
	d := alertAfter / 2
	switch {
	case d <= 0:
		return time.Second
	case d > 30*time.Second:
		return 30 * time.Second
	default:
		return d
	}
}

// Stats returns a snapshot of the forwarder counters
func (f *Forwarder) Stats() Stats {
	return Stats{
		BatchesDelivered: f.delivered.Load(),
		BatchesRequeued:  f.requeued.Load(),
		BatchesDropped:   f.dropped.Load(),
		EventsDelivered:  f.eventsDelivered.Load(),
		EventsLost:       f.eventsLost.Load(),
	}
}

func (f *Forwarder) feed(ctx context.Context, in <-chan *batch.Batch[*model.CanonicalEvent], queue chan<- *model.EventBatch, pending *sync.WaitGroup) {
	for {
		select {
		case <-ctx.Done():
			f.drainOnShutdown(ctx, in)
			return
		case b, ok := <-in:
			if !ok {
				return
			}
			eb := model.NewEventBatch(b.Items, b.FirstAt)
			pending.Add(1)
			select {
			case queue <- eb:
			case <-ctx.Done():
				f.drop(eb, "shutdown", ctx.Err())
				pending.Done()
				f.drainOnShutdown(ctx, in)
				return
			}
		}
	}
}

func (f *Forwarder) drainOnShutdown(ctx context.Context, in <-chan *batch.Batch[*model.CanonicalEvent]) {
	for {
		select {
		case b, ok := <-in:
			if !ok {
				return
			}
			f.drop(model.NewEventBatch(b.Items, b.FirstAt), "shutdown", ctx.Err())
		default:
			return
		}
	}
}

func (f *Forwarder) deliver(ctx context.Context, b *model.EventBatch, queue chan<- *model.EventBatch, pending *sync.WaitGroup) {
	b.Attempts++
	logger := utils.NewBatchLogger(f.logger, b.ID.String(), b.Len())

	err := f.send(ctx, b)
	if err == nil {
		f.delivered.Add(1)
		f.eventsDelivered.Add(int64(b.Len()))
		logger.Success(zap.Int("attempts", b.Attempts))
		pending.Done()
		return
	}

	logger.Error(err, zap.Int("attempts", b.Attempts))

	if IsRejected(err) {
		f.drop(b, "rejected", err)
		pending.Done()
		return
	}

	if b.Attempts <= f.cfg.RequeueLimit && ctx.Err() == nil {
		select {
		case queue <- b:
			f.requeued.Add(1)
			if f.metrics != nil {
				f.metrics.BatchesRequeued.Inc()
			}
			return
		default:
			f.logger.Warn("Batch queue full, cannot re-queue", zap.String("batch_id", b.ID.String()))
		}
	}

	f.drop(b, model.Reason(err), err)
	pending.Done()
}

func (f *Forwarder) send(ctx context.Context, b *model.EventBatch) error {
	if f.singleEvent && b.Len() == 1 {
		return f.sender.SendEvent(ctx, b.Events[0])
	}
	return f.sender.Send(ctx, b)
}

func (f *Forwarder) drop(b *model.EventBatch, reason string, cause error) {
	lost := b.Len()
	f.dropped.Add(1)
	f.eventsLost.Add(int64(lost))
	if f.metrics != nil {
		f.metrics.EventsLost.Add(float64(lost))
	}

	utils.NewBatchLogger(f.logger, b.ID.String(), lost).Dropped(reason, cause)

	if f.deadLetters != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := f.deadLetters.Record(ctx, b, reason, cause); err != nil {
			f.logger.Error("Failed to record lost batch",
				zap.String("batch_id", b.ID.String()),
				zap.Error(err),
			)
		}
		cancel()
	}

	f.maybeAlert()
}

func (f *Forwarder) maybeAlert() {
	if f.notifier == nil || f.breaker == nil {
		return
	}

	openFor := f.breaker.OpenFor()
	if openFor == 0 || openFor < f.cfg.AlertAfter {
		return
	}

	alert := alerting.Alert{
		Key:      "forwarder_breaker_open",
		Severity: alerting.SeverityCritical,
		Title:    "Downstream processor unavailable",
		Message:  fmt.Sprintf("Circuit breaker open for %s, events are being dropped", openFor.Round(time.Second)),
		Fields: map[string]interface{}{
			"open_for_seconds": openFor.Seconds(),
			"events_lost":      f.eventsLost.Load(),
			"downstream_url":   f.cfg.URL,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.notifier.Notify(ctx, alert); err != nil {
		f.logger.Error("Failed to send alert", zap.String("alert_key", alert.Key), zap.Error(err))
	}
}
