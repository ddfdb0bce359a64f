// Package alerting surfaces operator-visible conditions such as a
// sustained open circuit breaker or a failing store.
package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity ranks an alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification. Alerts sharing a Key are deduplicated.
type Alert struct {
	Key      string                 `json:"key"`
	Severity Severity               `json:"severity"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
	FiredAt  time.Time              `json:"fired_at"`
}

// Notifier delivers alerts
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("component", "alerting"))}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("alert_key", alert.Key),
		zap.String("severity", string(alert.Severity)),
		zap.String("title", alert.Title),
		zap.Time("fired_at", alert.FiredAt),
	}
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	if alert.Severity == SeverityCritical {
		n.logger.Error(alert.Message, fields...)
	} else {
		n.logger.Warn(alert.Message, fields...)
	}
	return nil
}

// MultiNotifier fans an alert out to every notifier
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a fan-out notifier. Nil entries are skipped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Notify implements Notifier. Every notifier is tried; errors are joined.
func (m *MultiNotifier) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Option configures a Deduplicator
type Option func(*Deduplicator)

// WithMinInterval sets the minimum time between two alerts with the same key
func WithMinInterval(interval time.Duration) Option {
	return func(d *Deduplicator) {
		if interval > 0 {
			d.minInterval = interval
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) {
		if now != nil {
			d.now = now
		}
	}
}

// Deduplicator suppresses repeated alerts with the same key
type Deduplicator struct {
	next        Notifier
	minInterval time.Duration
	now         func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewDeduplicator wraps next
func NewDeduplicator(next Notifier, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		next:        next,
		minInterval: 5 * time.Minute,
		now:         time.Now,
		sent:        make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify implements Notifier
func (d *Deduplicator) Notify(ctx context.Context, alert Alert) error {
	now := d.now()
	if alert.FiredAt.IsZero() {
		alert.FiredAt = now
	}

	d.mu.Lock()
	last, seen := d.sent[alert.Key]
	if seen && now.Sub(last) < d.minInterval {
		d.mu.Unlock()
		return nil
	}
	d.sent[alert.Key] = now
	d.mu.Unlock()

	if err := d.next.Notify(ctx, alert); err != nil {
		d.mu.Lock()
		if d.sent[alert.Key].Equal(now) {
			delete(d.sent, alert.Key)
		}
		d.mu.Unlock()
		return err
	}
	return nil
}
