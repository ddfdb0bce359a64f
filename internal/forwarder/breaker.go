// internal/forwarder/breaker.go
package forwarder

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"hubstream/internal/metrics"
	"hubstream/internal/model"
)

// Breaker is the circuit breaker for one downstream target. It is shared
// by every worker delivering to that target.
type Breaker struct {
	target    string
	threshold int
	cooldown  time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu          sync.Mutex
	state       model.CircuitState
	failures    int
	openedAt    time.Time
	outageSince time.Time
	trial       bool
}

// NewBreaker creates a closed breaker. m may be nil.
func NewBreaker(target string, threshold int, cooldown time.Duration, logger *zap.Logger, m *metrics.Metrics) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	b := &Breaker{
		target:    target,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger.With(zap.String("component", "breaker"), zap.String("target", target)),
		metrics:   m,
		now:       time.Now,
		state:     model.CircuitClosed,
	}
	if m != nil {
		m.SetBreakerState(target, model.CircuitClosed)
	}
	return b
}

// Allow reports whether a call may proceed. While open it returns
// ErrCircuitOpen; once the cooldown has elapsed exactly one trial call is
// admitted until its outcome is reported.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.CircuitClosed:
		return nil
	case model.CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return model.ErrCircuitOpen
		}
		b.transitionLocked(model.CircuitHalfOpen)
		b.trial = true
		return nil
	default:
		if b.trial {
			return model.ErrCircuitOpen
		}
		b.trial = true
		return nil
	}
}

// Success records a successful call
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.CircuitOpen:
		// Outcome of a call admitted before the breaker opened
		return
	case model.CircuitHalfOpen:
		b.trial = false
		b.failures = 0
		b.outageSince = time.Time{}
		b.transitionLocked(model.CircuitClosed)
	default:
		b.failures = 0
	}
}

// Failure records a failed call
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case model.CircuitHalfOpen:
		b.trial = false
		b.openLocked()
	case model.CircuitClosed:
		if b.failures >= b.threshold {
			b.openLocked()
		}
	}
}

// State returns the current state
func (b *Breaker) State() model.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenFor returns how long the breaker has been continuously not closed,
// across reopenings after failed trials
func (b *Breaker) OpenFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == model.CircuitClosed || b.outageSince.IsZero() {
		return 0
	}
	return b.now().Sub(b.outageSince)
}

// Status returns a snapshot of the breaker
func (b *Breaker) Status() model.CircuitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := model.CircuitStatus{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Cooldown:            b.cooldown,
	}
	if !b.openedAt.IsZero() && b.state != model.CircuitClosed {
		openedAt := b.openedAt
		status.OpenedAt = &openedAt
	}
	return status
}

func (b *Breaker) openLocked() {
	previous := b.state
	b.openedAt = b.now()
	if previous == model.CircuitClosed {
		b.outageSince = b.openedAt
	}
	b.transitionLocked(model.CircuitOpen)
	if previous == model.CircuitHalfOpen {
		b.logger.Warn("Trial call failed, circuit breaker reopened", zap.Duration("cooldown", b.cooldown))
		return
	}
	b.logger.Warn("Circuit breaker opened",
		zap.Int("consecutive_failures", b.failures),
		zap.Duration("cooldown", b.cooldown),
	)
}

func (b *Breaker) transitionLocked(state model.CircuitState) {
	if b.state == state {
		return
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("from", string(b.state)),
		zap.String("to", string(state)),
	)
	b.state = state
	if b.metrics != nil {
		b.metrics.SetBreakerState(b.target, state)
	}
}
