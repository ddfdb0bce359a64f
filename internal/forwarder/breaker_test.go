package forwarder

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hubstream/internal/metrics"
	"hubstream/internal/model"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *testClock, m *metrics.Metrics) *Breaker {
	b := NewBreaker("downstream", 5, 30*time.Second, zap.NewNop(), m)
	b.now = clock.Now
	return b
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newTestClock()
	m := metrics.New()
	b := newTestBreaker(clock, m)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, model.CircuitClosed, b.State())
	assert.Equal(t, 4, b.Status().ConsecutiveFailures)

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, model.CircuitOpen, b.State())
	assert.ErrorIs(t, b.Allow(), model.ErrCircuitOpen)

	status := b.Status()
	require.NotNil(t, status.OpenedAt)
	assert.Equal(t, clock.Now(), *status.OpenedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("downstream", "OPEN")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("downstream", "CLOSED")))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := newTestBreaker(newTestClock(), nil)

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	assert.Equal(t, model.CircuitClosed, b.State(), "failures must be consecutive")
}

func TestBreaker_FailsFastDuringCooldown(t *testing.T) {
	clock := newTestClock()
	b := newTestBreaker(clock, nil)
	for i := 0; i < 5; i++ {
		b.Failure()
	}

	for _, step := range []time.Duration{0, time.Second, 28 * time.Second} {
		clock.Advance(step)
		assert.ErrorIs(t, b.Allow(), model.ErrCircuitOpen)
	}
	assert.Equal(t, model.CircuitOpen, b.State())
}

func TestBreaker_SingleTrialAfterCooldown(t *testing.T) {
	clock := newTestClock()
	b := newTestBreaker(clock, nil)
	for i := 0; i < 5; i++ {
		b.Failure()
	}

	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, model.CircuitHalfOpen, b.State())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Allow(), model.ErrCircuitOpen, "only one trial call is admitted")
	}

	b.Success()
	assert.Equal(t, model.CircuitClosed, b.State())
	assert.Equal(t, 0, b.Status().ConsecutiveFailures)
	assert.NoError(t, b.Allow())
}

func TestBreaker_FailedTrialRestartsCooldown(t *testing.T) {
	clock := newTestClock()
	b := newTestBreaker(clock, nil)
	for i := 0; i < 5; i++ {
		b.Failure()
	}

	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, model.CircuitOpen, b.State())

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), model.ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.NoError(t, b.Allow())
	assert.Equal(t, 60*time.Second, b.OpenFor(), "outage spans reopenings")
}

func TestBreaker_ConcurrentTrial(t *testing.T) {
	clock := newTestClock()
	b := newTestBreaker(clock, nil)
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	clock.Advance(time.Minute)

	var admitted sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		admitted.Add(1)
		go func() {
			defer admitted.Done()
			if b.Allow() == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	admitted.Wait()
	assert.Equal(t, 1, allowed)
}
