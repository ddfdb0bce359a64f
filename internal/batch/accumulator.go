// Package batch groups pipeline items into batches bounded by size and age.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hubstream/internal/metrics"
)

// ErrClosed is returned by Put after Close
var ErrClosed = errors.New("accumulator closed")

// UnreleasedError reports items Close could not release before its context ended
type UnreleasedError struct {
	Items int
	Err   error
}

func (e *UnreleasedError) Error() string {
	return fmt.Sprintf("%d items not released: %v", e.Items, e.Err)
}

func (e *UnreleasedError) Unwrap() error {
	return e.Err
}

// Trigger names the bound that released a batch
type Trigger string

const (
	TriggerSize  Trigger = "size"
	TriggerAge   Trigger = "age"
	TriggerFlush Trigger = "flush"
)

// Batch is an ordered group of items released exactly once
type Batch[T any] struct {
	Items   []T
	FirstAt time.Time
	Trigger Trigger
}

// Len returns the number of items in the batch
func (b *Batch[T]) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Items)
}

// Config bounds the batches of one accumulator
type Config struct {
	Stage     string
	MaxSize   int
	MaxAge    time.Duration
	QueueSize int
}

// Accumulator collects items and releases them as batches when either the
// size or the age bound is reached. Add and every flush share one mutex, so
// an item is never split across or duplicated in batches.
// Batches are emitted in the order they were formed. A batch that could not
// be emitted is parked and released before any later one.
type Accumulator[T any] struct {
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	items   []T
	firstAt time.Time

	out       chan *Batch[T]
	wake      chan struct{}
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	closed    bool

	// emitSem orders releases: batches leave in the order they were taken.
	// parked and outClosed are guarded by it.
	emitSem     chan struct{}
	parked      []*Batch[T]
	parkedItems atomic.Int64
	outClosed   bool
}

// New creates an accumulator. m may be nil.
func New[T any](cfg Config, m *metrics.Metrics) *Accumulator[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}

	return &Accumulator[T]{
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		items:   make([]T, 0, cfg.MaxSize),
		out:     make(chan *Batch[T], cfg.QueueSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		emitSem: make(chan struct{}, 1),
	}
}

// Output returns the channel of released batches. It is closed by Close.
func (a *Accumulator[T]) Output() <-chan *Batch[T] {
	return a.out
}

// Add appends item and returns the batch it completed, or nil
func (a *Accumulator[T]) Add(item T) *Batch[T] {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if len(a.items) == 0 {
		a.firstAt = now
		a.signal()
	}
	a.items = append(a.items, item)

	switch {
	case len(a.items) >= a.cfg.MaxSize:
		return a.takeLocked(TriggerSize)
	case now.Sub(a.firstAt) >= a.cfg.MaxAge:
		return a.takeLocked(TriggerAge)
	default:
		return nil
	}
}

// Put adds item and emits a completed batch on the output channel, blocking
// while the channel is full. When a parked batch cannot be released before
// ctx ends, Put returns the context error and item is not added. A batch
// completed by item that cannot be emitted in time is parked, and item counts
// as accepted.
func (a *Accumulator[T]) Put(ctx context.Context, item T) error {
	if err := a.lockEmit(ctx); err != nil {
		return err
	}
	defer a.unlockEmit()

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := a.emit(ctx, nil); err != nil {
		return err
	}

	if b := a.Add(item); b != nil {
		if err := a.emit(ctx, b); errors.Is(err, ErrClosed) {
			return err
		}
	}
	return nil
}

// Flush releases the pending items regardless of the bounds
func (a *Accumulator[T]) Flush() *Batch[T] {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.items) == 0 {
		return nil
	}
	return a.takeLocked(TriggerFlush)
}

// Pending returns the number of items not yet on the output channel
func (a *Accumulator[T]) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items) + int(a.parkedItems.Load())
}

// Run force-flushes the pending batch once it reaches the age bound.
// Parked batches are retried until they leave. It returns when ctx ends or
// the accumulator is closed.
func (a *Accumulator[T]) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Close takes over a release Run is blocked in
	go func() {
		select {
		case <-a.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	timer := time.NewTimer(a.cfg.MaxAge)
	defer timer.Stop()

	for {
		if a.parkedItems.Load() > 0 {
			if err := a.releaseParked(ctx); err != nil {
				return nil
			}
		}

		a.mu.Lock()
		pending := len(a.items)
		firstAt := a.firstAt
		a.mu.Unlock()

		var expire <-chan time.Time
		if pending > 0 {
			remaining := a.cfg.MaxAge - a.now().Sub(firstAt)
			if remaining < 0 {
				remaining = 0
			}
			resetTimer(timer, remaining)
			expire = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-a.done:
			return nil
		case <-a.wake:
		case <-expire:
			if err := a.releaseExpired(ctx); err != nil {
				return nil
			}
		}
	}
}

// Close releases parked and pending items as final batches and closes the
// output channel. Producers must have stopped calling Put. Items still held
// when ctx ends are reported in an *UnreleasedError.
func (a *Accumulator[T]) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.closing) })
	a.emitSem <- struct{}{}
	defer a.unlockEmit()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	var final *Batch[T]
	if len(a.items) > 0 {
		final = a.takeLocked(TriggerFlush)
	}
	a.mu.Unlock()
	close(a.done)

	var err error
	if final != nil || len(a.parked) > 0 {
		err = a.emit(ctx, final)
	}
	if err != nil {
		err = &UnreleasedError{Items: int(a.parkedItems.Load()), Err: err}
		a.parked = nil
		a.parkedItems.Store(0)
	}

	a.outClosed = true
	close(a.out)
	return err
}

func (a *Accumulator[T]) releaseExpired(ctx context.Context) error {
	if err := a.lockEmit(ctx); err != nil {
		return err
	}
	defer a.unlockEmit()

	a.mu.Lock()
	var b *Batch[T]
	if len(a.items) > 0 && a.now().Sub(a.firstAt) >= a.cfg.MaxAge {
		b = a.takeLocked(TriggerAge)
	}
	a.mu.Unlock()

	return a.emit(ctx, b)
}

func (a *Accumulator[T]) releaseParked(ctx context.Context) error {
	if err := a.lockEmit(ctx); err != nil {
		return err
	}
	defer a.unlockEmit()
	return a.emit(ctx, nil)
}

func (a *Accumulator[T]) lockEmit(ctx context.Context) error {
	select {
	case a.emitSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Accumulator[T]) unlockEmit() {
	<-a.emitSem
}

func (a *Accumulator[T]) takeLocked(trigger Trigger) *Batch[T] {
	b := &Batch[T]{
		Items:   a.items,
		FirstAt: a.firstAt,
		Trigger: trigger,
	}
	a.items = make([]T, 0, a.cfg.MaxSize)
	a.firstAt = time.Time{}

	if a.metrics != nil {
		a.metrics.BatchesFormed.WithLabelValues(a.cfg.Stage, string(trigger)).Inc()
		a.metrics.BatchSize.Observe(float64(len(b.Items)))
	}
	return b
}

// emit parks b behind any earlier parked batches and sends them in order.
// What is not sent when ctx ends stays parked. emitSem must be held.
func (a *Accumulator[T]) emit(ctx context.Context, b *Batch[T]) error {
	if b != nil {
		a.parked = append(a.parked, b)
		a.parkedItems.Add(int64(b.Len()))
	}

	for len(a.parked) > 0 {
		if a.outClosed {
			return ErrClosed
		}
		next := a.parked[0]
		select {
		case a.out <- next:
			a.parked[0] = nil
			a.parked = a.parked[1:]
			a.parkedItems.Add(-int64(next.Len()))
		case <-ctx.Done():
			a.signal()
			return ctx.Err()
		}
	}
	return nil
}

// signal wakes Run so it retries parked batches or rearms its timer
func (a *Accumulator[T]) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
