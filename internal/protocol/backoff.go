// internal/protocol/backoff.go
package protocol

import "time"

// Backoff yields min(base * 2^attempt, cap) for consecutive failures
type Backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

// NewBackoff creates a backoff starting at base and never exceeding cap
func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	return &Backoff{base: base, cap: cap}
}

// Next returns the delay for the current attempt and advances the counter
func (b *Backoff) Next() time.Duration {
	delay := b.base
	for i := 0; i < b.attempt && delay < b.cap; i++ {
		delay *= 2
	}
	if delay > b.cap {
		delay = b.cap
	}
	b.attempt++
	return delay
}

// Reset returns the delay to base
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of delays handed out since the last reset
func (b *Backoff) Attempt() int {
	return b.attempt
}
