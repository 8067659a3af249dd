package websocket

import (
	"time"

	"im-realtime/internal/config"
)

// Backoff computes reconnect delays as min(max, base*2^attempt). The attempt
// counter grows by one per delay, stops at its cap, and goes back to zero on
// Reset.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	cap     int
	attempt int
}

// NewBackoff builds a Backoff from reconnect settings.
func NewBackoff(cfg config.ReconnectConfig) *Backoff {
	b := &Backoff{base: cfg.BaseDelay, max: cfg.MaxDelay, cap: cfg.MaxAttempt}
	if b.base <= 0 {
		b.base = 1500 * time.Millisecond
	}
	if b.max < b.base {
		b.max = b.base
	}
	if b.cap <= 0 {
		b.cap = 8
	}
	return b
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	delay := b.max
	if b.attempt < 32 {
		if d := b.base << uint(b.attempt); d > 0 && d < b.max {
			delay = d
		}
	}
	if b.attempt < b.cap {
		b.attempt++
	}
	return delay
}

// Attempt returns the current attempt counter.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset sets the attempt counter back to zero.
func (b *Backoff) Reset() {
	b.attempt = 0
}
