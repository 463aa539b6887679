package syncengine

import "time"

// Default retry policy.
const (
	DefaultMaxRetries  = 5
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// Backoff computes per-operation retry delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns min(Base * 2^attempt, Max) for a 0-indexed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Max || d > b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
