// Package resilience wraps I/O operations with retry classification,
// exponential backoff, and reactive rate limiting. The three policies are
// independent; callers compose the ones they need.
package resilience

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: min(Max, Base * 2^(attempt-1)) plus
// uniform jitter in [0, delay).
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Rand returns a value in [0, 1) for jitter. Nil uses the global
	// source; tests inject a seeded one for determinism.
	Rand func() float64
}

// Delay returns the sleep duration before the given attempt (1-based).
// Max caps the pre-jitter delay; the jitter added on top can bring the
// total to just under twice Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max || delay <= 0 { // <= 0 guards shift overflow
			delay = b.Max
			break
		}
	}
	if delay > b.Max {
		delay = b.Max
	}

	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	jitter := time.Duration(random() * float64(delay))
	return delay + jitter
}
