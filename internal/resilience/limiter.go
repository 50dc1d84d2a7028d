package resilience

import (
	"context"
	"sync/atomic"
	"time"
)

// recoveryThreshold is the 429 streak length above which recovering emits
// a notification.
const recoveryThreshold = 3

// maxLimiterExponent caps the backoff doubling; the streak count itself is
// unbounded.
const maxLimiterExponent = 5

// Notifier receives rate-limit recovery events. Satisfied by whatever
// alerting collaborator the process wires in; nil disables notifications.
type Notifier interface {
	RateLimitRecovered(venue string, streak int)
}

// Limiter is a reactive per-venue rate limiter: it backs off only after
// observing HTTP 429 responses, never pre-emptively. One instance is
// shared by every task issuing requests to the venue; its state is a
// single timestamp and a streak counter, both atomic, so no locking is
// required.
type Limiter struct {
	venue    string
	base     time.Duration
	notifier Notifier
	now      func() time.Time

	backoffUntil atomic.Int64 // unix nanos; 0 means inactive
	streak       atomic.Int64
}

// NewLimiter creates a Limiter for one venue. base is the unit delay
// doubled per consecutive 429.
func NewLimiter(venue string, base time.Duration, notifier Notifier) *Limiter {
	return &Limiter{
		venue:    venue,
		base:     base,
		notifier: notifier,
		now:      time.Now,
	}
}

// Observe429 records a rate-limit rejection and extends the backoff
// window to now + base * 2^min(streak-1, 5).
func (l *Limiter) Observe429() {
	streak := l.streak.Add(1)
	exp := streak - 1
	if exp > maxLimiterExponent {
		exp = maxLimiterExponent
	}
	delay := l.base << uint(exp)
	l.backoffUntil.Store(l.now().Add(delay).UnixNano())
}

// ObserveSuccess resets the streak. A recovery notification is emitted
// only when the streak being cleared had reached the threshold.
func (l *Limiter) ObserveSuccess() {
	prev := l.streak.Swap(0)
	if prev == 0 {
		return
	}
	l.backoffUntil.Store(0)
	if prev >= recoveryThreshold && l.notifier != nil {
		l.notifier.RateLimitRecovered(l.venue, int(prev))
	}
}

// Remaining returns how long the active backoff window still has to run,
// or zero when requests may proceed.
func (l *Limiter) Remaining() time.Duration {
	until := l.backoffUntil.Load()
	if until == 0 {
		return 0
	}
	remaining := time.Unix(0, until).Sub(l.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Streak returns the current consecutive-429 count.
func (l *Limiter) Streak() int {
	return int(l.streak.Load())
}

// Wait blocks until the backoff window has elapsed or ctx is cancelled.
// Callers invoke it before every request to the venue's REST surface.
func (l *Limiter) Wait(ctx context.Context) error {
	remaining := l.Remaining()
	if remaining == 0 {
		return nil
	}
	return sleep(ctx, remaining)
}
