package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Class is the retry classification of a failed operation.
type Class int

const (
	// Fatal errors abort immediately and surface to the caller.
	Fatal Class = iota
	// Retryable errors are retried under the policy's budget.
	Retryable
)

// ErrBudgetExhausted wraps the last error once the retry budget is spent.
var ErrBudgetExhausted = errors.New("resilience: retry budget exhausted")

type classified struct {
	err   error
	class Class
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// MarkRetryable tags err so DefaultClassify treats it as Retryable.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: Retryable}
}

// MarkFatal tags err so DefaultClassify treats it as Fatal regardless of
// its underlying type.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: Fatal}
}

// DefaultClassify treats explicit marks, timeouts, connection resets, and
// cancellation-free deadline expiry as Retryable; everything else is Fatal.
func DefaultClassify(err error) Class {
	var marked *classified
	if errors.As(err, &marked) {
		return marked.class
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return Retryable
	}
	return Fatal
}

// Policy retries an operation with classification and backoff. The zero
// value is unusable; construct with the fields below.
type Policy struct {
	MaxRetries int
	Backoff    Backoff

	// Classify defaults to DefaultClassify when nil.
	Classify func(error) Class

	Log *logrus.Entry
}

// Do runs op, retrying Retryable failures up to MaxRetries with backoff
// between attempts. The backoff wait is cancellable through ctx; a spent
// budget surfaces as ErrBudgetExhausted wrapping the last error.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassify
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if classify(err) == Fatal {
			return err
		}
		lastErr = err

		if attempt > p.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, attempt, lastErr)
		}

		delay := p.Backoff.Delay(attempt)
		if p.Log != nil {
			p.Log.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).WithError(err).Warn("retrying after transient failure")
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
