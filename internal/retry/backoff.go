// Package retry renews SSH-backed work that the connection manager
// deliberately leaves to its callers: exponential backoff for
// re-registering lost listeners, and a circuit breaker that stops
// redialling a server that keeps failing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// PermanentError stops a [Backoff] loop: Do returns the wrapped error
// without another attempt.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked
// with [Permanent].
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff retries an operation with exponentially growing waits.
// Zero fields take the defaults noted on each.
type Backoff struct {
	// InitialDelay is the first wait (1s).
	InitialDelay time.Duration
	// MaxDelay caps every wait (60s).
	MaxDelay time.Duration
	// Multiplier grows the wait after each failure (2).
	Multiplier float64
	// MaxAttempts bounds the tries, the first one included. Zero means
	// no bound; only ctx stops the loop.
	MaxAttempts int
	// Jitter spreads each wait by up to 25% either way.
	Jitter bool
	// Retryable, when set, ends the loop on any error it rejects, as if
	// the error had been marked [Permanent].
	Retryable func(error) bool
	// OnRetry observes each failed attempt before its wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultBackoff gives up after ten tries.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// ReconnectBackoff retries until ctx ends, waiting at most 30s. It suits
// registrations that should come back whenever the server does.
func ReconnectBackoff() *Backoff {
	return &Backoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// schedule yields the un-jittered wait before each retry.
type schedule struct {
	next, max time.Duration
	factor    float64
}

func (b *Backoff) schedule() *schedule {
	s := &schedule{next: b.InitialDelay, max: b.MaxDelay, factor: b.Multiplier}
	if s.next <= 0 {
		s.next = time.Second
	}
	if s.max <= 0 {
		s.max = 60 * time.Second
	}
	if s.factor <= 0 {
		s.factor = 2
	}
	return s
}

func (s *schedule) advance() time.Duration {
	d := s.next
	s.next = min(time.Duration(float64(s.next)*s.factor), s.max)
	return min(d, s.max)
}

// Do calls fn, with a 1-based attempt number, until it returns nil, a
// permanent or unretryable error, the attempt budget runs out, or ctx
// ends while waiting.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	s := b.schedule()
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			return errors.Unwrap(err)
		case b.Retryable != nil && !b.Retryable(err):
			return err
		case b.MaxAttempts > 0 && attempt >= b.MaxAttempts:
			return fmt.Errorf("max retries (%d) exceeded: %w", b.MaxAttempts, err)
		}

		wait := s.advance()
		if b.Jitter {
			wait = addJitter(wait)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// addJitter moves d by a random amount within ±25%, never below 1ms.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := rand.Float64()*2*quarter - quarter
	return time.Duration(math.Max(float64(d)+delta, float64(time.Millisecond)))
}
