package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ── Circuit state ────────────────────────────────────────────────────

// State is a circuit breaker's operational state.
type State int

const (
	// CircuitClosed passes every call through.
	CircuitClosed State = iota
	// CircuitOpen rejects calls until the cool-down elapses.
	CircuitOpen
	// CircuitHalfOpen lets a single probe through to test recovery.
	CircuitHalfOpen
)

func (s State) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is matched by the error returned for rejected calls.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError reports a call rejected by an open circuit.
type OpenError struct {
	Failures int
	RetryIn  time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open: %d consecutive failures, retry in %v",
		e.Failures, e.RetryIn.Truncate(time.Millisecond))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// ── Configuration ────────────────────────────────────────────────────

// BreakerConfig configures a [Breaker].
type BreakerConfig struct {
	// MaxFailures is the number of consecutive tripping failures before
	// the circuit opens (default 5).
	MaxFailures int
	// Cooldown is how long the circuit stays open before a probe is let
	// through (default 30s).
	Cooldown time.Duration
	// Trips decides which errors count as failures. Errors it rejects
	// pass through without touching the circuit. Nil counts every error.
	Trips func(error) bool
	// OnStateChange runs under the lock on every transition.
	OnStateChange func(from, to State)
}

// ── Breaker ──────────────────────────────────────────────────────────

// Breaker short-circuits calls to a dependency that keeps failing.
// While half-open exactly one probe runs; concurrent callers are
// rejected until it reports back.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	maxFailures   int
	cooldown      time.Duration
	trips         func(error) bool
	onStateChange func(from, to State)
	now           func() time.Time
}

// NewBreaker creates a closed breaker. A nil cfg uses the defaults.
func NewBreaker(cfg *BreakerConfig) *Breaker {
	if cfg == nil {
		cfg = &BreakerConfig{}
	}
	b := &Breaker{
		maxFailures:   cfg.MaxFailures,
		cooldown:      cfg.Cooldown,
		trips:         cfg.Trips,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = 5
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	return b
}

// Do runs fn unless the circuit is open, and records its outcome.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

// State returns the current state. An open circuit whose cool-down has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the circuit and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.transition(CircuitClosed)
}

// ── internal ─────────────────────────────────────────────────────────

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			return false, &OpenError{Failures: b.failures, RetryIn: b.cooldown - elapsed}
		}
		b.transition(CircuitHalfOpen)
		fallthrough
	case CircuitHalfOpen:
		if b.probing {
			return false, &OpenError{Failures: b.failures}
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	if err != nil && (b.trips == nil || b.trips(err)) {
		b.failures++
		if probe || b.failures >= b.maxFailures {
			b.openedAt = b.now()
			b.transition(CircuitOpen)
		}
		return
	}
	// A probe that ends without a tripping error proves the dependency
	// is reachable again.
	if probe || b.state == CircuitClosed {
		b.failures = 0
		b.transition(CircuitClosed)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
