package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's position.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected until the reset timeout
	StateHalfOpen              // a single probe call is allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker guards the redis write path. It trips open after a run of
// consecutive failures, rejects everything for resetTimeout, then lets one
// probe through: a successful probe closes the breaker, a failed probe
// reopens it.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	maxFailures  int
	resetTimeout time.Duration
	failures     int       // consecutive failure run
	lastFailure  time.Time // when the run last grew
	probing      bool      // half-open probe in flight

	// OnStateChange, when set, fires on every transition. Called with the
	// breaker lock held, so keep it cheap.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker builds a closed breaker that trips after maxFailures
// consecutive errors and probes again after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{maxFailures: maxFailures, resetTimeout: resetTimeout}
}

// Execute runs fn under the breaker's admission rules. While open (and the
// timeout has not elapsed) or while another probe is in flight, it returns
// ErrCircuitOpen without invoking fn; otherwise fn's own error is returned
// and counted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) <= cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.shift(StateHalfOpen)
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.shift(StateOpen)
		}
		return err
	}

	if cb.state == StateHalfOpen {
		cb.shift(StateClosed)
	}
	cb.failures = 0
	return nil
}

// CurrentState reports the breaker's position.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) shift(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
