package sqlite

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker implements a 3-state circuit breaker:
// CLOSED (normal) -> OPEN (failing) -> HALF_OPEN (probing) -> CLOSED.
//
// Only errors accepted by the failure classifier count toward the threshold,
// so outcomes such as "not found" or a lost version race never trip it.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	isFailure    func(error) bool
	onChange     func(from, to BreakerState)
	nowFunc      func() time.Time // for testing
}

// NewCircuitBreaker creates a circuit breaker with the given threshold and reset timeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		isFailure:    func(err error) bool { return err != nil },
		nowFunc:      time.Now,
	}
}

// WithFailureClassifier sets which errors count as failures.
func (cb *CircuitBreaker) WithFailureClassifier(fn func(error) bool) *CircuitBreaker {
	cb.isFailure = func(err error) bool { return err != nil && fn(err) }
	return cb
}

// OnStateChange registers fn to run, under the breaker's lock, on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) *CircuitBreaker {
	cb.onChange = fn
	return cb
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen if the
// breaker is open and the reset timeout hasn't elapsed.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		err := fn()
		cb.mu.Lock()
		if cb.isFailure(err) {
			cb.failures++
			if cb.failures >= cb.threshold {
				cb.setState(StateOpen)
				cb.lastFailure = cb.nowFunc()
			}
		} else {
			cb.failures = 0
		}
		cb.mu.Unlock()
		return err

	case StateOpen:
		if cb.nowFunc().Sub(cb.lastFailure) >= cb.resetTimeout {
			// One probe request per reset cycle.
			cb.setState(StateHalfOpen)
			cb.mu.Unlock()
			err := fn()
			cb.mu.Lock()
			if cb.isFailure(err) {
				cb.setState(StateOpen)
				cb.lastFailure = cb.nowFunc()
			} else {
				cb.setState(StateClosed)
				cb.failures = 0
			}
			cb.mu.Unlock()
			return err
		}
		cb.mu.Unlock()
		return ErrCircuitOpen

	default:
		// HALF_OPEN: the probe is already in flight.
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) setState(s BreakerState) {
	if cb.state == s {
		return
	}
	from := cb.state
	cb.state = s
	if cb.onChange != nil {
		cb.onChange(from, s)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
