package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	MaxFailures  int           // Consecutive failures before opening
	ResetTimeout time.Duration // Time open before probing again

	// MaxHalfOpenReqs is both the number of concurrent probes allowed
	// while half-open and the successes needed to close.
	MaxHalfOpenReqs int

	// OnStateChange, when set, is called with the lock released.
	OnStateChange func(from, to State)

	Now func() time.Time
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:     5,
		ResetTimeout:    30 * time.Second,
		MaxHalfOpenReqs: 3,
	}
}

// CircuitBreaker stops calls to a failing peer until ResetTimeout has
// passed, then lets a few probes through before closing again.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config

	state           State
	failures        int
	successes       int
	inFlight        int
	lastStateChange time.Time
}

// New creates a new circuit breaker with the given configuration
func New(config Config) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.MaxHalfOpenReqs <= 0 {
		config.MaxHalfOpenReqs = 3
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: config.Now(),
	}
}

// Execute runs fn if the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// Allow admits a call or rejects it with ErrCircuitOpen or
// ErrTooManyRequests. Every admitted call must be followed by Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	var err error

	switch cb.state {
	case StateOpen:
		if cb.config.Now().Sub(cb.lastStateChange) < cb.config.ResetTimeout {
			err = ErrCircuitOpen
			break
		}
		cb.transition(StateHalfOpen)
		cb.inFlight++
	case StateHalfOpen:
		if cb.inFlight >= cb.config.MaxHalfOpenReqs {
			err = ErrTooManyRequests
			break
		}
		cb.inFlight++
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return err
}

// Record reports the outcome of an admitted call.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	from := cb.state

	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil {
		cb.failures++
		switch {
		case cb.state == StateHalfOpen:
			cb.transition(StateOpen)
		case cb.state == StateClosed && cb.failures >= cb.config.MaxFailures:
			cb.transition(StateOpen)
		}
	} else {
		switch cb.state {
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.MaxHalfOpenReqs {
				cb.transition(StateClosed)
			}
		case StateClosed:
			cb.failures = 0
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	cb.state = to
	cb.lastStateChange = cb.config.Now()
	cb.successes = 0
	cb.inFlight = 0
	if to == StateClosed {
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.transition(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
