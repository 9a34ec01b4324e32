package infra

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	StateClosed   BreakerState = iota // calls pass
	StateOpen                         // calls rejected until the cool-down ends
	StateHalfOpen                     // one probe call at a time
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerStatus is a point-in-time view of a breaker.
type BreakerStatus struct {
	State    BreakerState
	Failures int
	// RetryAt is when an open breaker admits its next probe.
	RetryAt time.Time
}

// CircuitBreakerConfig holds configuration for creating a circuit breaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // probe successes before closing again
	Timeout          time.Duration // cool-down before the first probe
	// IsFailure decides which errors count against the venue. Nil counts
	// every error.
	IsFailure func(error) bool
	Logger    *slog.Logger
}

// CircuitBreaker isolates a venue that keeps failing. Safe for concurrent
// use; while half-open only one call at a time reaches the venue.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger
	now func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(error) bool { return true }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{
		cfg: cfg,
		log: log.With(slog.String("breaker", cfg.Name)),
		now: time.Now,
	}
}

// Execute runs fn if the breaker admits it and records the outcome. Errors
// caused by ctx ending are the caller's, not the venue's, and are not
// counted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}
	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe {
		cb.probing = false
	}
	switch {
	case err != nil && ctx.Err() != nil:
	case err != nil && cb.cfg.IsFailure(err):
		cb.failureLocked()
	default:
		// Answered, even if the answer was no.
		cb.successLocked()
	}
	return err
}

func (cb *CircuitBreaker) admit() (probe, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Timeout {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.log.Info("Circuit breaker HALF_OPEN, probing venue")
	}
	if cb.probing {
		return false, false
	}
	cb.probing = true
	return true, true
}

func (cb *CircuitBreaker) successLocked() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failures, cb.successes = 0, 0
			cb.log.Info("Circuit breaker CLOSED (venue recovered)")
		}
	}
}

func (cb *CircuitBreaker) failureLocked() {
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.trip()
			cb.log.Warn("Circuit breaker OPEN", slog.Int("failures", cb.failures))
		}
	case StateHalfOpen:
		cb.trip()
		cb.log.Warn("Circuit breaker OPEN (probe failed)")
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.successes = 0
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns the state together with the failure count and next probe
// time.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := BreakerStatus{State: cb.state, Failures: cb.failures}
	if cb.state == StateOpen {
		st.RetryAt = cb.openedAt.Add(cb.cfg.Timeout)
	}
	return st
}
