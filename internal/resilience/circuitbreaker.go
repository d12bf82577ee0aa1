// Package resilience provides the circuit breaker the coordinator uses
// to stop processing fills after repeated fatal errors and surface an
// operator alert instead of retrying forever.
package resilience

import (
	"sync"
	"time"
)

// State is the lifecycle stage of a CircuitBreaker.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config tunes breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// DefaultConfig matches the coordinator's "a few consecutive fatal
// errors, then stop and alert" policy.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
	}
}

// CircuitBreaker trips after Config.FailureThreshold consecutive
// failures and requires Config.SuccessThreshold consecutive successes
// after OpenTimeout before resuming normal operation.
type CircuitBreaker struct {
	name   string
	cfg    Config
	clock  func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	consecutiveOK   int
	openedAt        time.Time
}

func New(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{name: name, cfg: cfg, state: Closed, clock: time.Now}
}

// Allow reports whether the caller may proceed. It transitions
// OPEN→HALF_OPEN once OpenTimeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if cb.clock().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
			cb.state = HalfOpen
			cb.consecutiveOK = 0
			return true
		}
		return false
	}
	return true
}

// RecordSuccess clears the failure streak, closing the circuit from
// HALF_OPEN once enough consecutive successes have landed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFail = 0
	if cb.state == HalfOpen {
		cb.consecutiveOK++
		if cb.consecutiveOK >= cb.cfg.SuccessThreshold {
			cb.state = Closed
		}
	}
}

// RecordFailure advances the failure streak, tripping the breaker to
// OPEN once FailureThreshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFail++
	if cb.state == HalfOpen {
		cb.state = Open
		cb.openedAt = cb.clock()
		return
	}
	if cb.consecutiveFail >= cb.cfg.FailureThreshold {
		cb.state = Open
		cb.openedAt = cb.clock()
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Reset forces the breaker back to CLOSED, e.g. after an operator
// acknowledges the alert.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = Closed
	cb.consecutiveFail = 0
	cb.consecutiveOK = 0
}
