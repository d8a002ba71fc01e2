package concurrency

import (
	"fmt"
	"sync"
	"time"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed indicates the circuit is closed and operations are allowed
	StateClosed CircuitBreakerState = 0

	// StateOpen indicates the circuit is open and operations are blocked
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen indicates the circuit is admitting a limited number of trial calls
	StateHalfOpen CircuitBreakerState = 2
)

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold" validate:"min=1"`
	OpenTimeout        time.Duration `yaml:"open_timeout" validate:"gt=0"`
	HalfOpenTrialCount int           `yaml:"half_open_trial_count" validate:"min=1"`
	SuccessThreshold   int           `yaml:"success_threshold" validate:"min=1"`
}

// DefaultBreakerConfig returns the default circuit breaker thresholds
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   5,
		OpenTimeout:        30 * time.Second,
		HalfOpenTrialCount: 2,
		SuccessThreshold:   2,
	}
}

// Transition describes a breaker state change
type Transition struct {
	Target string
	From   CircuitBreakerState
	To     CircuitBreakerState
	At     time.Time
}

// BreakerOption customizes a CircuitBreaker
type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithTransitionHook registers a callback invoked after every state change,
// outside the breaker lock.
func WithTransitionHook(fn func(Transition)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onTransition = fn }
}

// BreakerSnapshot is a point-in-time copy of a breaker's state
type BreakerSnapshot struct {
	Target               string    `json:"target"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastTransitionAt     time.Time `json:"last_transition_at"`
}

// CircuitBreaker prevents cascade failures against a single downstream target.
// All counters are guarded by one mutex per breaker.
type CircuitBreaker struct {
	target string
	cfg    BreakerConfig

	state                CircuitBreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	trialsInFlight       int
	openedAt             time.Time
	lastTransitionAt     time.Time

	now          func() time.Time
	onTransition func(Transition)
	mu           sync.Mutex
}

// NewCircuitBreaker creates a closed breaker for target
func NewCircuitBreaker(target string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenTrialCount <= 0 {
		cfg.HalfOpenTrialCount = def.HalfOpenTrialCount
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}

	cb := &CircuitBreaker{
		target: target,
		cfg:    cfg,
		state:  StateClosed,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastTransitionAt = cb.now()
	return cb
}

// Allow asks for permission to call the target. In half-open state at most
// HalfOpenTrialCount calls are admitted until their outcomes are recorded.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	tr := cb.refreshLocked()

	var err error
	switch cb.state {
	case StateOpen:
		err = cb.openErrorLocked()
	case StateHalfOpen:
		if cb.trialsInFlight >= cb.cfg.HalfOpenTrialCount {
			err = talerrors.Newf(talerrors.KindCircuitOpen, "circuit breaker for %s is half-open and trial calls are exhausted", cb.target)
		} else {
			cb.trialsInFlight++
		}
	}
	cb.mu.Unlock()

	cb.notify(tr)
	return err
}

// IsOpen returns true if the circuit breaker is currently open (blocking operations)
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	tr := cb.refreshLocked()
	open := cb.state == StateOpen
	cb.mu.Unlock()

	cb.notify(tr)
	return open
}

// OpenRemaining returns how long the breaker stays open, zero when it is not open
func (cb *CircuitBreaker) OpenRemaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.cfg.OpenTimeout - cb.now().Sub(cb.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var tr *Transition

	cb.consecutiveFailures = 0
	switch cb.state {
	case StateHalfOpen:
		cb.releaseTrialLocked()
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			tr = cb.transitionLocked(StateClosed)
		}
	case StateClosed:
		cb.consecutiveSuccesses++
	}
	cb.mu.Unlock()

	cb.notify(tr)
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var tr *Transition

	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			tr = cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in half-open state reopens the circuit
		cb.releaseTrialLocked()
		tr = cb.transitionLocked(StateOpen)
	}
	cb.mu.Unlock()

	cb.notify(tr)
}

// ReleaseTrial gives back a half-open permit whose call never reached the target
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.releaseTrialLocked()
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	tr := cb.refreshLocked()
	state := cb.state
	cb.mu.Unlock()

	cb.notify(tr)
	return state
}

// GetConsecutiveFailures returns the current number of consecutive failures
func (cb *CircuitBreaker) GetConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Snapshot returns a copy of the breaker state
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	tr := cb.refreshLocked()
	snap := BreakerSnapshot{
		Target:               cb.target,
		State:                cb.state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastTransitionAt:     cb.lastTransitionAt,
	}
	cb.mu.Unlock()

	cb.notify(tr)
	return snap
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.transitionLocked(StateClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.trialsInFlight = 0
	cb.mu.Unlock()

	cb.notify(tr)
}

// refreshLocked moves an open breaker to half-open once OpenTimeout has elapsed
func (cb *CircuitBreaker) refreshLocked() *Transition {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
		return cb.transitionLocked(StateHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) openErrorLocked() error {
	remaining := cb.cfg.OpenTimeout - cb.now().Sub(cb.openedAt)
	return talerrors.Newf(talerrors.KindCircuitOpen, "circuit breaker for %s is open, retry in %s", cb.target, remaining.Round(time.Millisecond))
}

func (cb *CircuitBreaker) releaseTrialLocked() {
	if cb.trialsInFlight > 0 {
		cb.trialsInFlight--
	}
}

// transitionLocked changes state and resets the counters owned by the new state
func (cb *CircuitBreaker) transitionLocked(newState CircuitBreakerState) *Transition {
	oldState := cb.state
	if oldState == newState {
		return nil
	}

	now := cb.now()
	cb.state = newState
	cb.lastTransitionAt = now

	switch newState {
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
		cb.trialsInFlight = 0
	case StateOpen:
		cb.openedAt = now
		cb.consecutiveSuccesses = 0
		cb.trialsInFlight = 0
	case StateHalfOpen:
		cb.consecutiveSuccesses = 0
		cb.trialsInFlight = 0
	}

	return &Transition{Target: cb.target, From: oldState, To: newState, At: now}
}

func (cb *CircuitBreaker) notify(tr *Transition) {
	if tr != nil && cb.onTransition != nil {
		cb.onTransition(*tr)
	}
}

// String implements fmt.Stringer
func (cb *CircuitBreaker) String() string {
	s := cb.Snapshot()
	return fmt.Sprintf("CircuitBreaker{target: %s, state: %s, failures: %d}", s.Target, s.State, s.ConsecutiveFailures)
}
