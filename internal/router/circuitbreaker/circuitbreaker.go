// Package circuitbreaker tracks consecutive failures per key and stops
// traffic to keys that keep failing.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of one key's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

const (
	defaultFailureThreshold = 3
	defaultResetTimeout     = 30 * time.Second
)

// Config holds the breaker settings. Zero fields take defaults.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

type keyState struct {
	state     State
	failures  int
	openUntil time.Time
}

// CircuitBreaker is an in-memory breaker keyed by operation name.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*keyState
	now    func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	return &CircuitBreaker{
		cfg:    cfg,
		states: make(map[string]*keyState),
		now:    time.Now,
	}
}

// caller holds mu.
func (cb *CircuitBreaker) get(key string) *keyState {
	ks, ok := cb.states[key]
	if !ok {
		ks = &keyState{state: StateClosed}
		cb.states[key] = ks
	}
	return ks
}

// AllowRequest reports whether a call for key may proceed. An open circuit
// whose reset timeout has passed moves to HalfOpen and lets the call through.
func (cb *CircuitBreaker) AllowRequest(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ks := cb.get(key)
	switch ks.state {
	case StateOpen:
		if cb.now().Before(ks.openUntil) {
			return false
		}
		ks.state = StateHalfOpen
		ks.failures = 0
		return true
	default:
		return true
	}
}

// RecordFailure counts a failure for key. Reaching the threshold while
// Closed, or any failure while HalfOpen, opens the circuit.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ks := cb.get(key)
	switch ks.state {
	case StateClosed:
		ks.failures++
		if ks.failures >= cb.cfg.FailureThreshold {
			cb.trip(ks)
		}
	case StateHalfOpen:
		cb.trip(ks)
	case StateOpen:
	}
}

func (cb *CircuitBreaker) trip(ks *keyState) {
	ks.state = StateOpen
	ks.failures = cb.cfg.FailureThreshold
	ks.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
}

// RecordSuccess resets key's failures and closes a HalfOpen circuit.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ks := cb.get(key)
	if ks.state == StateOpen {
		return
	}
	ks.state = StateClosed
	ks.failures = 0
}

// Status returns the state and consecutive failures for key
// without moving it between states.
func (cb *CircuitBreaker) Status(key string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ks, ok := cb.states[key]
	if !ok {
		return StateClosed, 0
	}
	return ks.state, ks.failures
}

// Snapshot returns the state of every key seen so far.
func (cb *CircuitBreaker) Snapshot() map[string]State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make(map[string]State, len(cb.states))
	for k, ks := range cb.states {
		out[k] = ks.state
	}
	return out
}
