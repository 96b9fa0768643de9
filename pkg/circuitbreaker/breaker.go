package circuitbreaker

import (
	"sort"
	"sync"
	"time"
)

// State is the externally visible state of a breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateDisabled State = "disabled"
)

// CircuitBreaker trips after threshold failures within a window and
// lets traffic through again once the reset timeout has passed
type CircuitBreaker struct {
	name          string
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	now           func() time.Time
	onChange      func(name string, open bool)
	mu            sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, enabled bool, threshold int, window time.Duration, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:          name,
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		now:           time.Now,
	}
}

// Name returns the key the breaker guards
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// OnStateChange registers a hook called whenever the breaker opens or closes
func (cb *CircuitBreaker) OnStateChange(fn func(name string, open bool)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// RecordFailure records a failure and trips the circuit if threshold is reached.
// Returns true when the circuit is open after the call.
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.tripped {
		if now.Sub(cb.tripTime) <= cb.resetTimeout {
			return true
		}
		cb.close()
	}

	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		if cb.onChange != nil {
			cb.onChange(cb.name, true)
		}
		return true
	}

	return false
}

// RecordSuccess clears the failure streak of a closed breaker
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.failureCount = 0
	}
}

// IsOpen returns true if the circuit is open (tripped)
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped && cb.now().Sub(cb.tripTime) > cb.resetTimeout {
		cb.close()
		return false
	}

	return cb.tripped
}

// Reset manually closes the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.close()
}

// close must be called with mu held
func (cb *CircuitBreaker) close() {
	wasOpen := cb.tripped
	cb.tripped = false
	cb.failureCount = 0
	if wasOpen && cb.onChange != nil {
		cb.onChange(cb.name, false)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() (failureCount int, lastFailure time.Time, failureWindow time.Duration, failThreshold int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount, cb.lastFailure, cb.failureWindow, cb.failThreshold
}

// GetTripTime returns the time when the circuit was tripped
func (cb *CircuitBreaker) GetTripTime() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripTime
}

// IsEnabled returns true if the circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.enabled
}

// Status returns the breaker state for reporting
func (cb *CircuitBreaker) Status() State {
	if !cb.IsEnabled() {
		return StateDisabled
	}
	if cb.IsOpen() {
		return StateOpen
	}
	return StateClosed
}

// Set holds one breaker per key, created lazily with shared settings
type Set struct {
	enabled   bool
	threshold int
	window    time.Duration
	reset     time.Duration
	onChange  func(name string, open bool)

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewSet creates an empty set of breakers
func NewSet(enabled bool, threshold int, window, reset time.Duration, onChange func(name string, open bool)) *Set {
	return &Set{
		enabled:   enabled,
		threshold: threshold,
		window:    window,
		reset:     reset,
		onChange:  onChange,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use
func (s *Set) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(key, s.enabled, s.threshold, s.window, s.reset)
		cb.onChange = s.onChange
		s.breakers[key] = cb
	}
	return cb
}

// Lookup returns an existing breaker without creating one
func (s *Set) Lookup(key string) (*CircuitBreaker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	return cb, ok
}

// States returns the state of every known breaker
func (s *Set) States() map[string]State {
	s.mu.Lock()
	keys := make([]string, 0, len(s.breakers))
	for k := range s.breakers {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Strings(keys)
	out := make(map[string]State, len(keys))
	for _, k := range keys {
		cb, _ := s.Lookup(k)
		out[k] = cb.Status()
	}
	return out
}
