// Package download implements the HTTP/3 segment download manager: QUIC
// connection lifecycle per origin, stream concurrency limiting, origin-level
// circuit breaking, and H3 transfer-event parsing feeding the bandwidth
// estimator.
package download

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// CircuitState represents the state of an origin's circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows connection attempts through normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects connection attempts immediately.
	CircuitOpen
	// CircuitHalfOpen lets every connection attempt through as a probe
	// until a failure reopens the circuit or recorded successes close it.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
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

// ErrCircuitOpen is returned when an origin's circuit breaker is open.
var ErrCircuitOpen = errors.New("origin circuit breaker is open")

// IsConnectionError reports whether err reflects a failure of the QUIC
// connection itself rather than a single stream. *quic.StreamError and
// *quic.ApplicationError are scoped to one stream (e.g. a cancelled
// fetch) and must not trip an origin's breaker; a transport failure,
// idle timeout, handshake timeout, or the connection attempt's context
// deadline expiring are all connection-level and should.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return false
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return false
	}
	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return true
	}
	var handshakeErr *quic.HandshakeTimeoutError
	if errors.As(err, &handshakeErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// CircuitBreakerConfig holds configuration for a per-origin circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive connection failures
	// before the circuit opens.
	FailureThreshold int
	// SuccessThreshold is the number of successful probes in half-open
	// state required to close the circuit.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before allowing a
	// half-open probe.
	Timeout time.Duration
	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to CircuitState)
	// FailureClassifier decides whether an error returned from Execute's
	// function counts against the breaker. Nil defaults to
	// IsConnectionError, so a cancelled stream doesn't open the breaker
	// for an origin whose connection is healthy.
	FailureClassifier func(error) bool
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		Timeout:           30 * time.Second,
		FailureClassifier: IsConnectionError,
	}
}

// CircuitBreaker guards QUIC connection establishment to a single origin.
// The download manager runs each segment request's round trip through
// Execute, but only errors its FailureClassifier accepts (by default
// connection-level ones) count against the breaker; a failed segment
// request is logged and not retried.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureClassifier == nil {
		config.FailureClassifier = IsConnectionError
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// isFailure reports whether err should count against the breaker,
// consulting the configured FailureClassifier.
func (cb *CircuitBreaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	return cb.config.FailureClassifier(err)
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Timeout {
		return CircuitHalfOpen
	}

	return cb.state
}

// Allow checks if a connection attempt is allowed through.
func (cb *CircuitBreaker) Allow() bool {
	state := cb.State()
	return state == CircuitClosed || state == CircuitHalfOpen
}

// Execute runs a connection-establishment function through the circuit
// breaker. Only errors the configured FailureClassifier accepts as
// connection-level count against the breaker; a stream-scoped error
// still propagates to the caller but leaves the breaker's counters
// untouched, recorded as neither a success nor a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case cb.isFailure(err):
		cb.RecordFailure()
	}

	return err
}

// RecordSuccess records a successful connection attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Timeout {
			cb.state = CircuitHalfOpen
			cb.successes = 1
		}
	}
}

// RecordFailure records a failed connection attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}

	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)

	case CircuitOpen:
		// already open
	}
}

// transitionTo changes the circuit state (must be called with lock held).
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	cb.failures = 0
	cb.successes = 0

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState)
	}
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed)
	} else {
		cb.failures = 0
		cb.successes = 0
	}
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitStats{
		State:           cb.State().String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// CircuitStats holds circuit breaker statistics.
type CircuitStats struct {
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreakerRegistry manages one circuit breaker per origin.
type CircuitBreakerRegistry struct {
	config CircuitBreakerConfig
	mu     sync.RWMutex
	cbs    map[string]*CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new registry.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		config: config,
		cbs:    make(map[string]*CircuitBreaker),
	}
}

// Get returns or creates the circuit breaker for the given origin.
func (r *CircuitBreakerRegistry) Get(origin string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.cbs[origin]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.cbs[origin]; ok {
		return cb
	}

	cb = NewCircuitBreaker(r.config)
	r.cbs[origin] = cb
	return cb
}

// OpenOrigins returns the origins whose circuit breaker is currently open.
func (r *CircuitBreakerRegistry) OpenOrigins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for origin, cb := range r.cbs {
		if cb.State() == CircuitOpen {
			open = append(open, origin)
		}
	}
	return open
}
