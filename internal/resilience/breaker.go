package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tether/internal/clienterr"
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation - requests pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures - requests are rejected.
	CircuitOpen
	// CircuitHalfOpen is testing recovery - requests pass and are scored.
	CircuitHalfOpen
)

// String returns a human-readable state name.
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

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Name identifies the endpoint in logs and metrics.
	Name string

	// FailureThreshold is the number of failures before opening (default: 5).
	FailureThreshold uint

	// BreakDuration is how long to stay open before half-open (default: 30s).
	BreakDuration time.Duration

	// SuccessThreshold is consecutive half-open successes needed to close (default: 2).
	SuccessThreshold uint

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		BreakDuration:    30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Validate checks the configuration.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold == 0 {
		return fmt.Errorf("circuit breaker %q: failure threshold must be at least 1", c.Name)
	}
	if c.SuccessThreshold == 0 {
		return fmt.Errorf("circuit breaker %q: success threshold must be at least 1", c.Name)
	}
	if c.BreakDuration < 0 {
		return fmt.Errorf("circuit breaker %q: break duration must not be negative", c.Name)
	}
	return nil
}

// BreakerStats is a point-in-time view of a breaker.
type BreakerStats struct {
	Name              string    `json:"name"`
	State             string    `json:"state"`
	FailureCount      uint      `json:"failure_count"`
	HalfOpenSuccesses uint      `json:"half_open_successes"`
	LastFailure       time.Time `json:"last_failure,omitempty"`
	TotalCalls        int64     `json:"total_calls"`
	TotalFailures     int64     `json:"total_failures"`
	TotalRejections   int64     `json:"total_rejections"`
}

// CircuitBreaker is the mutable breaker state for one logical endpoint.
// It is created once per endpoint and lives as long as the client.
//
// Thread Safety: Safe for concurrent use; all bookkeeping happens under mu.
type CircuitBreaker struct {
	config BreakerConfig
	clock  Clock

	mu                sync.Mutex
	state             CircuitState
	failureCount      uint
	halfOpenSuccesses uint
	lastFailure       time.Time

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a closed breaker. Zero thresholds fall back to
// the defaults. A nil clock means the system clock.
func NewCircuitBreaker(config BreakerConfig, clock Clock) *CircuitBreaker {
	def := DefaultBreakerConfig(config.Name)
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &CircuitBreaker{
		config: config,
		clock:  clock,
		state:  CircuitClosed,
	}
}

// Name returns the endpoint name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// State returns the current circuit state without transitioning.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow gates one attempt. It returns a CIRCUIT_OPEN error while the breaker
// is open and the break duration has not elapsed; once it has, the breaker
// moves to half-open and the attempt is allowed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	cb.totalCalls++

	if cb.state != CircuitOpen {
		cb.mu.Unlock()
		return nil
	}

	if cb.clock.Now().Sub(cb.lastFailure) < cb.config.BreakDuration {
		cb.totalRejections++
		remaining := cb.config.BreakDuration - cb.clock.Now().Sub(cb.lastFailure)
		cb.mu.Unlock()
		return clienterr.New(clienterr.KindCircuitOpen, "circuit %q is open, retry in %s", cb.config.Name, remaining.Round(time.Millisecond))
	}

	from := cb.transitionLocked(CircuitHalfOpen)
	cb.mu.Unlock()
	cb.notify(from, CircuitHalfOpen)
	return nil
}

// RecordSuccess records a successful attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
			from := cb.transitionLocked(CircuitClosed)
			cb.mu.Unlock()
			cb.notify(from, CircuitClosed)
			return
		}
	case CircuitClosed:
		cb.failureCount = 0
	}
	cb.mu.Unlock()
}

// RecordFailure records a service-impacting failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()

	cb.totalFailures++
	cb.halfOpenSuccesses = 0
	cb.failureCount++
	cb.lastFailure = cb.clock.Now()

	if cb.state == CircuitHalfOpen || (cb.state == CircuitClosed && cb.failureCount >= cb.config.FailureThreshold) {
		from := cb.transitionLocked(CircuitOpen)
		cb.mu.Unlock()
		cb.notify(from, CircuitOpen)
		return
	}
	cb.mu.Unlock()
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.transitionLocked(CircuitClosed)
	cb.mu.Unlock()
	if from != CircuitClosed {
		cb.notify(from, CircuitClosed)
	}
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:              cb.config.Name,
		State:             cb.state.String(),
		FailureCount:      cb.failureCount,
		HalfOpenSuccesses: cb.halfOpenSuccesses,
		LastFailure:       cb.lastFailure,
		TotalCalls:        cb.totalCalls,
		TotalFailures:     cb.totalFailures,
		TotalRejections:   cb.totalRejections,
	}
}

// transitionLocked moves to the new state and returns the old one.
// Must be called with mu held.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) CircuitState {
	from := cb.state
	cb.state = to
	switch to {
	case CircuitClosed:
		cb.failureCount = 0
		cb.halfOpenSuccesses = 0
	case CircuitHalfOpen:
		cb.halfOpenSuccesses = 0
	}
	return from
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if from == to {
		return
	}
	slog.Info("circuit breaker state change",
		"breaker", cb.config.Name,
		"from", from.String(),
		"to", to.String(),
	)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
