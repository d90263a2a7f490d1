package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows limited requests for testing recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and metrics.
	Name string
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SleepWindow is how long an open breaker waits before probing.
	SleepWindow time.Duration
	// HalfOpenSuccesses is how many probe successes close the breaker.
	HalfOpenSuccesses int
	Logger            core.Logger
}

// CircuitBreaker protects a dependency from repeated calls while it is
// failing. Closed passes everything through; FailureThreshold consecutive
// failures open it; after SleepWindow one probe at a time is let through,
// and HalfOpenSuccesses in a row close it again.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu           sync.Mutex
	state        CircuitState
	failures     int
	successes    int
	openedAt     time.Time
	probeInFly   bool
}

// NewCircuitBreaker creates a breaker with the given configuration.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SleepWindow <= 0 {
		cfg.SleepWindow = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn under the breaker. When the breaker is open and the
// sleep window has not elapsed, fn is not invoked and ErrCircuitOpen is
// returned immediately.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.SleepWindow {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probeInFly = true
		return nil
	default: // StateHalfOpen
		if cb.probeInFly {
			return ErrCircuitOpen
		}
		cb.probeInFly = true
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Context cancellation means the caller gave up, not that the
	// dependency is down.
	if errors.Is(err, context.Canceled) {
		cb.probeInFly = false
		return
	}

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.probeInFly = false
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold) {
			cb.openedAt = time.Now()
			cb.transition(StateOpen)
		}
		return
	}

	cb.probeInFly = false
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenSuccesses {
			cb.failures = 0
			cb.successes = 0
			cb.transition(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.cfg.Logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.cfg.Name,
		"from": from.String(),
		"to":   to.String(),
	})
}
