// Package resilience lets the turn engine fail fast while a provider is down.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [GuardLLM] and [GuardTTS] wrap providers so that every stage call passes
// through a breaker: while it is open a call returns [ErrCircuitOpen]
// immediately, which the pipeline reports as an ordinary stage failure.
// There is no failover between providers.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One failed
	// probe re-opens the breaker; HalfOpenMax successful probes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log messages, e.g. "llm/openai".
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// now is replaced in tests.
	now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probes     int
	probeWins  int
	generation uint64
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Allow asks the breaker for permission to make one call. On success the
// caller must invoke done exactly once with the outcome of the call; on
// rejection it returns [ErrCircuitOpen] and a nil done.
//
// A call that ends with context.Canceled counts as neither success nor
// failure: the caller gave up on it.
//
// Allow suits calls whose outcome is only known later, such as a stream
// that must be drained. For synchronous calls use [CircuitBreaker.Execute].
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.cfg.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.probes++
	}
	gen := cb.generation
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.record(gen, err) })
	}, nil
}

// Execute runs fn if the breaker allows it and records its outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

// Call is [CircuitBreaker.Execute] for functions that return a value.
func Call[R any](cb *CircuitBreaker, fn func() (R, error)) (R, error) {
	done, err := cb.Allow()
	if err != nil {
		var zero R
		return zero, err
	}
	r, err := fn()
	done(err)
	return r, err
}

// record applies the outcome of a call admitted in generation gen. Outcomes
// from before the last transition are ignored.
func (cb *CircuitBreaker) record(gen uint64, err error) {
	cb.mu.Lock()
	from := cb.state
	if gen != cb.generation {
		cb.mu.Unlock()
		return
	}

	switch {
	case errors.Is(err, context.Canceled):
		if cb.state == StateHalfOpen {
			cb.probes--
		}
	case err != nil && cb.state == StateHalfOpen:
		cb.trip()
		cb.cfg.Logger.Warn("resilience: breaker re-opened by failed probe", "name", cb.cfg.Name, "err", err)
	case err != nil:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
			cb.cfg.Logger.Warn("resilience: breaker opened",
				"name", cb.cfg.Name,
				"consecutive_failures", cb.failures,
				"err", err,
			)
		}
	case cb.state == StateHalfOpen:
		cb.probeWins++
		if cb.probeWins >= cb.cfg.HalfOpenMax {
			cb.setState(StateClosed)
			cb.cfg.Logger.Info("resilience: breaker closed", "name", cb.cfg.Name)
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.setState(StateOpen)
	cb.openedAt = cb.cfg.now()
}

// setState switches state and clears the per-state counters. Must be called
// with cb.mu held.
func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	cb.failures = 0
	cb.probes = 0
	cb.probeWins = 0
	cb.generation++
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setState(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
	cb.cfg.Logger.Info("resilience: breaker manually reset", "name", cb.cfg.Name)
}
