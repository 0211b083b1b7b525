// Package circuitbreaker guards calls to remote dependencies such as the
// identity service. After Threshold consecutive failures the breaker opens and
// rejects calls with ErrCircuitOpen until Timeout has passed; it then lets
// probe calls through (half-open) and closes again after SuccessThreshold
// consecutive successes.
//
// Errors the caller caused (rejected requests, missing objects) should not
// count against the dependency. Config.IsFailure decides which errors trip the
// breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned without calling the wrapped function while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config holds breaker tuning. Zero fields take the DefaultConfig value.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int

	// Timeout is how long the breaker stays open before admitting probes.
	Timeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes that
	// closes the breaker.
	SuccessThreshold int

	// IsFailure reports whether err counts against the dependency. Nil means
	// every non-nil error counts.
	IsFailure func(err error) bool
}

func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		Timeout:          30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	nowFunc   func() time.Time
}

// New builds a closed breaker. The name shows up in state-change logs.
func New(name string, cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		state:   StateClosed,
		nowFunc: time.Now,
	}
}

// Execute runs fn unless the breaker is open, and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// ExecuteContext is Execute for calls that take a context. A call that is
// abandoned because ctx ended is not held against the dependency.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	if cb.state == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil && cb.cfg.IsFailure(err) {
		cb.onFailureLocked(err)
		return
	}
	cb.onSuccessLocked()
}

func (cb *CircuitBreaker) onFailureLocked(err error) {
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.Threshold {
			cb.openLocked(err)
		}
	case StateHalfOpen:
		cb.failures = cb.cfg.Threshold
		cb.openLocked(err)
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(StateClosed)
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *CircuitBreaker) openLocked(cause error) {
	cb.openedAt = cb.nowFunc()
	cb.successes = 0
	log.Warn().Err(cause).Str("breaker", cb.name).Int("failures", cb.failures).
		Dur("retry_after", cb.cfg.Timeout).Msg("circuit breaker opened")
	cb.transitionLocked(StateOpen)
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && cb.nowFunc().Sub(cb.openedAt) > cb.cfg.Timeout {
		cb.successes = 0
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if to != StateOpen {
		log.Info().Str("breaker", cb.name).Stringer("from", from).Stringer("to", to).
			Msg("circuit breaker state change")
	}
}

// State reports the current position, moving an expired open breaker to
// half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Failures is the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failures = 0
	cb.successes = 0
}
