// Package breaker implements per-provider circuit breaking. Two
// implementations share one interface: Memory keeps state in-process, and
// Distributed shares state across gateway instances through the store,
// falling back to a local record while the store is unreachable.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

const (
	// StateClosed allows calls to pass through normally.
	StateClosed State = iota
	// StateOpen rejects calls without invoking the operation.
	StateOpen
	// StateHalfOpen allows exactly one trial call to test recovery.
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
		return "unknown"
	}
}

// recoveryJitterFraction bounds the randomized slack added to the recovery
// timeout on each read, so callers across instances do not retry in lockstep.
const recoveryJitterFraction = 0.1

// OpenError is returned when the breaker rejects a call. It is always
// synchronous and cheap: the wrapped operation is never invoked.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open (retry after %s)", e.Name, e.RetryAfter)
}

// Config contains tuning for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive matching failures in
	// the closed state before the circuit opens.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a
	// half-open trial is allowed.
	RecoveryTimeout time.Duration

	// FailurePredicate decides whether an operation error counts against
	// the breaker. Errors that do not match propagate unchanged without
	// affecting breaker state. Nil means DefaultFailurePredicate.
	FailurePredicate func(error) bool

	// OnStateChange, when set, is invoked after every state transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

func (c Config) predicate() func(error) bool {
	if c.FailurePredicate != nil {
		return c.FailurePredicate
	}
	return DefaultFailurePredicate
}

// DefaultFailurePredicate counts every operation error as a breaker failure
// except caller cancellation.
func DefaultFailurePredicate(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Breaker gates calls to a single protected operation, typically one
// upstream provider.
type Breaker interface {
	// Name returns the breaker name.
	Name() string

	// State returns the current observable state.
	State() State

	// Call runs op through the breaker. When the circuit is open it
	// returns an OpenError without invoking op. Failures matching the
	// failure predicate count toward opening the circuit; cancellation
	// never does.
	Call(ctx context.Context, op func(context.Context) error) error
}
