package breaker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Memory is the single-process circuit breaker. It is the default when no
// shared store is configured and the fallback target while the store is
// unreachable.
type Memory struct {
	mu        sync.Mutex
	name      string
	cfg       Config
	state     State
	failures  int
	trial     bool
	changedAt time.Time
	clock     clock.Clock
	rng       *rand.Rand
}

// NewMemory creates an in-memory circuit breaker.
func NewMemory(name string, cfg Config) *Memory {
	return NewMemoryWithClock(name, cfg, clock.New())
}

// NewMemoryWithClock creates an in-memory breaker with an injected clock.
func NewMemoryWithClock(name string, cfg Config, clk clock.Clock) *Memory {
	return &Memory{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		clock: clk,
		rng:   rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// Name returns the breaker name.
func (m *Memory) Name() string { return m.name }

// State returns the current state.
func (m *Memory) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Call runs op through the breaker.
func (m *Memory) Call(ctx context.Context, op func(context.Context) error) error {
	if err := m.allow(); err != nil {
		return err
	}

	err := op(ctx)
	if err == nil {
		m.recordSuccess()
		return nil
	}

	if ctx.Err() != nil || !m.cfg.predicate()(err) {
		// Cancellation and non-matching errors propagate unchanged and
		// release a half-open trial for the next caller.
		m.releaseTrial()
		return err
	}

	m.recordFailure()
	return err
}

// allow evaluates admission, transitioning an expired open circuit to
// half-open first. It returns an OpenError when the call must be rejected.
func (m *Memory) allow() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.state == StateOpen && now.Sub(m.changedAt) > m.cfg.RecoveryTimeout+m.jitter() {
		m.transitionTo(StateHalfOpen, now)
		m.trial = false
	}

	switch m.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if m.trial {
			return m.openError(now)
		}
		m.trial = true
		return nil
	default:
		return m.openError(now)
	}
}

func (m *Memory) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateHalfOpen:
		m.transitionTo(StateClosed, m.clock.Now())
		m.failures = 0
		m.trial = false
	case StateClosed:
		m.failures = 0
	}
}

func (m *Memory) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	switch m.state {
	case StateClosed:
		m.failures++
		if m.failures >= m.cfg.FailureThreshold {
			m.transitionTo(StateOpen, now)
			m.failures = 0
		}
	case StateHalfOpen:
		m.transitionTo(StateOpen, now)
		m.trial = false
	}
}

func (m *Memory) releaseTrial() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateHalfOpen {
		m.trial = false
	}
}

func (m *Memory) openError(now time.Time) *OpenError {
	retryAfter := m.changedAt.Add(m.cfg.RecoveryTimeout).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &OpenError{Name: m.name, RetryAfter: retryAfter}
}

// jitter returns a random slack of up to 10% of the recovery timeout,
// drawn fresh on every read. Callers must hold m.mu.
func (m *Memory) jitter() time.Duration {
	return time.Duration(m.rng.Float64() * recoveryJitterFraction * float64(m.cfg.RecoveryTimeout))
}

func (m *Memory) transitionTo(next State, now time.Time) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next
	m.changedAt = now

	if m.cfg.OnStateChange != nil {
		go m.cfg.OnStateChange(m.name, prev, next)
	}
}
