// Package executor runs a single provider operation under a retry policy.
// All retry decisions live here: the dispatcher decides which provider to
// try, the executor decides how hard to try it.
package executor

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	llmerrors "github.com/modelrelay/modelrelay/pkg/errors"
)

const (
	defaultMaxRetries     = 2
	defaultBaseDelay      = 200 * time.Millisecond
	defaultRetryAfter     = time.Second
	backoffJitterFraction = 0.1
)

// Policy controls retry behavior for one provider.
type Policy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// DefaultRetryAfter is the wait applied to throttling responses that
	// carry no explicit retry hint.
	DefaultRetryAfter time.Duration
}

// DefaultPolicy returns production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        defaultMaxRetries,
		BaseDelay:         defaultBaseDelay,
		DefaultRetryAfter: defaultRetryAfter,
	}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.DefaultRetryAfter <= 0 {
		p.DefaultRetryAfter = defaultRetryAfter
	}
	return p
}

// Attempt describes one finished try, for hooks and logging.
type Attempt struct {
	ID       string
	Provider string
	Number   int
	Err      error
	Delay    time.Duration
}

// Executor retries provider operations with exponential backoff. Terminal
// client errors fail immediately; throttling waits for the upstream's hint;
// transient failures back off exponentially with jitter. Cancellation aborts
// at once and is never retried.
type Executor struct {
	logger    *slog.Logger
	clock     clock.Clock
	onAttempt func(Attempt)

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock injects the clock used for backoff sleeps.
func WithClock(clk clock.Clock) Option {
	return func(e *Executor) { e.clock = clk }
}

// WithAttemptHook registers a callback invoked after every attempt.
func WithAttemptHook(fn func(Attempt)) Option {
	return func(e *Executor) { e.onAttempt = fn }
}

// New creates an executor.
func New(logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		logger: logger,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rng = rand.New(rand.NewSource(e.clock.Now().UnixNano()))
	return e
}

// Do runs op under the policy and returns the last attempt's error
// unchanged, so callers can still inspect its type and status.
func (e *Executor) Do(ctx context.Context, providerName string, pol Policy, op func(context.Context) error) error {
	pol = pol.withDefaults()
	id := uuid.NewString()

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)

		delay, retry := e.evaluate(ctx, pol, attempt, err)
		e.report(Attempt{
			ID:       id,
			Provider: providerName,
			Number:   attempt,
			Err:      err,
			Delay:    delay,
		})
		if !retry {
			return err
		}

		e.logger.Debug("retrying provider call",
			"attempt_id", id,
			"provider", providerName,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if !e.sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// evaluate decides whether the attempt's error warrants another try and how
// long to wait first.
func (e *Executor) evaluate(ctx context.Context, pol Policy, attempt int, err error) (time.Duration, bool) {
	if err == nil || ctx.Err() != nil {
		return 0, false
	}
	if attempt > pol.MaxRetries {
		return 0, false
	}
	if !llmerrors.IsRetryable(err) {
		return 0, false
	}
	return e.delayFor(pol, attempt, err), true
}

// delayFor returns the wait before the next attempt. Throttling honors the
// upstream's hint; everything else backs off exponentially from BaseDelay
// with up to 10% jitter either way.
func (e *Executor) delayFor(pol Policy, attempt int, err error) time.Duration {
	if pe, ok := llmerrors.AsProviderError(err); ok && pe.StatusCode == 429 {
		if pe.RetryAfter > 0 {
			return pe.RetryAfter
		}
		return pol.DefaultRetryAfter
	}

	delay := pol.BaseDelay << (attempt - 1)
	jitter := time.Duration((e.random()*2 - 1) * backoffJitterFraction * float64(delay))
	return delay + jitter
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	timer := e.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Executor) random() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

func (e *Executor) report(a Attempt) {
	if e.onAttempt != nil {
		e.onAttempt(a)
	}
}
