// Package dispatch is the composition root of the gateway's hot path. For
// each inbound request it checks admission, selects candidate providers, and
// walks them in order through their circuit breakers until one answers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelrelay/modelrelay/internal/breaker"
	"github.com/modelrelay/modelrelay/internal/executor"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/pkg/provider"
	"github.com/modelrelay/modelrelay/pkg/types"
)

// Endpoint names used for rate-limit accounting.
const (
	EndpointChat       = "chat"
	EndpointEmbeddings = "embeddings"
)

// Cause classifies why no provider could serve a request.
type Cause string

const (
	// CauseRateLimited: every candidate was skipped by its rate ceiling.
	CauseRateLimited Cause = "rate_limited"
	// CauseCircuitOpen: every attempted candidate had an open breaker.
	CauseCircuitOpen Cause = "circuit_open"
	// CauseUpstreamFailure: at least one candidate was called and failed.
	CauseUpstreamFailure Cause = "upstream_failure"
	// CauseNoCandidates: no provider in rotation serves the model.
	CauseNoCandidates Cause = "no_candidates"
)

// NoProviderError aggregates a fully exhausted candidate walk. Err holds the
// last provider failure when there was one; it never contains credentials.
type NoProviderError struct {
	Model string
	Cause Cause
	Err   error
}

func (e *NoProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no provider available for model %q (%s): %v", e.Model, e.Cause, e.Err)
	}
	return fmt.Sprintf("no provider available for model %q (%s)", e.Model, e.Cause)
}

func (e *NoProviderError) Unwrap() error { return e.Err }

// BreakerFactory builds the circuit breaker for a provider name. The choice
// between distributed and in-memory breakers is made here, once, by whoever
// wires the dispatcher.
type BreakerFactory func(name string) breaker.Breaker

// Config wires a Dispatcher.
type Config struct {
	Limiter    ratelimit.Limiter
	Registry   *registry.Registry
	Executor   *executor.Executor
	NewBreaker BreakerFactory
	// Policies maps provider name to its retry policy. Providers without
	// an entry use DefaultPolicy.
	Policies      map[string]executor.Policy
	DefaultPolicy executor.Policy
	Logger        *slog.Logger
}

// Dispatcher routes requests to providers. Breakers are created lazily, one
// per provider, on first dispatch to that provider.
type Dispatcher struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]breaker.Breaker
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Unlimited{}
	}
	if cfg.DefaultPolicy == (executor.Policy{}) {
		cfg.DefaultPolicy = executor.DefaultPolicy()
	}
	return &Dispatcher{
		cfg:      cfg,
		breakers: make(map[string]breaker.Breaker),
	}
}

// DispatchCompletion routes a chat completion.
func (d *Dispatcher) DispatchCompletion(ctx context.Context, id ratelimit.Identity, req *types.ChatRequest) (*types.ChatResponse, error) {
	var resp *types.ChatResponse
	err := d.dispatch(ctx, id, EndpointChat, req.Model, func(ctx context.Context, p provider.Provider) error {
		var err error
		resp, err = p.CreateCompletion(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// DispatchEmbeddings routes an embeddings request.
func (d *Dispatcher) DispatchEmbeddings(ctx context.Context, id ratelimit.Identity, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	var resp *types.EmbeddingResponse
	err := d.dispatch(ctx, id, EndpointEmbeddings, req.Model, func(ctx context.Context, p provider.Provider) error {
		var err error
		resp, err = p.CreateEmbeddings(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// dispatch runs the admission check and the candidate walk. op is invoked
// through the candidate's breaker, with retries inside the breaker-protected
// call, so a provider that recovers within its own retry budget never trips
// its breaker.
func (d *Dispatcher) dispatch(ctx context.Context, id ratelimit.Identity, endpoint, model string, op func(context.Context, provider.Provider) error) error {
	dec, err := d.cfg.Limiter.Allow(ctx, id, endpoint)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		return &ratelimit.Error{
			Limit:     dec.Limit,
			Remaining: dec.Remaining,
			ResetAt:   dec.ResetAt,
		}
	}

	candidates := d.cfg.Registry.CandidatesFor(model)
	if len(candidates) == 0 {
		return &NoProviderError{Model: model, Cause: CauseNoCandidates}
	}

	var (
		lastErr  error
		failures int
		open     int
	)
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := cand.Name()

		if !d.cfg.Registry.AcquireSlot(name) {
			d.cfg.Logger.Debug("provider at rate ceiling, skipping",
				"provider", name, "model", model)
			continue
		}

		err := d.breakerFor(name).Call(ctx, func(ctx context.Context) error {
			return d.cfg.Executor.Do(ctx, name, d.policyFor(name), func(ctx context.Context) error {
				return op(ctx, cand)
			})
		})
		if err == nil {
			d.cfg.Registry.RecordSuccess(name)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var oe *breaker.OpenError
		if errors.As(err, &oe) {
			open++
			d.cfg.Logger.Debug("provider circuit open, skipping",
				"provider", name, "model", model)
			continue
		}

		failures++
		lastErr = err
		d.cfg.Registry.RecordError(name, err)
		d.cfg.Logger.Warn("provider call failed, trying next candidate",
			"provider", name, "model", model, "error", err)
	}

	return &NoProviderError{Model: model, Cause: exhaustionCause(failures, open), Err: lastErr}
}

// exhaustionCause picks the dominant reason for an exhausted walk: any real
// upstream failure outranks open circuits, which outrank ceiling skips.
func exhaustionCause(failures, open int) Cause {
	switch {
	case failures > 0:
		return CauseUpstreamFailure
	case open > 0:
		return CauseCircuitOpen
	default:
		return CauseRateLimited
	}
}

// breakerFor returns the provider's breaker, creating it on first use.
func (d *Dispatcher) breakerFor(name string) breaker.Breaker {
	d.mu.RLock()
	b, ok := d.breakers[name]
	d.mu.RUnlock()
	if ok {
		return b
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[name]; ok {
		return b
	}
	b = d.cfg.NewBreaker(name)
	d.breakers[name] = b
	return b
}

// BreakerStates reports the current state of every breaker created so far.
func (d *Dispatcher) BreakerStates() map[string]breaker.State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]breaker.State, len(d.breakers))
	for name, b := range d.breakers {
		out[name] = b.State()
	}
	return out
}

func (d *Dispatcher) policyFor(name string) executor.Policy {
	if pol, ok := d.cfg.Policies[name]; ok {
		return pol
	}
	return d.cfg.DefaultPolicy
}
