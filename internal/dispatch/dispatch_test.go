package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/breaker"
	"github.com/modelrelay/modelrelay/internal/executor"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/registry"
	llmerrors "github.com/modelrelay/modelrelay/pkg/errors"
	"github.com/modelrelay/modelrelay/pkg/provider"
	"github.com/modelrelay/modelrelay/pkg/types"
)

// fakeProvider routes completions through a configurable callback.
type fakeProvider struct {
	name     string
	models   []string
	calls    atomic.Int64
	complete func(context.Context) (*types.ChatResponse, error)
}

func newFake(name string, complete func(context.Context) (*types.ChatResponse, error)) *fakeProvider {
	return &fakeProvider{name: name, models: []string{"gpt-4o"}, complete: complete}
}

func ok(name string) func(context.Context) (*types.ChatResponse, error) {
	return func(context.Context) (*types.ChatResponse, error) {
		return &types.ChatResponse{Model: "gpt-4o", Provider: name}, nil
	}
}

func failing(status int) func(context.Context) (*types.ChatResponse, error) {
	return func(context.Context) (*types.ChatResponse, error) {
		return nil, llmerrors.FromStatusCode("fake", "gpt-4o", status, "")
	}
}

func (f *fakeProvider) Name() string              { return f.name }
func (f *fakeProvider) Kind() string              { return "fake" }
func (f *fakeProvider) SupportedModels() []string { return f.models }

func (f *fakeProvider) SupportsModel(model string) bool {
	for _, m := range f.models {
		if m == model {
			return true
		}
	}
	return false
}

func (f *fakeProvider) HealthCheck(context.Context) (provider.Health, error) {
	return provider.Health{Healthy: true}, nil
}

func (f *fakeProvider) CreateCompletion(ctx context.Context, _ *types.ChatRequest) (*types.ChatResponse, error) {
	f.calls.Add(1)
	return f.complete(ctx)
}

func (f *fakeProvider) CreateEmbeddings(ctx context.Context, _ *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	f.calls.Add(1)
	if _, err := f.complete(ctx); err != nil {
		return nil, err
	}
	return &types.EmbeddingResponse{Model: "gpt-4o"}, nil
}

func (f *fakeProvider) Close() error { return nil }

// denyingLimiter rejects everything.
type denyingLimiter struct{}

func (denyingLimiter) Allow(context.Context, ratelimit.Identity, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{
		Allowed: false,
		Limit:   10,
		ResetAt: time.Now().Add(time.Minute),
	}, nil
}

func newTestRegistry(t *testing.T, fakes []*fakeProvider, tweak func(int, *registry.Spec)) *registry.Registry {
	t.Helper()
	byName := make(map[string]*fakeProvider, len(fakes))
	specs := make([]registry.Spec, len(fakes))
	for i, f := range fakes {
		byName[f.name] = f
		specs[i] = registry.Spec{
			Provider: provider.Config{Name: f.name, Kind: "fake", Models: f.models},
			Priority: i + 1,
			Enabled:  true,
		}
		if tweak != nil {
			tweak(i, &specs[i])
		}
	}
	factory := func(cfg provider.Config) (provider.Provider, error) {
		return byName[cfg.Name], nil
	}
	reg, err := registry.New(context.Background(), registry.DefaultConfig(), specs, factory, nopSecrets{}, nil)
	require.NoError(t, err)
	return reg
}

type nopSecrets struct{}

func (nopSecrets) Resolve(_ context.Context, ref string) (string, error) { return ref, nil }

func newTestDispatcher(t *testing.T, reg *registry.Registry) *Dispatcher {
	t.Helper()
	return New(Config{
		Registry: reg,
		Executor: executor.New(nil),
		NewBreaker: func(name string) breaker.Breaker {
			return breaker.NewMemory(name, breaker.Config{
				FailureThreshold: 2,
				RecoveryTimeout:  time.Minute,
			})
		},
		DefaultPolicy: executor.Policy{
			MaxRetries:        0,
			BaseDelay:         time.Millisecond,
			DefaultRetryAfter: time.Millisecond,
		},
	})
}

func chatReq() *types.ChatRequest {
	return &types.ChatRequest{Model: "gpt-4o"}
}

func TestDispatch_RoutesToHighestPriorityProvider(t *testing.T) {
	primary := newFake("primary", ok("primary"))
	secondary := newFake("secondary", ok("secondary"))
	d := newTestDispatcher(t, newTestRegistry(t, []*fakeProvider{primary, secondary}, nil))

	resp, err := d.DispatchCompletion(context.Background(), ratelimit.Identity{}, chatReq())
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Provider)
	assert.Equal(t, int64(1), primary.calls.Load())
	assert.Zero(t, secondary.calls.Load())
}

func TestDispatch_FailsOverToNextCandidate(t *testing.T) {
	primary := newFake("primary", failing(500))
	secondary := newFake("secondary", ok("secondary"))
	reg := newTestRegistry(t, []*fakeProvider{primary, secondary}, nil)
	d := newTestDispatcher(t, reg)

	resp, err := d.DispatchCompletion(context.Background(), ratelimit.Identity{}, chatReq())
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)

	// The failed candidate's error streak was recorded.
	st, _ := reg.Status("primary")
	assert.Equal(t, registry.StatusDegraded, st)
	st, _ = reg.Status("secondary")
	assert.Equal(t, registry.StatusHealthy, st)
}

func TestDispatch_TerminalErrorStillFailsOver(t *testing.T) {
	primary := newFake("primary", failing(400))
	secondary := newFake("secondary", ok("secondary"))
	d := newTestDispatcher(t, newTestRegistry(t, []*fakeProvider{primary, secondary}, nil))

	resp, err := d.DispatchCompletion(context.Background(), ratelimit.Identity{}, chatReq())
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)
	// Terminal errors are not retried against the same provider.
	assert.Equal(t, int64(1), primary.calls.Load())
}

func TestDispatch_RateLimitDenialHasNoSideEffects(t *testing.T) {
	primary := newFake("primary", ok("primary"))
	reg := newTestRegistry(t, []*fakeProvider{primary}, nil)
	d := New(Config{
		Limiter:    denyingLimiter{},
		Registry:   reg,
		Executor:   executor.New(nil),
		NewBreaker: func(name string) breaker.Breaker { return breaker.NewMemory(name, breaker.DefaultConfig()) },
	})

	_, err := d.DispatchCompletion(context.Background(), ratelimit.Identity{User: "alice"}, chatReq())
	var rle *ratelimit.Error
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, int64(10), rle.Limit)
	assert.Zero(t, primary.calls.Load())
}

func TestDispatch_OpenBreakerSkipsProviderWithoutCalling(t *testing.T) {
	primary := newFake("primary", failing(503))
	secondary := newFake("secondary", ok("secondary"))
	d := newTestDispatcher(t, newTestRegistry(t, []*fakeProvider{primary, secondary}, nil))

	// Two failed dispatches trip primary's breaker.
	for i := 0; i < 2; i++ {
		_, err := d.DispatchCompletion(context.Background(), ratelimit.Identity{}, chatReq())
		require.NoError(t, err)
	}
	assert.Equal(t, breaker.StateOpen, d.BreakerStates()["primary"])
	callsBefore := primary.calls.Load()

	// Further dispatches skip primary entirely.
	resp, err := d.DispatchCompletion(context.Background(), ratelimit.Identity{}, chatReq())
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)
	assert.Equal(t, callsBefore, primary.calls.Load())
}

func TestDispatch_AllCandidatesFail(t *testing.T) {
	primary := newFake("primary", failing(500))
	secondary := newFake("secondary", failing(503))
	d := newTestDispatcher(t, newTestRegistry(t, []*fakeProvider{primary, secondary}, nil))

	_, err := d.DispatchCompletion(context.Background(), ratelimit.Identity{}, chatReq())
	var npe *NoProviderError
	require.ErrorAs(t, err, &npe)
	assert.Equal(t, CauseUpstreamFailure, npe.Cause)
	assert.Equal(t, "gpt-4o", npe.Model)

	// The last provider failure is preserved for inspection.
	pe, isProvider := llmerrors.AsProviderError(npe.Err)
	require.True(t, isProvider)
	assert.Equal(t, 503, pe.StatusCode)
}

func TestDispatch_AllCircuitsOpen(t *testing.T) {
	primary := newFake("primary", failing(500))
	d := newTestDispatcher(t, newTestRegistry(t, []*fakeProvider{primary}, nil))

	for i := 0; i < 2; i++ {
		_, _ = d.DispatchCompletion(context.Background(), ratelimit.Identity{}, chatReq())
	}

	_, err := d.DispatchCompletion(context.Background(), ratelimit.Identity{}, chatReq())
	var npe *NoProviderError
	require.ErrorAs(t, err, &npe)
	assert.Equal(t, CauseCircuitOpen, npe.Cause)
}

func TestDispatch_CeilingExhaustionReportsRateLimited(t *testing.T) {
	primary := newFake("primary", ok("primary"))
	reg := newTestRegistry(t, []*fakeProvider{primary}, func(_ int, s *registry.Spec) {
		s.RateCeiling = 1
		s.RateBurst = 1
	})
	d := newTestDispatcher(t, reg)

	_, err := d.DispatchCompletion(context.Background(), ratelimit.Identity{}, chatReq())
	require.NoError(t, err)

	_, err = d.DispatchCompletion(context.Background(), ratelimit.Identity{}, chatReq())
	var npe *NoProviderError
	require.ErrorAs(t, err, &npe)
	assert.Equal(t, CauseRateLimited, npe.Cause)
	assert.Equal(t, int64(1), primary.calls.Load())
}

func TestDispatch_UnknownModel(t *testing.T) {
	primary := newFake("primary", ok("primary"))
	d := newTestDispatcher(t, newTestRegistry(t, []*fakeProvider{primary}, nil))

	req := &types.ChatRequest{Model: "unknown-model"}
	_, err := d.DispatchCompletion(context.Background(), ratelimit.Identity{}, req)
	var npe *NoProviderError
	require.ErrorAs(t, err, &npe)
	assert.Equal(t, CauseNoCandidates, npe.Cause)
	assert.Zero(t, primary.calls.Load())
}

func TestDispatch_CancellationStopsCandidateWalk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := newFake("primary", func(context.Context) (*types.ChatResponse, error) {
		cancel()
		return nil, ctx.Err()
	})
	secondary := newFake("secondary", ok("secondary"))
	d := newTestDispatcher(t, newTestRegistry(t, []*fakeProvider{primary, secondary}, nil))

	_, err := d.DispatchCompletion(ctx, ratelimit.Identity{}, chatReq())
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, secondary.calls.Load())
	// Cancellation never counts against the breaker.
	assert.Equal(t, breaker.StateClosed, d.BreakerStates()["primary"])
}

func TestDispatch_Embeddings(t *testing.T) {
	primary := newFake("primary", ok("primary"))
	d := newTestDispatcher(t, newTestRegistry(t, []*fakeProvider{primary}, nil))

	resp, err := d.DispatchEmbeddings(context.Background(), ratelimit.Identity{}, &types.EmbeddingRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", resp.Model)
}

func TestDispatch_RetriesInsideOneBreakerCall(t *testing.T) {
	// The provider fails twice and then recovers, within one retry budget.
	// The breaker must observe a single success, not two failures.
	var n atomic.Int64
	primary := newFake("primary", func(context.Context) (*types.ChatResponse, error) {
		if n.Add(1) < 3 {
			return nil, llmerrors.FromStatusCode("primary", "gpt-4o", 503, "")
		}
		return &types.ChatResponse{Provider: "primary"}, nil
	})
	reg := newTestRegistry(t, []*fakeProvider{primary}, nil)
	d := New(Config{
		Registry: reg,
		Executor: executor.New(nil),
		NewBreaker: func(name string) breaker.Breaker {
			return breaker.NewMemory(name, breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
		},
		DefaultPolicy: executor.Policy{
			MaxRetries:        2,
			BaseDelay:         time.Millisecond,
			DefaultRetryAfter: time.Millisecond,
		},
	})

	resp, err := d.DispatchCompletion(context.Background(), ratelimit.Identity{}, chatReq())
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Provider)
	assert.Equal(t, int64(3), primary.calls.Load())
	assert.Equal(t, breaker.StateClosed, d.BreakerStates()["primary"])
}

func TestNoProviderError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &NoProviderError{Model: "gpt-4o", Cause: CauseUpstreamFailure, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "upstream_failure")

	bare := &NoProviderError{Model: "gpt-4o", Cause: CauseNoCandidates}
	assert.Contains(t, bare.Error(), "no_candidates")
}
