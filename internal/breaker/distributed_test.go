package breaker

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/store"
)

func newDistributedPair(t *testing.T, cfg Config, clk clock.Clock) (*Distributed, *Distributed, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	st := store.NewRedisWithClient(client, "test")

	a := NewDistributedWithClock("openai", cfg, st, nil, clk)
	b := NewDistributedWithClock("openai", cfg, st, nil, clk)
	return a, b, mr
}

func TestDistributed_StateSharedAcrossInstances(t *testing.T) {
	clk := clock.NewMock()
	a, b, _ := newDistributedPair(t, testConfig(), clk)

	// Instance A trips the breaker.
	failN(t, a, 3)
	assert.Equal(t, StateOpen, a.State())

	// Instance B observes it without having seen any failures itself.
	invoked := false
	err := b.Call(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.False(t, invoked)
	assert.Equal(t, StateOpen, b.State())
}

func TestDistributed_FailureCountSharedAcrossInstances(t *testing.T) {
	clk := clock.NewMock()
	a, b, _ := newDistributedPair(t, testConfig(), clk)

	// Two failures on A plus one on B reach the shared threshold of three.
	failN(t, a, 2)
	failN(t, b, 1)

	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateOpen, b.State())
}

func TestDistributed_HalfOpenTrialSuccessCloses(t *testing.T) {
	cfg := testConfig()
	clk := clock.NewMock()
	a, b, _ := newDistributedPair(t, cfg, clk)

	failN(t, a, 3)
	clk.Add(pastRecovery(cfg))

	require.NoError(t, a.Call(context.Background(), func(context.Context) error { return nil }))

	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())
}

func TestDistributed_HalfOpenTrialClaimedByOneInstance(t *testing.T) {
	cfg := testConfig()
	clk := clock.NewMock()
	a, b, _ := newDistributedPair(t, cfg, clk)

	failN(t, a, 3)
	clk.Add(pastRecovery(cfg))

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.Call(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	// The trial belongs to A; B must be rejected without running its op.
	err := b.Call(context.Background(), func(context.Context) error { return nil })
	var oe *OpenError
	assert.ErrorAs(t, err, &oe)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}

func TestDistributed_HalfOpenTrialFailureReopens(t *testing.T) {
	cfg := testConfig()
	clk := clock.NewMock()
	a, b, _ := newDistributedPair(t, cfg, clk)

	failN(t, a, 3)
	clk.Add(pastRecovery(cfg))
	failN(t, a, 1)

	assert.Equal(t, StateOpen, a.State())
	err := b.Call(context.Background(), func(context.Context) error { return nil })
	var oe *OpenError
	assert.ErrorAs(t, err, &oe)
}

func TestDistributed_FallsBackWhenStoreDown(t *testing.T) {
	cfg := testConfig()
	clk := clock.NewMock()
	a, _, mr := newDistributedPair(t, cfg, clk)

	mr.Close()

	// Calls keep working through the local fallback.
	require.NoError(t, a.Call(context.Background(), func(context.Context) error { return nil }))

	// And failures still trip the local breaker.
	failN(t, a, 3)
	err := a.Call(context.Background(), func(context.Context) error { return nil })
	var oe *OpenError
	assert.ErrorAs(t, err, &oe)
}

func TestDistributed_RecoversAfterStoreOutage(t *testing.T) {
	cfg := testConfig()
	clk := clock.NewMock()
	a, b, mr := newDistributedPair(t, cfg, clk)

	mr.Close()
	require.NoError(t, a.Call(context.Background(), func(context.Context) error { return nil }))
	assert.True(t, a.degraded.Load())

	require.NoError(t, mr.Restart())

	// The next call consults the store again and shares state with B.
	failN(t, a, 3)
	assert.False(t, a.degraded.Load())
	assert.Equal(t, StateOpen, b.State())
}

func TestDistributed_CancellationDoesNotCount(t *testing.T) {
	clk := clock.NewMock()
	a, _, _ := newDistributedPair(t, testConfig(), clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 10; i++ {
		err := a.Call(ctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, a.State())
}
