package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_BurstUpToCapacity(t *testing.T) {
	st, _ := newTestStore(t)
	clk := clock.NewMock()
	tb := NewTokenBucketWithClock(TokenBucketConfig{Capacity: 5, RefillRate: 1}, st, nil, clk)
	id := Identity{Credential: "key-1"}

	for i := int64(0); i < 5; i++ {
		dec, err := tb.Allow(context.Background(), id, "chat")
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, int64(5), dec.Limit)
		assert.Equal(t, 4-i, dec.Remaining)
	}

	dec, err := tb.Allow(context.Background(), id, "chat")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Zero(t, dec.Remaining)
}

func TestTokenBucket_RefillsAtConfiguredRate(t *testing.T) {
	st, _ := newTestStore(t)
	clk := clock.NewMock()
	tb := NewTokenBucketWithClock(TokenBucketConfig{Capacity: 2, RefillRate: 1}, st, nil, clk)
	id := Identity{User: "alice"}

	allow := func() Decision {
		dec, err := tb.Allow(context.Background(), id, "chat")
		require.NoError(t, err)
		return dec
	}

	require.True(t, allow().Allowed)
	require.True(t, allow().Allowed)
	require.False(t, allow().Allowed)

	// One second at one token per second buys exactly one admission.
	clk.Add(time.Second)
	assert.True(t, allow().Allowed)
	assert.False(t, allow().Allowed)
}

func TestTokenBucket_RemainingIsFloored(t *testing.T) {
	st, _ := newTestStore(t)
	clk := clock.NewMock()
	tb := NewTokenBucketWithClock(TokenBucketConfig{Capacity: 2, RefillRate: 0.5}, st, nil, clk)
	id := Identity{User: "alice"}

	for i := 0; i < 2; i++ {
		dec, err := tb.Allow(context.Background(), id, "chat")
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	// One second at half a token per second leaves a fractional balance,
	// which is not enough to admit and reports as zero.
	clk.Add(time.Second)
	dec, err := tb.Allow(context.Background(), id, "chat")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Zero(t, dec.Remaining)

	clk.Add(time.Second)
	dec, err = tb.Allow(context.Background(), id, "chat")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestTokenBucket_ResetAtPointsToNextToken(t *testing.T) {
	st, _ := newTestStore(t)
	clk := clock.NewMock()
	tb := NewTokenBucketWithClock(TokenBucketConfig{Capacity: 1, RefillRate: 2}, st, nil, clk)
	id := Identity{User: "alice"}

	dec, err := tb.Allow(context.Background(), id, "chat")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	// Empty bucket at two tokens per second: next token in 500ms.
	dec, err = tb.Allow(context.Background(), id, "chat")
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	assert.Equal(t, clk.Now().Add(500*time.Millisecond), dec.ResetAt)
}

func TestTokenBucket_CapacityIsNotExceededAfterIdle(t *testing.T) {
	st, _ := newTestStore(t)
	clk := clock.NewMock()
	tb := NewTokenBucketWithClock(TokenBucketConfig{Capacity: 3, RefillRate: 1}, st, nil, clk)
	id := Identity{User: "alice"}

	dec, err := tb.Allow(context.Background(), id, "chat")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	// A long idle period refills to capacity, never beyond it.
	clk.Add(time.Hour)
	for i := 0; i < 3; i++ {
		dec, err = tb.Allow(context.Background(), id, "chat")
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}
	dec, err = tb.Allow(context.Background(), id, "chat")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestTokenBucket_IdentitiesIsolated(t *testing.T) {
	st, _ := newTestStore(t)
	clk := clock.NewMock()
	tb := NewTokenBucketWithClock(TokenBucketConfig{Capacity: 1, RefillRate: 1}, st, nil, clk)

	dec, err := tb.Allow(context.Background(), Identity{User: "alice"}, "chat")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = tb.Allow(context.Background(), Identity{User: "bob"}, "chat")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestTokenBucket_FailsOpenWhenStoreDown(t *testing.T) {
	st, mr := newTestStore(t)
	clk := clock.NewMock()
	tb := NewTokenBucketWithClock(TokenBucketConfig{Capacity: 1, RefillRate: 1}, st, nil, clk)

	mr.Close()

	for i := 0; i < 5; i++ {
		dec, err := tb.Allow(context.Background(), Identity{User: "alice"}, "chat")
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Error(t, dec.Err)
	}
	assert.True(t, tb.degraded.Load())
}

func TestUnlimited_AlwaysAllows(t *testing.T) {
	dec, err := Unlimited{}.Allow(context.Background(), Identity{}, "chat")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}
