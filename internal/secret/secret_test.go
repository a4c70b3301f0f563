package secret

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/secret/env"
)

// countingProvider returns a fixed value and counts lookups.
type countingProvider struct {
	value    string
	err      error
	gets     int
	closeErr error
	closed   bool
}

func (p *countingProvider) Get(context.Context, string) (string, error) {
	p.gets++
	return p.value, p.err
}

func (p *countingProvider) Close() error {
	p.closed = true
	return p.closeErr
}

func TestManager_RoutesByScheme(t *testing.T) {
	m := NewManager()
	m.Register("env", env.New())
	m.Register("fake", &countingProvider{value: "from-fake"})

	t.Setenv("RELAY_TEST_KEY", "from-env")

	val, err := m.Resolve(context.Background(), "env://RELAY_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, "from-env", val)

	val, err = m.Resolve(context.Background(), "fake://anything")
	require.NoError(t, err)
	assert.Equal(t, "from-fake", val)
}

func TestManager_BareReferenceUsesEnvScheme(t *testing.T) {
	m := NewManager()
	m.Register("env", env.New())

	t.Setenv("OPENAI_API_KEY", "sk-test")

	val, err := m.Resolve(context.Background(), "OPENAI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", val)
}

func TestManager_UnknownScheme(t *testing.T) {
	m := NewManager()
	_, err := m.Resolve(context.Background(), "vault://secret/openai")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault")
}

func TestManager_CloseAggregatesErrors(t *testing.T) {
	a := &countingProvider{closeErr: errors.New("lease release failed")}
	b := &countingProvider{}
	m := NewManager()
	m.Register("a", a)
	m.Register("b", b)

	err := m.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease release failed")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestEnvProvider_MissingVariable(t *testing.T) {
	_, err := env.New().Get(context.Background(), "RELAY_DEFINITELY_UNSET_VAR")
	require.Error(t, err)
}

func TestCachedProvider(t *testing.T) {
	inner := &countingProvider{value: "secret"}
	cached := NewCachedProvider(inner, time.Minute)

	for i := 0; i < 5; i++ {
		val, err := cached.Get(context.Background(), "path")
		require.NoError(t, err)
		assert.Equal(t, "secret", val)
	}
	assert.Equal(t, 1, inner.gets)
}

func TestCachedProvider_ErrorsAreNotCached(t *testing.T) {
	inner := &countingProvider{err: errors.New("unavailable")}
	cached := NewCachedProvider(inner, time.Minute)

	_, err := cached.Get(context.Background(), "path")
	require.Error(t, err)
	_, err = cached.Get(context.Background(), "path")
	require.Error(t, err)
	assert.Equal(t, 2, inner.gets)
}
