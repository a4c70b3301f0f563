package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/pkg/provider"
)

func TestBuiltins(t *testing.T) {
	r := Builtins()
	assert.Equal(t, []string{"anthropic", "openai"}, r.Kinds())
}

func TestFactory_DispatchesOnKind(t *testing.T) {
	factory := Builtins().Factory()

	p, err := factory(provider.Config{
		Name:   "primary",
		Kind:   "openai",
		APIKey: "sk-test",
		Models: []string{"gpt-4o"},
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Kind())
	assert.Equal(t, "primary", p.Name())
}

func TestFactory_UnknownKind(t *testing.T) {
	factory := Builtins().Factory()

	_, err := factory(provider.Config{Name: "mystery", Kind: "cohere"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider kind")
}

func TestRegister_CustomKind(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("custom", func(cfg provider.Config) (provider.Provider, error) {
		called = true
		return nil, nil
	})

	_, err := r.Factory()(provider.Config{Kind: "custom"})
	require.NoError(t, err)
	assert.True(t, called)
}
