// Package providers maps provider kind tags to their factories. The kind
// registry is an explicit object built at process start and handed to the
// provider registry; nothing registers itself through package init.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/modelrelay/modelrelay/pkg/provider"
	"github.com/modelrelay/modelrelay/providers/anthropic"
	"github.com/modelrelay/modelrelay/providers/openai"
)

// Registry maps kind tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]provider.Factory
}

// NewRegistry creates an empty kind registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]provider.Factory),
	}
}

// Builtins returns a registry with every built-in provider kind installed.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("openai", openai.New)
	r.Register("anthropic", anthropic.New)
	return r
}

// Register installs a factory for a kind, replacing any previous one.
func (r *Registry) Register(kind string, factory provider.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Kinds returns the registered kind tags, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Factory returns a provider.Factory that dispatches on cfg.Kind.
func (r *Registry) Factory() provider.Factory {
	return func(cfg provider.Config) (provider.Provider, error) {
		r.mu.RLock()
		factory, ok := r.factories[cfg.Kind]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
		}
		return factory(cfg)
	}
}
