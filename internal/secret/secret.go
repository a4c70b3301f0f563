// Package secret resolves credential references to their values. References
// carry a scheme (env://NAME, vault://path#key) routed to a registered
// provider; schemeless references resolve through the env provider so plain
// variable names keep working.
package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultScheme is applied to references without an explicit scheme.
const DefaultScheme = "env"

// Provider retrieves secrets from one backend.
type Provider interface {
	// Get retrieves the secret at path (the part after "scheme://").
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Manager routes references to providers by scheme.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
	}
}

// Register installs a provider for a scheme.
func (m *Manager) Register(scheme string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = p
}

// Resolve returns the secret value for a reference. Bare references resolve
// through the default scheme.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path := DefaultScheme, ref
	if before, after, found := strings.Cut(ref, "://"); found {
		scheme, path = before, after
	}

	m.mu.RLock()
	p, ok := m.providers[scheme]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no secret provider registered for scheme %q", scheme)
	}
	return p.Get(ctx, path)
}

// Close closes every registered provider and aggregates their errors.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s provider: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}
