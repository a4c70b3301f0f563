// Package env resolves secrets from environment variables.
package env

import (
	"context"
	"fmt"
	"os"
)

// Provider reads secrets from the process environment.
type Provider struct{}

// New creates an environment provider.
func New() *Provider {
	return &Provider{}
}

// Get returns the value of the named environment variable. Unset variables
// are an error so a provider with a missing credential fails initialization
// instead of authenticating with an empty key.
func (p *Provider) Get(_ context.Context, name string) (string, error) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return val, nil
}

// Close is a no-op.
func (p *Provider) Close() error {
	return nil
}
