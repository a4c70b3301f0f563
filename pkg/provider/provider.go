// Package provider defines the public interface for upstream model provider
// clients. Each provider kind (OpenAI-compatible, Anthropic, etc.) implements
// this interface; the registry and dispatcher depend only on it.
package provider

import (
	"context"
	"time"

	"github.com/modelrelay/modelrelay/pkg/types"
)

// Health is the result of a provider health probe.
type Health struct {
	Healthy bool
	Detail  string
}

// Provider is the client interface for a single upstream provider.
// Implementations own their HTTP connection pool and must be safe for
// concurrent use.
type Provider interface {
	// Name returns the configured provider name (unique per registry).
	Name() string

	// Kind returns the provider kind tag (e.g. "openai", "anthropic").
	Kind() string

	// SupportedModels returns the models this provider can serve.
	SupportedModels() []string

	// SupportsModel reports whether the provider serves the given model.
	SupportsModel(model string) bool

	// HealthCheck probes the upstream and reports availability.
	HealthCheck(ctx context.Context) (Health, error)

	// CreateCompletion executes a chat completion against the upstream.
	CreateCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)

	// CreateEmbeddings executes an embeddings request against the upstream.
	CreateEmbeddings(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error)

	// Close releases the provider's connection pool. Called exactly once.
	Close() error
}

// Config contains everything a factory needs to construct a provider client.
// APIKey holds the resolved credential, never a reference.
type Config struct {
	Name    string
	Kind    string
	APIKey  string
	BaseURL string
	Models  []string

	// HTTP client behavior.
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Headers             map[string]string
}

// Factory creates provider instances from configuration.
type Factory func(cfg Config) (Provider, error)
