// Package openai implements the provider adapter for OpenAI and
// OpenAI-compatible APIs. It is the reference adapter for other kinds.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/internal/httputil"
	llmerrors "github.com/modelrelay/modelrelay/pkg/errors"
	"github.com/modelrelay/modelrelay/pkg/provider"
	"github.com/modelrelay/modelrelay/pkg/types"
)

// DefaultBaseURL is the OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// Provider is an OpenAI API client owning its connection pool.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	models  []string
	headers map[string]string
	client  *http.Client
}

// New creates an OpenAI provider from configuration.
func New(cfg provider.Config) (provider.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Provider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		models:  cfg.Models,
		headers: cfg.Headers,
		client: httputil.NewPooledClient(httputil.PoolConfig{
			Timeout:             cfg.Timeout,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		}),
	}, nil
}

// Name returns the configured provider name.
func (p *Provider) Name() string { return p.name }

// Kind returns the provider kind tag.
func (p *Provider) Kind() string { return "openai" }

// SupportedModels returns the configured model list.
func (p *Provider) SupportedModels() []string { return p.models }

// SupportsModel reports whether the model is in the configured list.
func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

// HealthCheck probes the models listing endpoint.
func (p *Provider) HealthCheck(ctx context.Context) (provider.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return provider.Health{}, err
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return provider.Health{Healthy: false, Detail: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return provider.Health{
			Healthy: false,
			Detail:  fmt.Sprintf("models endpoint returned %d", resp.StatusCode),
		}, nil
	}
	return provider.Health{Healthy: true}, nil
}

// CreateCompletion executes a chat completion.
func (p *Provider) CreateCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	var resp types.ChatResponse
	if err := p.post(ctx, "/chat/completions", req.Model, req, &resp); err != nil {
		return nil, err
	}
	resp.Provider = p.name
	return &resp, nil
}

// CreateEmbeddings executes an embeddings request.
func (p *Provider) CreateEmbeddings(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	var resp types.EmbeddingResponse
	if err := p.post(ctx, "/embeddings", req.Model, req, &resp); err != nil {
		return nil, err
	}
	resp.Provider = p.name
	return &resp, nil
}

// Close releases the connection pool.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *Provider) post(ctx context.Context, path, model string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return llmerrors.NewTransportError(p.name, model, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return llmerrors.NewTransportError(p.name, model, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return p.mapError(resp, model, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
}

// mapError converts an error response into the unified taxonomy, preserving
// the upstream message and any Retry-After hint.
func (p *Provider) mapError(resp *http.Response, model string, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	message := ""
	if err := json.Unmarshal(body, &errResp); err == nil {
		message = errResp.Error.Message
	}

	pe := llmerrors.FromStatusCode(p.name, model, resp.StatusCode, message)
	if resp.StatusCode == http.StatusTooManyRequests {
		pe.RetryAfter = httputil.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return pe
}
