// Package anthropic implements the provider adapter for the Anthropic
// Messages API, translating between it and the unified request shapes.
package anthropic

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

const (
	// DefaultBaseURL is the Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	apiVersion = "2023-06-01"

	// defaultMaxTokens applies when the caller sets none; the Messages
	// API requires the field.
	defaultMaxTokens = 1024
)

// Provider is an Anthropic API client owning its connection pool.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	models  []string
	headers map[string]string
	client  *http.Client
}

// New creates an Anthropic provider from configuration.
func New(cfg provider.Config) (provider.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
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
func (p *Provider) Kind() string { return "anthropic" }

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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
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

// message is the Messages API message shape.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesRequest is the wire request for /v1/messages.
type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Metadata    *struct {
		UserID string `json:"user_id,omitempty"`
	} `json:"metadata,omitempty"`
}

// messagesResponse is the wire response from /v1/messages.
type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// CreateCompletion executes a chat completion through the Messages API.
func (p *Provider) CreateCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	wire := messagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = defaultMaxTokens
	}

	// System prompts travel in a dedicated field, not the message list.
	for _, m := range req.Messages {
		if m.Role == "system" {
			if wire.System != "" {
				wire.System += "\n"
			}
			wire.System += m.Content
			continue
		}
		wire.Messages = append(wire.Messages, message{Role: m.Role, Content: m.Content})
	}

	raw, err := p.post(ctx, "/v1/messages", req.Model, wire)
	if err != nil {
		return nil, err
	}

	var wireResp messagesResponse
	if err := json.Unmarshal(raw, &wireResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, block := range wireResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &types.ChatResponse{
		ID:       wireResp.ID,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    wireResp.Model,
		Provider: p.name,
		Choices: []types.ChatChoice{{
			Index:        0,
			Message:      types.ChatMessage{Role: "assistant", Content: text.String()},
			FinishReason: mapStopReason(wireResp.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     wireResp.Usage.InputTokens,
			CompletionTokens: wireResp.Usage.OutputTokens,
			TotalTokens:      wireResp.Usage.InputTokens + wireResp.Usage.OutputTokens,
		},
	}, nil
}

// CreateEmbeddings is not supported by the Anthropic API.
func (p *Provider) CreateEmbeddings(_ context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	return nil, llmerrors.FromStatusCode(p.name, req.Model, http.StatusBadRequest,
		"anthropic does not provide an embeddings endpoint")
}

// Close releases the connection pool.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *Provider) post(ctx context.Context, path, model string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llmerrors.NewTransportError(p.name, model, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llmerrors.NewTransportError(p.name, model, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, p.mapError(resp, model, raw)
	}
	return raw, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
}

func (p *Provider) mapError(resp *http.Response, model string, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
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

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
