// Package types defines the unified request/response shapes shared by the
// dispatcher, provider adapters, and the HTTP front-end.
package types

// ChatMessage is a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a unified chat completion request.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []ChatMessage     `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	User        string            `json:"user,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Usage reports token consumption for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is one generated completion.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatResponse is a unified chat completion response.
type ChatResponse struct {
	ID       string       `json:"id"`
	Object   string       `json:"object"`
	Created  int64        `json:"created"`
	Model    string       `json:"model"`
	Provider string       `json:"provider,omitempty"`
	Choices  []ChatChoice `json:"choices"`
	Usage    *Usage       `json:"usage,omitempty"`
}

// EmbeddingRequest is a unified embeddings request.
type EmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
	User  string   `json:"user,omitempty"`
}

// EmbeddingData is a single embedding vector.
type EmbeddingData struct {
	Index     int       `json:"index"`
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingResponse is a unified embeddings response.
type EmbeddingResponse struct {
	Object   string          `json:"object"`
	Model    string          `json:"model"`
	Provider string          `json:"provider,omitempty"`
	Data     []EmbeddingData `json:"data"`
	Usage    *Usage          `json:"usage,omitempty"`
}

// Model describes a model exposed by a registered provider.
type Model struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Provider string `json:"owned_by"`
}
