// Package llm adapts hosted and local model servers to the generation and
// embedding capabilities used by the query engine.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`

	// MaxRetries bounds transport-level retries on 429/5xx and network
	// errors. Zero disables them.
	MaxRetries int `json:"max_retries"`

	// HTTPTimeout caps a single HTTP exchange. Defaults to 120s, which
	// leaves room for local servers loading a model on first use.
	HTTPTimeout time.Duration `json:"http_timeout"`
}

// vendor holds the defaults for an OpenAI-compatible endpoint.
type vendor struct {
	baseURL string
	prefix  string // API path prefix
	model   string
}

var vendors = map[string]vendor{
	"lmstudio":   {baseURL: "http://localhost:1234", prefix: "/v1"},
	"openrouter": {baseURL: "https://openrouter.ai/api", prefix: "/v1"},
	"openai":     {baseURL: "https://api.openai.com", prefix: "/v1", model: "gpt-4o-mini"},
	"groq":       {baseURL: "https://api.groq.com/openai", prefix: "/v1", model: "llama-3.3-70b-versatile"},
	"xai":        {baseURL: "https://api.x.ai", prefix: "/v1"},
	// Gemini's OpenAI-compatible surface has no /v1 segment.
	"gemini": {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", prefix: ""},
	"custom": {prefix: "/v1"},
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	case "ollama":
		return NewOllama(cfg), nil
	}

	v, ok := vendors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = v.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = v.model
	}
	return &compatProvider{name: cfg.Provider, base: newClient(cfg, v.prefix)}, nil
}

// compatProvider serves every vendor that speaks the OpenAI wire format.
type compatProvider struct {
	name string
	base client
}

func (p *compatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *compatProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
