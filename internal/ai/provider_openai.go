package ai

import (
	"context"
	"net/http"
)

const (
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultDeepSeekBaseURL = "https://api.deepseek.com"
)

// OpenAIProvider implements Provider for OpenAI and OpenAI-compatible APIs
// (DeepSeek, Groq, Together AI, etc.) via a configurable base URL.
type OpenAIProvider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	name         string
	defaultModel string
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithBaseURL sets the base URL for the OpenAI-compatible API.
func WithBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.client = client
	}
}

// WithDefaultModel sets the model used when a call does not name one.
func WithDefaultModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.defaultModel = model
	}
}

// WithProviderName sets the provider name (for multi-instance use, e.g. "deepseek").
func WithProviderName(name string) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.name = name
	}
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:       apiKey,
		baseURL:      defaultOpenAIBaseURL,
		client:       http.DefaultClient,
		name:         "openai",
		defaultModel: "gpt-4o-mini",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewDeepSeekProvider creates a provider for the DeepSeek API (OpenAI-compatible).
func NewDeepSeekProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	opts = append([]OpenAIOption{
		WithBaseURL(defaultDeepSeekBaseURL),
		WithProviderName("deepseek"),
		WithDefaultModel("deepseek-chat"),
	}, opts...)
	return NewOpenAIProvider(apiKey, opts...)
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{Chat: true, Tools: true}
}

func (p *OpenAIProvider) IsAvailable(context.Context) bool {
	return p.apiKey != ""
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts Options) (RawReply, error) {
	req := newChatCompletionRequest(messages, opts, p.defaultModel)
	body, err := doJSON(ctx, p.client, p.name, http.MethodPost, p.baseURL+"/chat/completions", bearer(p.apiKey), req)
	if err != nil {
		return RawReply{}, err
	}
	return normalize(p.name, body, chatCompletionShape, req.Model), nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, opts Options) (RawReply, error) {
	return p.Chat(ctx, []Message{{Role: "user", Content: prompt}}, opts)
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) (HealthReport, error) {
	return probe(ctx, p.client, p.name, p.baseURL+"/models", bearer(p.apiKey))
}
