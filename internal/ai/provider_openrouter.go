package ai

import (
	"context"
	"net/http"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterProvider implements Provider for OpenRouter, a multi-model
// cloud gateway with an OpenAI-compatible chat API and attribution headers.
type OpenRouterProvider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
	referer      string
	title        string
}

// OpenRouterOption configures an OpenRouterProvider.
type OpenRouterOption func(*OpenRouterProvider)

// WithOpenRouterBaseURL sets the base URL (for testing).
func WithOpenRouterBaseURL(url string) OpenRouterOption {
	return func(p *OpenRouterProvider) {
		p.baseURL = url
	}
}

// WithOpenRouterHTTPClient sets a custom HTTP client.
func WithOpenRouterHTTPClient(client *http.Client) OpenRouterOption {
	return func(p *OpenRouterProvider) {
		p.client = client
	}
}

// WithOpenRouterDefaultModel sets the model used when a call does not name one.
func WithOpenRouterDefaultModel(model string) OpenRouterOption {
	return func(p *OpenRouterProvider) {
		p.defaultModel = model
	}
}

// WithOpenRouterApp sets the HTTP-Referer and X-Title attribution headers.
func WithOpenRouterApp(referer, title string) OpenRouterOption {
	return func(p *OpenRouterProvider) {
		p.referer = referer
		p.title = title
	}
}

// NewOpenRouterProvider creates a new OpenRouter provider.
func NewOpenRouterProvider(apiKey string, opts ...OpenRouterOption) *OpenRouterProvider {
	p := &OpenRouterProvider{
		apiKey:       apiKey,
		baseURL:      defaultOpenRouterBaseURL,
		client:       http.DefaultClient,
		defaultModel: "openai/gpt-4o-mini",
		referer:      "https://portfolio.p-n-ai.org",
		title:        "Portfolio AI",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }

func (p *OpenRouterProvider) Capabilities() Capabilities {
	return Capabilities{Chat: true, Tools: true}
}

func (p *OpenRouterProvider) IsAvailable(context.Context) bool {
	return p.apiKey != ""
}

func (p *OpenRouterProvider) headers() http.Header {
	h := bearer(p.apiKey)
	h.Set("HTTP-Referer", p.referer)
	h.Set("X-Title", p.title)
	return h
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message, opts Options) (RawReply, error) {
	req := newChatCompletionRequest(messages, opts, p.defaultModel)
	body, err := doJSON(ctx, p.client, p.Name(), http.MethodPost, p.baseURL+"/chat/completions", p.headers(), req)
	if err != nil {
		return RawReply{}, err
	}
	return normalize(p.Name(), body, chatCompletionShape, req.Model), nil
}

// Generate sends prompt as a single user turn; OpenRouter has no completion endpoint.
func (p *OpenRouterProvider) Generate(ctx context.Context, prompt string, opts Options) (RawReply, error) {
	return p.Chat(ctx, []Message{{Role: "user", Content: prompt}}, opts)
}

func (p *OpenRouterProvider) HealthCheck(ctx context.Context) (HealthReport, error) {
	return probe(ctx, p.client, p.Name(), p.baseURL+"/models", bearer(p.apiKey))
}
