package ai

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"
)

const defaultAnthropicBaseURL = "https://api.anthropic.com/v1"

// AnthropicProvider implements Provider for Anthropic Claude.
type AnthropicProvider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
	limiter      *rate.Limiter
}

// AnthropicOption configures an AnthropicProvider.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicBaseURL sets the base URL (for testing).
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *AnthropicProvider) {
		p.baseURL = url
	}
}

// WithAnthropicHTTPClient sets a custom HTTP client.
func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) {
		p.client = client
	}
}

// WithAnthropicDefaultModel sets the model used when a call does not name one.
func WithAnthropicDefaultModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) {
		p.defaultModel = model
	}
}

// WithAnthropicRateLimit throttles outgoing calls to rps with the given burst.
// A non-positive rps disables throttling.
func WithAnthropicRateLimit(rps float64, burst int) AnthropicOption {
	return func(p *AnthropicProvider) {
		if rps <= 0 {
			p.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	p := &AnthropicProvider{
		apiKey:       apiKey,
		baseURL:      defaultAnthropicBaseURL,
		client:       &http.Client{},
		defaultModel: "claude-sonnet-4-6",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{Chat: true, Tools: true}
}

func (p *AnthropicProvider) IsAvailable(context.Context) bool {
	return p.apiKey != ""
}

func (p *AnthropicProvider) headers() http.Header {
	h := http.Header{}
	h.Set("x-api-key", p.apiKey)
	h.Set("anthropic-version", "2023-06-01")
	return h
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, opts Options) (RawReply, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return RawReply{}, fmt.Errorf("%w: anthropic: rate limit wait: %w", ErrExecution, err)
		}
	}

	req := anthropicRequest{
		Model:     firstNonEmpty(opts.Model, p.defaultModel),
		MaxTokens: opts.MaxTokens,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}
	if opts.Temperature > 0 {
		temp := opts.Temperature
		req.Temperature = &temp
	}
	// The system prompt travels outside the message list.
	for _, m := range messages {
		if m.Role == "system" {
			req.System = m.Content
			continue
		}
		req.Messages = append(req.Messages, m)
	}

	body, err := doJSON(ctx, p.client, p.Name(), http.MethodPost, p.baseURL+"/messages", p.headers(), req)
	if err != nil {
		return RawReply{}, err
	}
	return normalize(p.Name(), body, anthropicShape, req.Model), nil
}

func (p *AnthropicProvider) Generate(ctx context.Context, prompt string, opts Options) (RawReply, error) {
	return p.Chat(ctx, []Message{{Role: "user", Content: prompt}}, opts)
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) (HealthReport, error) {
	return probe(ctx, p.client, p.Name(), p.baseURL+"/models", p.headers())
}
