package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleProvider implements Provider for Google Gemini.
type GoogleProvider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
}

// GoogleOption configures a GoogleProvider.
type GoogleOption func(*GoogleProvider)

// WithGoogleBaseURL sets the base URL (for testing).
func WithGoogleBaseURL(url string) GoogleOption {
	return func(p *GoogleProvider) {
		p.baseURL = url
	}
}

// WithGoogleHTTPClient sets a custom HTTP client.
func WithGoogleHTTPClient(client *http.Client) GoogleOption {
	return func(p *GoogleProvider) {
		p.client = client
	}
}

// WithGoogleDefaultModel sets the model used when a call does not name one.
func WithGoogleDefaultModel(model string) GoogleOption {
	return func(p *GoogleProvider) {
		p.defaultModel = model
	}
}

// NewGoogleProvider creates a new Google Gemini provider.
func NewGoogleProvider(apiKey string, opts ...GoogleOption) *GoogleProvider {
	p := &GoogleProvider{
		apiKey:       apiKey,
		baseURL:      defaultGeminiBaseURL,
		client:       http.DefaultClient,
		defaultModel: "gemini-2.5-flash",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// geminiRequest is the request body for the Gemini generateContent API.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Capabilities() Capabilities {
	return Capabilities{Chat: true, Tools: true}
}

func (p *GoogleProvider) IsAvailable(context.Context) bool {
	return p.apiKey != ""
}

// headers keeps the API key out of the request URL.
func (p *GoogleProvider) headers() http.Header {
	h := http.Header{}
	h.Set("x-goog-api-key", p.apiKey)
	return h
}

func (p *GoogleProvider) Chat(ctx context.Context, messages []Message, opts Options) (RawReply, error) {
	model := firstNonEmpty(opts.Model, p.defaultModel)

	req := geminiRequest{Contents: make([]geminiContent, 0, len(messages))}
	for _, m := range messages {
		switch m.Role {
		case "system":
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case "assistant":
			// Gemini calls the assistant role "model".
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: m.Role, Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if opts.MaxTokens > 0 || opts.Temperature > 0 {
		cfg := &geminiGenerationConfig{MaxOutputTokens: opts.MaxTokens}
		if opts.Temperature > 0 {
			temp := opts.Temperature
			cfg.Temperature = &temp
		}
		req.GenerationConfig = cfg
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, url.PathEscape(model))
	body, err := doJSON(ctx, p.client, p.Name(), http.MethodPost, endpoint, p.headers(), req)
	if err != nil {
		return RawReply{}, err
	}
	return normalize(p.Name(), body, geminiShape, model), nil
}

func (p *GoogleProvider) Generate(ctx context.Context, prompt string, opts Options) (RawReply, error) {
	return p.Chat(ctx, []Message{{Role: "user", Content: prompt}}, opts)
}

func (p *GoogleProvider) HealthCheck(ctx context.Context) (HealthReport, error) {
	return probe(ctx, p.client, p.Name(), p.baseURL+"/models", p.headers())
}
