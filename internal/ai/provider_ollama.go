package ai

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// OllamaProvider implements Provider for a local Ollama daemon using its
// native /api/generate and /api/chat endpoints.
type OllamaProvider struct {
	baseURL      string
	client       *http.Client
	defaultModel string
}

// OllamaOption configures an OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithOllamaHTTPClient sets a custom HTTP client.
func WithOllamaHTTPClient(client *http.Client) OllamaOption {
	return func(p *OllamaProvider) {
		p.client = client
	}
}

// WithOllamaDefaultModel sets the model used when a call does not name one.
func WithOllamaDefaultModel(model string) OllamaOption {
	return func(p *OllamaProvider) {
		p.defaultModel = model
	}
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(baseURL string, opts ...OllamaOption) *OllamaProvider {
	p := &OllamaProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       http.DefaultClient,
		defaultModel: "llama3:8b",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Stream has no omitempty: the daemon streams unless told otherwise.
type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

func newOllamaOptions(opts Options) *ollamaOptions {
	if opts.MaxTokens == 0 && opts.Temperature == 0 {
		return nil
	}
	o := &ollamaOptions{NumPredict: opts.MaxTokens}
	if opts.Temperature > 0 {
		temp := opts.Temperature
		o.Temperature = &temp
	}
	return o
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Capabilities() Capabilities {
	return Capabilities{Chat: true, Stream: true}
}

func (p *OllamaProvider) IsAvailable(context.Context) bool {
	return p.baseURL != ""
}

func (p *OllamaProvider) Generate(ctx context.Context, prompt string, opts Options) (RawReply, error) {
	req := ollamaGenerateRequest{
		Model:   firstNonEmpty(opts.Model, p.defaultModel),
		Prompt:  prompt,
		Stream:  opts.Stream,
		Options: newOllamaOptions(opts),
	}
	return p.call(ctx, "/api/generate", req, req.Model, opts.Stream, ollamaGenerateShape)
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message, opts Options) (RawReply, error) {
	req := ollamaChatRequest{
		Model:    firstNonEmpty(opts.Model, p.defaultModel),
		Messages: messages,
		Stream:   opts.Stream,
		Options:  newOllamaOptions(opts),
	}
	return p.call(ctx, "/api/chat", req, req.Model, opts.Stream, ollamaChatShape)
}

func (p *OllamaProvider) call(ctx context.Context, path string, payload any, model string, stream bool, shape replyShape) (RawReply, error) {
	if !stream {
		body, err := doJSON(ctx, p.client, p.Name(), http.MethodPost, p.baseURL+path, nil, payload)
		if err != nil {
			return RawReply{}, err
		}
		return normalize(p.Name(), body, shape, model), nil
	}

	resp, err := send(ctx, p.client, p.Name(), http.MethodPost, p.baseURL+path, nil, payload)
	if err != nil {
		return RawReply{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	return readOllamaStream(bufio.NewScanner(resp.Body), shape, model)
}

// readOllamaStream assembles an NDJSON stream into one reply. The final
// chunk (done=true) carries the token counts.
func readOllamaStream(sc *bufio.Scanner, shape replyShape, model string) (RawReply, error) {
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	reply := RawReply{Model: model}
	var content strings.Builder
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			return RawReply{}, fmt.Errorf("%w: ollama stream chunk is not JSON", ErrParse)
		}
		if msg := gjson.GetBytes(line, "error"); msg.Exists() {
			return RawReply{}, fmt.Errorf("%w: ollama: %s", ErrExecution, msg.String())
		}
		content.WriteString(gjson.GetBytes(line, shape.content).String())
		if gjson.GetBytes(line, "done").Bool() {
			res := gjson.GetManyBytes(line, shape.model, shape.promptTokens, shape.completionTokens, shape.finish)
			reply.Model = firstNonEmpty(res[0].String(), model)
			reply.PromptTokens = int(res[1].Int())
			reply.CompletionTokens = int(res[2].Int())
			reply.FinishReason = res[3].String()
		}
	}
	if err := sc.Err(); err != nil {
		return RawReply{}, fmt.Errorf("%w: ollama: read stream: %w", ErrExecution, err)
	}
	reply.Content = content.String()
	return reply, nil
}

func (p *OllamaProvider) HealthCheck(ctx context.Context) (HealthReport, error) {
	return probe(ctx, p.client, p.Name(), p.baseURL+"/api/tags", nil)
}
