package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// maxErrorBody bounds how much of a failed reply ends up in a StatusError.
const maxErrorBody = 512

// doJSON sends payload (if non-nil) as JSON and returns the reply body of a 2xx response.
func doJSON(ctx context.Context, client *http.Client, provider, method, url string, header http.Header, payload any) ([]byte, error) {
	resp, err := send(ctx, client, provider, method, url, header, payload)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read response: %w", ErrExecution, provider, err)
	}
	return body, nil
}

// send returns the open response for a 2xx status. Callers close the body.
func send(ctx context.Context, client *http.Client, provider, method, url string, header http.Header, payload any) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: send request: %w", ErrExecution, provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// probe times a GET against url and reports healthy on a 2xx reply.
func probe(ctx context.Context, client *http.Client, provider, url string, header http.Header) (HealthReport, error) {
	start := time.Now()
	_, err := doJSON(ctx, client, provider, http.MethodGet, url, header, nil)
	report := HealthReport{Status: StatusHealthy, Latency: time.Since(start)}
	if err != nil {
		report.Status = StatusUnhealthy
		return report, fmt.Errorf("health check failed: %w", err)
	}
	return report, nil
}

// replyShape names the gjson paths of a backend's reply fields.
type replyShape struct {
	content          string
	model            string
	promptTokens     string
	completionTokens string
	finish           string
}

var (
	chatCompletionShape = replyShape{"choices.0.message.content", "model", "usage.prompt_tokens", "usage.completion_tokens", "choices.0.finish_reason"}
	anthropicShape      = replyShape{"content.0.text", "model", "usage.input_tokens", "usage.output_tokens", "stop_reason"}
	geminiShape         = replyShape{"candidates.0.content.parts.0.text", "modelVersion", "usageMetadata.promptTokenCount", "usageMetadata.candidatesTokenCount", "candidates.0.finishReason"}
	ollamaGenerateShape = replyShape{"response", "model", "prompt_eval_count", "eval_count", "done_reason"}
	ollamaChatShape     = replyShape{"message.content", "model", "prompt_eval_count", "eval_count", "done_reason"}
)

func (s replyShape) extract(body []byte) (RawReply, error) {
	if !gjson.ValidBytes(body) {
		return RawReply{}, fmt.Errorf("%w: body is not JSON", ErrParse)
	}
	res := gjson.GetManyBytes(body, s.content, s.model, s.promptTokens, s.completionTokens, s.finish)
	if !res[0].Exists() {
		return RawReply{}, fmt.Errorf("%w: missing %s", ErrParse, s.content)
	}
	return RawReply{
		Content:          res[0].String(),
		Model:            res[1].String(),
		PromptTokens:     int(res[2].Int()),
		CompletionTokens: int(res[3].Int()),
		FinishReason:     res[4].String(),
	}, nil
}

// normalize turns a reply body into a RawReply. A body without the expected
// content is kept as raw text with ParseFallback set.
func normalize(provider string, body []byte, shape replyShape, model string) RawReply {
	reply, err := shape.extract(body)
	if err != nil {
		slog.Warn("AI reply not in expected shape, using raw text",
			"provider", provider,
			"error", err,
		)
		return RawReply{
			Content:       strings.TrimSpace(string(body)),
			Model:         model,
			ParseFallback: true,
		}
	}
	if reply.Model == "" {
		reply.Model = model
	}
	return reply
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// chatCompletionRequest is the body of an OpenAI-compatible chat completions call.
type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

func newChatCompletionRequest(messages []Message, opts Options, defaultModel string) chatCompletionRequest {
	req := chatCompletionRequest{
		Model:     firstNonEmpty(opts.Model, defaultModel),
		Messages:  messages,
		MaxTokens: opts.MaxTokens,
	}
	if opts.Temperature > 0 {
		temp := opts.Temperature
		req.Temperature = &temp
	}
	return req
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
