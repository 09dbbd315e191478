package ai

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateTokens counts text with the cl100k_base encoding, falling back to
// roughly four characters per token when the encoding is unavailable.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			slog.Warn("token encoder unavailable, using length estimate", "error", err)
			return
		}
		codec = c
	})
	if codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (len(text) + 3) / 4
}

// Usage returns the reply's token counts, estimating any the backend omitted.
func (r RawReply) Usage(prompt string) TokenUsage {
	u := TokenUsage{Prompt: r.PromptTokens, Completion: r.CompletionTokens}
	if u.Prompt == 0 {
		u.Prompt = EstimateTokens(prompt)
	}
	if u.Completion == 0 {
		u.Completion = EstimateTokens(r.Content)
	}
	u.Total = u.Prompt + u.Completion
	return u
}

// Confidence scores a reply from 0 to 100. Unparsed replies score 50,
// truncated and very short replies lose points, empty replies score 0.
func Confidence(r RawReply) int {
	content := strings.TrimSpace(r.Content)
	if content == "" {
		return 0
	}
	score := 85
	if r.ParseFallback {
		score = 50
	}
	if truncated(r.FinishReason) {
		score -= 15
	}
	if len(content) < 20 {
		score -= 10
	}
	return min(max(score, 0), 100)
}

func truncated(finish string) bool {
	switch strings.ToLower(finish) {
	case "length", "max_tokens":
		return true
	}
	return false
}
