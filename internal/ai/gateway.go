// Package ai defines the canonical request/response model for AI calls and the
// provider backends that execute them.
package ai

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Priority orders requests for routing and queueing.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its value. Unknown names are medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if p < PriorityLow || p > PriorityCritical {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	*p = ParsePriority(string(text))
	return nil
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single AI call as submitted by a caller. It is not modified
// after submission; the orchestrator works on copies.
type Request struct {
	ID          string            `json:"id,omitempty"`
	Prompt      string            `json:"prompt"`
	Messages    []Message         `json:"messages,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Priority    Priority          `json:"priority"`
	Model       string            `json:"model,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	CacheKey    string            `json:"cache_key,omitempty"`
	CacheTTL    time.Duration     `json:"-"`
	Stream      bool              `json:"stream,omitempty"`
	Timeout     time.Duration     `json:"-"`
}

// UseCase returns the request's use-case tag (Context["type"]), or "general".
func (r Request) UseCase() string {
	if t := r.Context["type"]; t != "" {
		return t
	}
	return "general"
}

// ChatMessages returns the chat history, or the prompt as a single user turn.
func (r Request) ChatMessages() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []Message{{Role: "user", Content: r.Prompt}}
}

// Text returns the prompt text used for cache keys and token estimates.
func (r Request) Text() string {
	if r.Prompt != "" || len(r.Messages) == 0 {
		return r.Prompt
	}
	var b strings.Builder
	for i, m := range r.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// TokenUsage counts tokens for one call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Metadata carries bookkeeping for a response.
type Metadata struct {
	RequestID     string            `json:"request_id"`
	Timestamp     time.Time         `json:"timestamp"`
	CallerContext map[string]string `json:"caller_context,omitempty"`
	Attempts      int               `json:"attempts"`
	FallbackUsed  bool              `json:"fallback_used"`
	Degraded      bool              `json:"degraded"`
}

// Response is the normalized outcome of a request. Provider "fallback" with
// zero confidence marks a degraded answer.
type Response struct {
	Content          string     `json:"content"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	Tokens           TokenUsage `json:"tokens"`
	Cost             float64    `json:"cost"`
	Confidence       int        `json:"confidence"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
	Cached           bool       `json:"cached"`
	Metadata         Metadata   `json:"metadata"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Chat   bool `json:"chat"`
	Stream bool `json:"stream"`
	Tools  bool `json:"tools"`
}

// Options are the per-call generation settings passed to a backend.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Stream      bool
}

// RawReply is a backend's reply before it is turned into a Response.
type RawReply struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
	// ParseFallback is set when the reply did not have the expected shape and
	// Content holds the raw body text.
	ParseFallback bool
}

// HealthStatus is the outcome of a health probe.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthReport is returned by Provider.HealthCheck.
type HealthReport struct {
	Status  HealthStatus
	Latency time.Duration
}

// Provider is the interface all AI backends implement.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	// IsAvailable reports whether the backend is configured to take calls.
	IsAvailable(ctx context.Context) bool
	Chat(ctx context.Context, messages []Message, opts Options) (RawReply, error)
	Generate(ctx context.Context, prompt string, opts Options) (RawReply, error)
	HealthCheck(ctx context.Context) (HealthReport, error)
}
