package ai

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProvider is a test double for AI providers.
type MockProvider struct {
	ProviderName string
	Response     string
	FinishReason string
	// Err fails every call. Errs is consumed one entry per call before Err is
	// consulted; a nil entry lets that call succeed.
	Err         error
	Errs        []error
	Delay       time.Duration
	Unavailable bool
	HealthErr   error
	Caps        Capabilities

	mu          sync.Mutex
	calls       int
	inFlight    int
	peak        int
	lastOptions Options
	lastPrompt  string
}

// NewMockProvider creates a MockProvider that returns the given response.
func NewMockProvider(name, response string) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		Response:     response,
		Caps:         Capabilities{Chat: true},
	}
}

func (m *MockProvider) Name() string               { return m.ProviderName }
func (m *MockProvider) Capabilities() Capabilities { return m.Caps }

func (m *MockProvider) IsAvailable(context.Context) bool {
	return !m.Unavailable
}

func (m *MockProvider) Chat(ctx context.Context, messages []Message, opts Options) (RawReply, error) {
	var prompt string
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	return m.reply(ctx, prompt, opts)
}

func (m *MockProvider) Generate(ctx context.Context, prompt string, opts Options) (RawReply, error) {
	return m.reply(ctx, prompt, opts)
}

func (m *MockProvider) reply(ctx context.Context, prompt string, opts Options) (RawReply, error) {
	m.mu.Lock()
	m.calls++
	m.inFlight++
	m.peak = max(m.peak, m.inFlight)
	m.lastOptions = opts
	m.lastPrompt = prompt
	var err error
	if len(m.Errs) > 0 {
		err = m.Errs[0]
		m.Errs = m.Errs[1:]
	} else {
		err = m.Err
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return RawReply{}, fmt.Errorf("%w: %s: %w", ErrExecution, m.ProviderName, ctx.Err())
		}
	}
	if err != nil {
		return RawReply{}, err
	}
	return RawReply{
		Content:          m.Response,
		Model:            firstNonEmpty(opts.Model, "mock"),
		PromptTokens:     10,
		CompletionTokens: len(m.Response),
		FinishReason:     m.FinishReason,
	}, nil
}

func (m *MockProvider) HealthCheck(context.Context) (HealthReport, error) {
	if m.HealthErr != nil {
		return HealthReport{Status: StatusUnhealthy}, m.HealthErr
	}
	return HealthReport{Status: StatusHealthy, Latency: time.Millisecond}, nil
}

// Calls returns how many times Chat or Generate ran.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Peak returns the highest number of concurrent calls observed.
func (m *MockProvider) Peak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// LastOptions returns the options of the most recent call.
func (m *MockProvider) LastOptions() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOptions
}

// LastPrompt returns the prompt (or last message) of the most recent call.
func (m *MockProvider) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPrompt
}
