package main

import (
	"fmt"
	"log/slog"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
	"github.com/p-n-ai/portfolio-ai/internal/platform/config"
	"github.com/p-n-ai/portfolio-ai/internal/registry"
)

// uncatalogedTier ranks providers that have credentials but no catalog entry last.
const uncatalogedTier = 10

// buildProviders returns a backend for every provider that has credentials or is enabled.
func buildProviders(cfg config.AIConfig) ([]ai.Provider, error) {
	var providers []ai.Provider

	if cfg.OpenRouter.APIKey != "" {
		var opts []ai.OpenRouterOption
		if cfg.OpenRouter.BaseURL != "" {
			opts = append(opts, ai.WithOpenRouterBaseURL(cfg.OpenRouter.BaseURL))
		}
		providers = append(providers, ai.NewOpenRouterProvider(cfg.OpenRouter.APIKey, opts...))
	}
	if cfg.Ollama.Enabled {
		providers = append(providers, ai.NewOllamaProvider(cfg.Ollama.URL))
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []ai.AnthropicOption
		if cfg.Anthropic.RequestsPerSec > 0 {
			opts = append(opts, ai.WithAnthropicRateLimit(cfg.Anthropic.RequestsPerSec, cfg.Anthropic.Burst))
		}
		p, err := ai.NewAnthropicProvider(cfg.Anthropic.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic provider: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.OpenAI.APIKey != "" {
		providers = append(providers, ai.NewOpenAIProvider(cfg.OpenAI.APIKey))
	}
	if cfg.DeepSeek.APIKey != "" {
		providers = append(providers, ai.NewDeepSeekProvider(cfg.DeepSeek.APIKey))
	}
	if cfg.Google.APIKey != "" {
		providers = append(providers, ai.NewGoogleProvider(cfg.Google.APIKey))
	}
	return providers, nil
}

// registerProviders adds the configured backends to reg with their catalog
// routing data and returns how many were registered.
func registerProviders(reg *registry.Registry, cfg config.AIConfig, catalog config.Catalog) (int, error) {
	providers, err := buildProviders(cfg)
	if err != nil {
		return 0, err
	}

	for _, p := range providers {
		pc := registry.ProviderConfig{Name: p.Name(), Tier: uncatalogedTier}
		if entry, ok := catalog.Entry(p.Name()); ok {
			pc = entry.ProviderConfig()
		} else {
			slog.Warn("provider missing from catalog, using lowest tier", "provider", p.Name())
		}
		if err := reg.Register(p, pc); err != nil {
			return 0, err
		}
	}

	for _, name := range reg.Names() {
		_, pc, _ := reg.Provider(name)
		if fb := pc.Fallback.Provider; fb != "" {
			if _, _, err := reg.Provider(fb); err != nil {
				slog.Warn("fallback provider not configured, selector will pick instead",
					"provider", name, "fallback", fb)
			}
		}
	}
	return len(providers), nil
}

func logQueuedResult(req ai.Request, resp ai.Response) {
	slog.Info("queued ai request finished",
		"request_id", req.ID,
		"provider", resp.Provider,
		"degraded", resp.Metadata.Degraded,
		"cached", resp.Cached,
		"elapsed_ms", resp.ProcessingTimeMs,
	)
}
