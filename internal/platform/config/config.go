// Package config loads application configuration from environment variables.
// All variables use the FOLIO_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Cache        CacheConfig
	AI           AIConfig
	Orchestrator OrchestratorConfig
	Log          LogConfig
	CatalogPath  string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig holds PostgreSQL connection settings for the audit log.
// An empty URL disables the Postgres sink.
type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
}

// CacheConfig holds Redis settings for the response cache.
// An empty URL selects the in-process store.
type CacheConfig struct {
	URL       string
	KeyPrefix string
}

// AIConfig holds configuration for all AI providers.
type AIConfig struct {
	OpenRouter OpenRouterConfig
	Ollama     OllamaConfig
	Anthropic  AnthropicConfig
	OpenAI     OpenAIConfig
	DeepSeek   DeepSeekConfig
	Google     GoogleConfig
}

// OpenRouterConfig holds OpenRouter provider settings.
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
}

// OllamaConfig holds self-hosted Ollama settings.
type OllamaConfig struct {
	Enabled bool
	URL     string
}

// AnthropicConfig holds Anthropic provider settings.
type AnthropicConfig struct {
	APIKey         string
	RequestsPerSec float64
	Burst          int
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	APIKey string
}

// DeepSeekConfig holds DeepSeek provider settings (OpenAI-compatible).
type DeepSeekConfig struct {
	APIKey string
}

// GoogleConfig holds Google Gemini provider settings.
type GoogleConfig struct {
	APIKey string
}

// OrchestratorConfig holds request routing, queueing and caching knobs.
type OrchestratorConfig struct {
	RequestTimeout       time.Duration
	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	DispatchInterval     time.Duration
	MaxConcurrent        int
	MaxQueue             int
	CacheTTL             time.Duration
	MinCacheConfidence   int
	UnavailableThreshold float64
	UsageWindow          time.Duration
	AuditBuffer          int
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables with FOLIO_ prefix.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("FOLIO_SERVER_PORT", 8080),
			Host: envStr("FOLIO_SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			URL:      envStr("FOLIO_DATABASE_URL", ""),
			MaxConns: envInt("FOLIO_DATABASE_MAX_CONNS", 10),
			MinConns: envInt("FOLIO_DATABASE_MIN_CONNS", 2),
		},
		Cache: CacheConfig{
			URL:       envStr("FOLIO_CACHE_URL", ""),
			KeyPrefix: envStr("FOLIO_CACHE_KEY_PREFIX", "folio:ai:"),
		},
		AI: AIConfig{
			OpenRouter: OpenRouterConfig{
				APIKey:  envStr("FOLIO_AI_OPENROUTER_API_KEY", ""),
				BaseURL: envStr("FOLIO_AI_OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			},
			Ollama: OllamaConfig{
				Enabled: envBool("FOLIO_AI_OLLAMA_ENABLED", false),
				URL:     envStr("FOLIO_AI_OLLAMA_URL", "http://localhost:11434"),
			},
			Anthropic: AnthropicConfig{
				APIKey:         envStr("FOLIO_AI_ANTHROPIC_API_KEY", ""),
				RequestsPerSec: envFloat("FOLIO_AI_ANTHROPIC_RPS", 0),
				Burst:          envInt("FOLIO_AI_ANTHROPIC_BURST", 1),
			},
			OpenAI: OpenAIConfig{
				APIKey: envStr("FOLIO_AI_OPENAI_API_KEY", ""),
			},
			DeepSeek: DeepSeekConfig{
				APIKey: envStr("FOLIO_AI_DEEPSEEK_API_KEY", ""),
			},
			Google: GoogleConfig{
				APIKey: envStr("FOLIO_AI_GOOGLE_API_KEY", ""),
			},
		},
		Orchestrator: OrchestratorConfig{
			RequestTimeout:       envDuration("FOLIO_AI_REQUEST_TIMEOUT", 30*time.Second),
			ProbeInterval:        envDuration("FOLIO_AI_PROBE_INTERVAL", 2*time.Minute),
			ProbeTimeout:         envDuration("FOLIO_AI_PROBE_TIMEOUT", 10*time.Second),
			DispatchInterval:     envDuration("FOLIO_AI_DISPATCH_INTERVAL", 100*time.Millisecond),
			MaxConcurrent:        envInt("FOLIO_AI_MAX_CONCURRENT", 5),
			MaxQueue:             envInt("FOLIO_AI_MAX_QUEUE", 1000),
			CacheTTL:             envDuration("FOLIO_AI_CACHE_TTL", time.Hour),
			MinCacheConfidence:   envInt("FOLIO_AI_MIN_CACHE_CONFIDENCE", 70),
			UnavailableThreshold: envFloat("FOLIO_AI_UNAVAILABLE_THRESHOLD", 0.5),
			UsageWindow:          envDuration("FOLIO_AI_USAGE_WINDOW", time.Minute),
			AuditBuffer:          envInt("FOLIO_AUDIT_BUFFER", 1024),
		},
		Log: LogConfig{
			Level:  envStr("FOLIO_LOG_LEVEL", "info"),
			Format: envStr("FOLIO_LOG_FORMAT", "json"),
		},
		CatalogPath: envStr("FOLIO_CATALOG_PATH", ""),
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if !c.HasAIProvider() {
		return fmt.Errorf("at least one AI provider must be configured")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("FOLIO_SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("FOLIO_LOG_LEVEL must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("FOLIO_LOG_FORMAT must be 'json' or 'text', got %q", c.Log.Format)
	}

	o := c.Orchestrator
	if o.MaxConcurrent < 1 {
		return fmt.Errorf("FOLIO_AI_MAX_CONCURRENT must be positive, got %d", o.MaxConcurrent)
	}
	if o.MaxQueue < 1 {
		return fmt.Errorf("FOLIO_AI_MAX_QUEUE must be positive, got %d", o.MaxQueue)
	}
	if o.MinCacheConfidence < 1 || o.MinCacheConfidence > 100 {
		return fmt.Errorf("FOLIO_AI_MIN_CACHE_CONFIDENCE must be within 1..100, got %d", o.MinCacheConfidence)
	}
	if o.UnavailableThreshold <= 0 || o.UnavailableThreshold > 1 {
		return fmt.Errorf("FOLIO_AI_UNAVAILABLE_THRESHOLD must be within (0, 1], got %v", o.UnavailableThreshold)
	}
	if o.RequestTimeout <= 0 {
		return fmt.Errorf("FOLIO_AI_REQUEST_TIMEOUT must be positive, got %s", o.RequestTimeout)
	}

	if c.Database.URL != "" && c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("FOLIO_DATABASE_MIN_CONNS (%d) exceeds FOLIO_DATABASE_MAX_CONNS (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}

	return nil
}

// HasAIProvider returns true if at least one AI provider is configured.
func (c *Config) HasAIProvider() bool {
	return c.AI.OpenRouter.APIKey != "" ||
		c.AI.Ollama.Enabled ||
		c.AI.Anthropic.APIKey != "" ||
		c.AI.OpenAI.APIKey != "" ||
		c.AI.DeepSeek.APIKey != "" ||
		c.AI.Google.APIKey != ""
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}

// envDuration accepts Go duration strings ("90s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if s, err := strconv.Atoi(v); err == nil {
		return time.Duration(s) * time.Second
	}
	return fallback
}
