package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
	"github.com/p-n-ai/portfolio-ai/internal/registry"
)

//go:embed catalog.schema.json
var catalogSchema string

// Catalog lists the providers the orchestrator may route to.
type Catalog struct {
	Providers []CatalogEntry `yaml:"providers"`
}

// CatalogEntry is one provider's routing and pricing data.
type CatalogEntry struct {
	Name                 string                `yaml:"name"`
	Tier                 int                   `yaml:"tier"`
	CostPerKTokens       float64               `yaml:"cost_per_k_tokens"`
	MonthlyBudget        float64               `yaml:"monthly_budget"`
	MaxRequestsPerWindow int                   `yaml:"max_requests_per_window"`
	DefaultModel         string                `yaml:"default_model"`
	Models               map[string]string     `yaml:"models"`
	Fallback             *CatalogFallback      `yaml:"fallback"`
	Pricing              map[string]ai.Pricing `yaml:"pricing"`
}

// CatalogFallback names the provider, and optionally the model, to retry on.
type CatalogFallback struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// DefaultCatalog is used when FOLIO_CATALOG_PATH is unset.
func DefaultCatalog() Catalog {
	return Catalog{Providers: []CatalogEntry{
		{
			Name:           "openrouter",
			Tier:           1,
			CostPerKTokens: 0.002,
			MonthlyBudget:  100,
			DefaultModel:   "openai/gpt-4o-mini",
			Models: map[string]string{
				"portfolio_analysis": "anthropic/claude-3.5-sonnet",
				"market_summary":     "openai/gpt-4o-mini",
			},
			Fallback: &CatalogFallback{Provider: "ollama"},
		},
		{
			Name:           "anthropic",
			Tier:           1,
			CostPerKTokens: 0.003,
			MonthlyBudget:  100,
			DefaultModel:   "claude-sonnet-4-20250514",
			Fallback:       &CatalogFallback{Provider: "ollama"},
			Pricing: map[string]ai.Pricing{
				"claude-sonnet-4-20250514": {InputPerK: 0.003, OutputPerK: 0.015},
			},
		},
		{
			Name:           "openai",
			Tier:           2,
			CostPerKTokens: 0.0006,
			MonthlyBudget:  50,
			DefaultModel:   "gpt-4o-mini",
			Pricing: map[string]ai.Pricing{
				"gpt-4o-mini": {InputPerK: 0.00015, OutputPerK: 0.0006},
			},
		},
		{
			Name:           "google",
			Tier:           2,
			CostPerKTokens: 0.0004,
			MonthlyBudget:  50,
			DefaultModel:   "gemini-2.5-flash",
		},
		{
			Name:           "deepseek",
			Tier:           2,
			CostPerKTokens: 0.0003,
			MonthlyBudget:  25,
			DefaultModel:   "deepseek-chat",
		},
		{
			Name:         "ollama",
			Tier:         3,
			DefaultModel: "llama3:8b",
		},
	}}
}

// LoadCatalog reads and validates the catalog at path. An empty path
// returns DefaultCatalog.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("catalog %s: %w", path, err)
	}
	slog.Info("provider catalog loaded", "path", path, "providers", len(cat.Providers))
	return cat, nil
}

// ParseCatalog validates YAML data against the catalog schema and decodes it.
func ParseCatalog(data []byte) (Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Catalog{}, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return Catalog{}, fmt.Errorf("catalog is empty")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(catalogSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return Catalog{}, fmt.Errorf("validate catalog: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Catalog{}, fmt.Errorf("invalid catalog: %s", strings.Join(msgs, "; "))
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if err := cat.check(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

// check enforces the cross-entry rules the schema cannot express.
func (c Catalog) check() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	for _, p := range c.Providers {
		if p.Fallback == nil {
			continue
		}
		if !seen[p.Fallback.Provider] {
			return fmt.Errorf("provider %q falls back to unknown provider %q", p.Name, p.Fallback.Provider)
		}
		if p.Fallback.Provider == p.Name && (p.Fallback.Model == "" || p.Fallback.Model == p.DefaultModel) {
			return fmt.Errorf("provider %q falls back to itself", p.Name)
		}
	}
	return nil
}

// Entry returns the catalog entry for name.
func (c Catalog) Entry(name string) (CatalogEntry, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return CatalogEntry{}, false
}

// ProviderConfig converts the entry for registration.
func (e CatalogEntry) ProviderConfig() registry.ProviderConfig {
	cfg := registry.ProviderConfig{
		Name:                 e.Name,
		Tier:                 e.Tier,
		CostPerKTokens:       e.CostPerKTokens,
		MonthlyBudget:        e.MonthlyBudget,
		MaxRequestsPerWindow: e.MaxRequestsPerWindow,
		DefaultModel:         e.DefaultModel,
		Models:               e.Models,
		Pricing:              e.Pricing,
	}
	if e.Fallback != nil {
		cfg.Fallback = registry.Fallback{Provider: e.Fallback.Provider, Model: e.Fallback.Model}
	}
	return cfg
}
