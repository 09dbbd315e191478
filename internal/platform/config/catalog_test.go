package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validCatalog = `
providers:
  - name: openrouter
    tier: 1
    cost_per_k_tokens: 0.002
    monthly_budget: 100
    max_requests_per_window: 60
    default_model: openai/gpt-4o-mini
    models:
      portfolio_analysis: anthropic/claude-3.5-sonnet
    fallback:
      provider: ollama
    pricing:
      openai/gpt-4o-mini:
        input_per_k: 0.00015
        output_per_k: 0.0006
  - name: ollama
    tier: 2
    default_model: llama3:8b
`

func TestParseCatalog_Valid(t *testing.T) {
	cat, err := ParseCatalog([]byte(validCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}
	if len(cat.Providers) != 2 {
		t.Fatalf("len(Providers) = %d, want 2", len(cat.Providers))
	}

	e, ok := cat.Entry("openrouter")
	if !ok {
		t.Fatal("Entry(openrouter) not found")
	}
	pc := e.ProviderConfig()
	if pc.Tier != 1 || pc.MonthlyBudget != 100 || pc.MaxRequestsPerWindow != 60 {
		t.Errorf("ProviderConfig() = %+v, want tier 1 budget 100 window 60", pc)
	}
	if pc.Fallback.Provider != "ollama" {
		t.Errorf("Fallback.Provider = %q, want ollama", pc.Fallback.Provider)
	}
	if pc.Models["portfolio_analysis"] != "anthropic/claude-3.5-sonnet" {
		t.Errorf("Models[portfolio_analysis] = %q", pc.Models["portfolio_analysis"])
	}
	if p := pc.Pricing["openai/gpt-4o-mini"]; p.OutputPerK != 0.0006 {
		t.Errorf("Pricing output = %v, want 0.0006", p.OutputPerK)
	}

	ollama, _ := cat.Entry("ollama")
	if ollama.ProviderConfig().Fallback.Provider != "" {
		t.Error("ollama should have no fallback")
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty", "", "empty"},
		{"not yaml", "providers: [", "parse yaml"},
		{"no providers", "providers: []", "invalid catalog"},
		{"missing tier", "providers:\n  - name: a\n", "invalid catalog"},
		{"negative budget", "providers:\n  - name: a\n    tier: 1\n    monthly_budget: -1\n", "invalid catalog"},
		{"unknown field", "providers:\n  - name: a\n    tier: 1\n    colour: red\n", "invalid catalog"},
		{"bad name", "providers:\n  - name: Open Router\n    tier: 1\n", "invalid catalog"},
		{
			"duplicate",
			"providers:\n  - name: a\n    tier: 1\n  - name: a\n    tier: 2\n",
			"duplicate provider",
		},
		{
			"unknown fallback",
			"providers:\n  - name: a\n    tier: 1\n    fallback:\n      provider: b\n",
			"unknown provider",
		},
		{
			"self fallback",
			"providers:\n  - name: a\n    tier: 1\n    default_model: m\n    fallback:\n      provider: a\n",
			"falls back to itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseCatalog() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseCatalog_SelfFallbackOtherModel(t *testing.T) {
	y := "providers:\n  - name: a\n    tier: 1\n    default_model: big\n    fallback:\n      provider: a\n      model: small\n"
	if _, err := ParseCatalog([]byte(y)); err != nil {
		t.Errorf("ParseCatalog() error = %v, want same-provider fallback to a different model allowed", err)
	}
}

func TestLoadCatalog(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		cat, err := LoadCatalog("")
		if err != nil {
			t.Fatalf("LoadCatalog(\"\") error = %v", err)
		}
		if _, ok := cat.Entry("openrouter"); !ok {
			t.Error("default catalog should include openrouter")
		}
		if err := cat.check(); err != nil {
			t.Errorf("default catalog check() = %v", err)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.yaml")
		if err := os.WriteFile(path, []byte(validCatalog), 0o600); err != nil {
			t.Fatal(err)
		}
		cat, err := LoadCatalog(path)
		if err != nil {
			t.Fatalf("LoadCatalog() error = %v", err)
		}
		if len(cat.Providers) != 2 {
			t.Errorf("len(Providers) = %d, want 2", len(cat.Providers))
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("LoadCatalog() on a missing file should fail")
		}
	})
}
