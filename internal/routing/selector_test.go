package routing_test

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
	"github.com/p-n-ai/portfolio-ai/internal/registry"
	"github.com/p-n-ai/portfolio-ai/internal/routing"
)

func candidate(name string, tier int, ewma, errRate, cost float64) routing.Candidate {
	return routing.Candidate{Health: registry.ProviderHealth{
		Name:             name,
		Available:        true,
		ResponseTimeEWMA: ewma,
		ErrorRate:        errRate,
		CostPerKTokens:   cost,
		PriorityTier:     tier,
	}}
}

func TestSelect(t *testing.T) {
	premium := candidate("premium", 1, 800, 0, 3.0)
	cheap := candidate("cheap", 3, 200, 0, 0.1)
	mid := candidate("mid", 2, 300, 0.2, 1.0)

	tests := []struct {
		name     string
		priority ai.Priority
		in       []routing.Candidate
		want     string
	}{
		{"critical-prefers-tier", ai.PriorityCritical, []routing.Candidate{cheap, premium, mid}, "premium"},
		{"high-prefers-tier", ai.PriorityHigh, []routing.Candidate{cheap, mid}, "mid"},
		{"medium-prefers-tier", ai.PriorityMedium, []routing.Candidate{cheap, mid, premium}, "premium"},
		{"low-prefers-cost", ai.PriorityLow, []routing.Candidate{premium, mid, cheap}, "cheap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := routing.Selector{}.Select(ai.Request{Priority: tt.priority}, tt.in)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if got.Health.Name != tt.want {
				t.Errorf("Select() = %s, want %s", got.Health.Name, tt.want)
			}
		})
	}
}

func TestSelect_TieBreakOnPenalizedLatency(t *testing.T) {
	// 100*(1+0.9)=190 loses to 150*(1+0)=150.
	flaky := candidate("flaky", 1, 100, 0.9, 1)
	steady := candidate("steady", 1, 150, 0, 1)

	got, err := routing.Selector{}.Select(ai.Request{Priority: ai.PriorityHigh}, []routing.Candidate{flaky, steady})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.Health.Name != "steady" {
		t.Errorf("Select() = %s, want steady", got.Health.Name)
	}
}

func TestSelect_SkipsOverBudget(t *testing.T) {
	p1 := candidate("p1", 1, 100, 0, 1)
	p1.MonthlyBudget = 100
	p1.MonthlyCost = 150
	p2 := candidate("p2", 2, 100, 0, 1)

	got, err := routing.Selector{}.Select(ai.Request{Priority: ai.PriorityMedium}, []routing.Candidate{p1, p2})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.Health.Name != "p2" {
		t.Errorf("Select() = %s, want p2 (p1 over budget)", got.Health.Name)
	}

	got, err = routing.Selector{}.Select(ai.Request{Priority: ai.PriorityCritical}, []routing.Candidate{p1, p2})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.Health.Name != "p1" {
		t.Errorf("critical Select() = %s, want p1 (budget ignored)", got.Health.Name)
	}
}

func TestSelect_SkipsRateLimitedAndExcluded(t *testing.T) {
	a := candidate("a", 1, 100, 0, 1)
	a.MaxRequestsPerWindow = 10
	a.RequestsInWindow = 10
	b := candidate("b", 2, 100, 0, 1)
	c := candidate("c", 3, 100, 0, 1)

	got, err := routing.Selector{}.Select(ai.Request{Priority: ai.PriorityCritical}, []routing.Candidate{a, b, c}, "b")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.Health.Name != "c" {
		t.Errorf("Select() = %s, want c", got.Health.Name)
	}
}

func TestSelect_NoneAvailable(t *testing.T) {
	down := candidate("down", 1, 100, 0, 1)
	down.Health.Available = false

	tests := []struct {
		name string
		in   []routing.Candidate
	}{
		{"empty", nil},
		{"all-unavailable", []routing.Candidate{down}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := routing.Selector{}.Select(ai.Request{Priority: ai.PriorityCritical}, tt.in)
			if !errors.Is(err, routing.ErrNoProviderAvailable) {
				t.Errorf("Select() error = %v, want ErrNoProviderAvailable", err)
			}
		})
	}
}

func TestEligible(t *testing.T) {
	spent := candidate("spent", 1, 100, 0, 1)
	spent.MonthlyBudget, spent.MonthlyCost = 100, 150
	capped := candidate("capped", 1, 100, 0, 1)
	capped.MaxRequestsPerWindow, capped.RequestsInWindow = 2, 2
	down := candidate("down", 1, 100, 0, 1)
	down.Health.Available = false

	tests := []struct {
		name     string
		priority ai.Priority
		c        routing.Candidate
		want     bool
	}{
		{"within-limits", ai.PriorityMedium, candidate("ok", 1, 100, 0, 1), true},
		{"over-budget", ai.PriorityMedium, spent, false},
		{"over-budget-critical", ai.PriorityCritical, spent, true},
		{"window-cap", ai.PriorityMedium, capped, false},
		{"window-cap-critical", ai.PriorityCritical, capped, false},
		{"availability-not-checked", ai.PriorityMedium, down, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (routing.Selector{}).Eligible(ai.Request{Priority: tt.priority}, tt.c); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProperty_SelectorNeverPicksUnavailable(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("selected provider is available and critical gets the lowest tier", prop.ForAll(
		func(tiers []int, up []bool, priority int) bool {
			n := min(len(tiers), len(up))
			cands := make([]routing.Candidate, 0, n)
			bestTier := -1
			for i := range n {
				c := candidate(string(rune('a'+i%26))+string(rune('0'+i/26)), tiers[i], float64(10*i+1), 0, float64(n-i))
				c.Health.Available = up[i]
				cands = append(cands, c)
				if up[i] && (bestTier < 0 || tiers[i] < bestTier) {
					bestTier = tiers[i]
				}
			}

			got, err := routing.Selector{}.Select(ai.Request{Priority: ai.Priority(priority)}, cands)
			if bestTier < 0 {
				return errors.Is(err, routing.ErrNoProviderAvailable)
			}
			if err != nil || !got.Health.Available {
				return false
			}
			if ai.Priority(priority) == ai.PriorityCritical {
				return got.Health.PriorityTier == bestTier
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 5)),
		gen.SliceOf(gen.Bool()),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
