// Package routing picks the provider that should serve a request.
package routing

import (
	"cmp"
	"errors"
	"slices"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
	"github.com/p-n-ai/portfolio-ai/internal/registry"
)

// ErrNoProviderAvailable is returned when no provider passes the filters.
var ErrNoProviderAvailable = errors.New("no AI provider available")

// Candidate is a provider's health plus the spend and rate figures the
// selector filters on.
type Candidate struct {
	Health               registry.ProviderHealth
	MonthlyCost          float64
	MonthlyBudget        float64
	RequestsInWindow     int
	MaxRequestsPerWindow int
}

// OverBudget reports whether the monthly budget is spent. A zero budget is unlimited.
func (c Candidate) OverBudget() bool {
	return c.MonthlyBudget > 0 && c.MonthlyCost >= c.MonthlyBudget
}

// RateLimited reports whether the window request cap is reached. A zero cap is unlimited.
func (c Candidate) RateLimited() bool {
	return c.MaxRequestsPerWindow > 0 && c.RequestsInWindow >= c.MaxRequestsPerWindow
}

// Selector ranks candidates for a request.
type Selector struct{}

// Eligible reports whether c passes the window cap and, unless req is
// critical, the monthly budget. Availability is checked by the caller.
func (Selector) Eligible(req ai.Request, c Candidate) bool {
	if c.RateLimited() {
		return false
	}
	return req.Priority == ai.PriorityCritical || !c.OverBudget()
}

// Select returns the best candidate for req, skipping any names in exclude.
// Critical requests ignore budgets; low-priority requests go to the cheapest provider.
func (s Selector) Select(req ai.Request, candidates []Candidate, exclude ...string) (Candidate, error) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Health.Available && !slices.Contains(exclude, c.Health.Name) && s.Eligible(req, c) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return Candidate{}, ErrNoProviderAvailable
	}

	if req.Priority == ai.PriorityLow {
		slices.SortStableFunc(eligible, func(a, b Candidate) int {
			if c := cmp.Compare(a.Health.CostPerKTokens, b.Health.CostPerKTokens); c != 0 {
				return c
			}
			return byTierAndScore(a, b)
		})
	} else {
		slices.SortStableFunc(eligible, byTierAndScore)
	}
	return eligible[0], nil
}

func byTierAndScore(a, b Candidate) int {
	if c := cmp.Compare(a.Health.PriorityTier, b.Health.PriorityTier); c != 0 {
		return c
	}
	if c := cmp.Compare(score(a.Health), score(b.Health)); c != 0 {
		return c
	}
	return cmp.Compare(a.Health.Name, b.Health.Name)
}

// score is the latency penalized by error rate; lower is better.
func score(h registry.ProviderHealth) float64 {
	return h.ResponseTimeEWMA * (1 + h.ErrorRate)
}
