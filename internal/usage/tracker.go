// Package usage counts AI calls, tokens and spend per provider.
package usage

import (
	"slices"
	"sync"
	"time"
)

// DefaultWindow is the length of the per-provider request window.
const DefaultWindow = time.Minute

// Outcome is one completed provider call.
type Outcome struct {
	Success bool
	Tokens  int
	Cost    float64
	Latency time.Duration
}

// Counters are the running figures for one provider.
type Counters struct {
	RequestsInWindow int       `json:"requests_in_window"`
	TokensInWindow   int       `json:"tokens_in_window"`
	WindowResetAt    time.Time `json:"window_reset_at"`
	DailyCost        float64   `json:"daily_cost"`
	MonthlyCost      float64   `json:"monthly_cost"`
	Requests         int64     `json:"requests"`
	Failures         int64     `json:"failures"`
	TotalLatencyMs   int64     `json:"total_latency_ms"`
	TotalTokens      int64     `json:"total_tokens"`
	TotalCost        float64   `json:"total_cost"`

	day   string
	month string
}

// Tracker is written by the orchestrator only; everything else reads Summary.
type Tracker struct {
	mu        sync.Mutex
	window    time.Duration
	now       func() time.Time
	providers map[string]*Counters

	cacheHits   int64
	cacheMisses int64
	degraded    int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a Tracker. A non-positive window uses DefaultWindow.
func New(window time.Duration, opts ...Option) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	t := &Tracker{
		window:    window,
		now:       time.Now,
		providers: make(map[string]*Counters),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// counters returns the rolled-over counters for provider. Callers hold t.mu.
func (t *Tracker) counters(provider string) *Counters {
	c, ok := t.providers[provider]
	if !ok {
		c = &Counters{}
		t.providers[provider] = c
	}

	now := t.now()
	if now.After(c.WindowResetAt) {
		c.RequestsInWindow = 0
		c.TokensInWindow = 0
		c.WindowResetAt = now.Add(t.window)
	}
	utc := now.UTC()
	if day := utc.Format(time.DateOnly); day != c.day {
		c.day = day
		c.DailyCost = 0
	}
	if month := utc.Format("2006-01"); month != c.month {
		c.month = month
		c.MonthlyCost = 0
	}
	return c
}

// Record adds a completed call, successful or not.
func (t *Tracker) Record(provider string, o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.counters(provider)
	c.RequestsInWindow++
	c.TokensInWindow += o.Tokens
	c.Requests++
	if !o.Success {
		c.Failures++
	}
	c.TotalLatencyMs += o.Latency.Milliseconds()
	c.TotalTokens += int64(o.Tokens)
	c.TotalCost += o.Cost
	c.DailyCost += o.Cost
	c.MonthlyCost += o.Cost
}

// RecordCacheHit counts a request served from the response cache.
func (t *Tracker) RecordCacheHit() {
	t.mu.Lock()
	t.cacheHits++
	t.mu.Unlock()
}

// RecordCacheMiss counts a request the response cache could not serve.
func (t *Tracker) RecordCacheMiss() {
	t.mu.Lock()
	t.cacheMisses++
	t.mu.Unlock()
}

// RecordDegraded counts a request answered with the degraded response.
func (t *Tracker) RecordDegraded() {
	t.mu.Lock()
	t.degraded++
	t.mu.Unlock()
}

// Counters returns a copy of provider's counters after window and calendar rollover.
func (t *Tracker) Counters(provider string) Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.counters(provider)
}

// ProviderSummary is one provider's share of a Summary.
type ProviderSummary struct {
	Name             string  `json:"name"`
	Requests         int64   `json:"requests"`
	Failures         int64   `json:"failures"`
	SuccessRate      float64 `json:"success_rate"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
	DailyCost        float64 `json:"daily_cost"`
	MonthlyCost      float64 `json:"monthly_cost"`
	RequestsInWindow int     `json:"requests_in_window"`
}

// Summary aggregates usage across providers.
type Summary struct {
	GeneratedAt       time.Time         `json:"generated_at"`
	TotalRequests     int64             `json:"total_requests"`
	FailedRequests    int64             `json:"failed_requests"`
	SuccessRate       float64           `json:"success_rate"`
	AvgLatencyMs      float64           `json:"avg_latency_ms"`
	TotalTokens       int64             `json:"total_tokens"`
	TotalCost         float64           `json:"total_cost"`
	CacheHits         int64             `json:"cache_hits"`
	CacheMisses       int64             `json:"cache_misses"`
	CacheHitRate      float64           `json:"cache_hit_rate"`
	DegradedResponses int64             `json:"degraded_responses"`
	Providers         []ProviderSummary `json:"providers"`
}

// Summary returns aggregate statistics. Rates are 0 when there is nothing to divide by.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		GeneratedAt:       t.now(),
		CacheHits:         t.cacheHits,
		CacheMisses:       t.cacheMisses,
		DegradedResponses: t.degraded,
		Providers:         make([]ProviderSummary, 0, len(t.providers)),
	}
	var totalLatency int64
	for name := range t.providers {
		c := t.counters(name)
		ps := ProviderSummary{
			Name:             name,
			Requests:         c.Requests,
			Failures:         c.Failures,
			SuccessRate:      ratio(c.Requests-c.Failures, c.Requests),
			AvgLatencyMs:     ratio(c.TotalLatencyMs, c.Requests),
			TotalTokens:      c.TotalTokens,
			TotalCost:        c.TotalCost,
			DailyCost:        c.DailyCost,
			MonthlyCost:      c.MonthlyCost,
			RequestsInWindow: c.RequestsInWindow,
		}
		s.Providers = append(s.Providers, ps)
		s.TotalRequests += c.Requests
		s.FailedRequests += c.Failures
		s.TotalTokens += c.TotalTokens
		s.TotalCost += c.TotalCost
		totalLatency += c.TotalLatencyMs
	}
	slices.SortFunc(s.Providers, func(a, b ProviderSummary) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	s.SuccessRate = ratio(s.TotalRequests-s.FailedRequests, s.TotalRequests)
	s.AvgLatencyMs = ratio(totalLatency, s.TotalRequests)
	s.CacheHitRate = ratio(s.CacheHits, s.CacheHits+s.CacheMisses)
	return s
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
