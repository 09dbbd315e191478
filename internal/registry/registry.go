// Package registry keeps the set of AI backends and their live health.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
)

var (
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrDuplicateProvider = errors.New("provider already registered")
)

// DefaultUnavailableThreshold is the error rate at which a provider is taken out of rotation.
const DefaultUnavailableThreshold = 0.5

const (
	ewmaWeight     = 0.5
	successDecay   = 0.05
	failurePenalty = 0.1
)

// Fallback names the provider and model tried after the primary fails.
type Fallback struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ProviderConfig is the static routing and pricing data for one provider.
type ProviderConfig struct {
	Name                 string
	Tier                 int
	CostPerKTokens       float64
	MonthlyBudget        float64
	MaxRequestsPerWindow int
	DefaultModel         string
	Models               map[string]string
	Fallback             Fallback
	Pricing              map[string]ai.Pricing
}

// ModelFor resolves the model for req: an explicit model wins, then the
// use-case mapping, then the provider default.
func (c ProviderConfig) ModelFor(req ai.Request) string {
	if req.Model != "" {
		return req.Model
	}
	if m := c.Models[req.UseCase()]; m != "" {
		return m
	}
	return c.DefaultModel
}

// Cost prices usage on model, using the flat per-1K rate when the model has no price.
func (c ProviderConfig) Cost(model string, u ai.TokenUsage) float64 {
	if p, ok := c.Pricing[model]; ok {
		return p.Cost(u)
	}
	return ai.FlatCost(c.CostPerKTokens, u)
}

// ProviderHealth is the live health record of a provider.
type ProviderHealth struct {
	Name             string    `json:"name"`
	Available        bool      `json:"available"`
	ResponseTimeEWMA float64   `json:"response_time_ms"`
	ErrorRate        float64   `json:"error_rate"`
	CostPerKTokens   float64   `json:"cost_per_k_tokens"`
	PriorityTier     int       `json:"priority_tier"`
	LastCheckedAt    time.Time `json:"last_checked_at"`
	LastProbeOK      bool      `json:"last_probe_ok"`
}

type entry struct {
	provider ai.Provider
	cfg      ProviderConfig
	health   ProviderHealth
}

// Registry owns every provider entry. All health mutations go through one lock.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	threshold float64
	now       func() time.Time
	onChange  []func(ProviderHealth)
}

// Option configures a Registry.
type Option func(*Registry)

// WithUnavailableThreshold sets the error rate at which a provider becomes unavailable.
func WithUnavailableThreshold(threshold float64) Option {
	return func(r *Registry) {
		if threshold > 0 && threshold <= 1 {
			r.threshold = threshold
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithAvailabilityHook registers fn to run whenever a provider's availability flips.
// fn runs outside the registry lock.
func WithAvailabilityHook(fn func(ProviderHealth)) Option {
	return func(r *Registry) {
		r.onChange = append(r.onChange, fn)
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		threshold: DefaultUnavailableThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider. cfg.Name defaults to the provider's own name.
// New providers start available until the first observation.
func (r *Registry) Register(p ai.Provider, cfg ProviderConfig) error {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[cfg.Name]; ok {
		return fmt.Errorf("register %s: %w", cfg.Name, ErrDuplicateProvider)
	}
	r.entries[cfg.Name] = &entry{
		provider: p,
		cfg:      cfg,
		health: ProviderHealth{
			Name:           cfg.Name,
			Available:      true,
			CostPerKTokens: cfg.CostPerKTokens,
			PriorityTier:   cfg.Tier,
			LastProbeOK:    true,
		},
	}
	return nil
}

// Provider returns the backend and configuration registered under name.
func (r *Registry) Provider(name string) (ai.Provider, ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, ProviderConfig{}, fmt.Errorf("lookup %s: %w", name, ErrUnknownProvider)
	}
	return e.provider, e.cfg, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Health returns a copy of one provider's health record.
func (r *Registry) Health(name string) (ProviderHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return ProviderHealth{}, fmt.Errorf("health %s: %w", name, ErrUnknownProvider)
	}
	return e.health, nil
}

// Snapshot returns copies of all health records sorted by name.
func (r *Registry) Snapshot() []ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderHealth, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.health)
	}
	slices.SortFunc(out, func(a, b ProviderHealth) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// OnAvailabilityChange adds a hook after construction. See WithAvailabilityHook.
func (r *Registry) OnAvailabilityChange(fn func(ProviderHealth)) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// AnyAvailable reports whether at least one provider is in rotation.
func (r *Registry) AnyAvailable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.health.Available {
			return true
		}
	}
	return false
}

// RecordProbe applies a health probe result. Only probes set LastProbeOK.
func (r *Registry) RecordProbe(name string, ok bool, elapsed time.Duration) error {
	return r.apply(name, ok, elapsed, true)
}

// RecordOutcome applies the result of a real call. It moves the error rate
// and latency like a probe, so repeated live failures push a provider out of
// rotation before the next sweep, but it leaves LastProbeOK alone.
func (r *Registry) RecordOutcome(name string, ok bool, elapsed time.Duration) error {
	return r.apply(name, ok, elapsed, false)
}

func (r *Registry) apply(name string, ok bool, elapsed time.Duration, probe bool) error {
	r.mu.Lock()
	e, found := r.entries[name]
	if !found {
		r.mu.Unlock()
		return fmt.Errorf("record %s: %w", name, ErrUnknownProvider)
	}

	h := &e.health
	wasAvailable := h.Available
	if ok {
		ms := float64(elapsed) / float64(time.Millisecond)
		if h.ResponseTimeEWMA == 0 {
			h.ResponseTimeEWMA = ms
		} else {
			h.ResponseTimeEWMA = h.ResponseTimeEWMA*(1-ewmaWeight) + ms*ewmaWeight
		}
		h.ErrorRate = max(0, h.ErrorRate-successDecay)
	} else {
		h.ErrorRate = min(1, h.ErrorRate+failurePenalty)
	}
	if probe {
		h.LastProbeOK = ok
	}
	h.LastCheckedAt = r.now()
	h.Available = h.ErrorRate < r.threshold && h.LastProbeOK
	snapshot := *h
	hooks := r.onChange
	r.mu.Unlock()

	if snapshot.Available != wasAvailable {
		for _, fn := range hooks {
			fn(snapshot)
		}
	}
	return nil
}
