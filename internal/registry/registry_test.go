package registry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
	"github.com/p-n-ai/portfolio-ai/internal/registry"
)

func newRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for i, name := range names {
		if err := reg.Register(ai.NewMockProvider(name, "ok"), registry.ProviderConfig{Tier: i + 1}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	return reg
}

func TestRegister(t *testing.T) {
	reg := newRegistry(t, "openrouter", "ollama")

	if got := reg.Names(); len(got) != 2 || got[0] != "ollama" || got[1] != "openrouter" {
		t.Errorf("Names() = %v, want sorted [ollama openrouter]", got)
	}

	h, err := reg.Health("openrouter")
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if !h.Available || h.ErrorRate != 0 || h.PriorityTier != 1 {
		t.Errorf("initial health = %+v, want available, errorRate 0, tier 1", h)
	}

	err = reg.Register(ai.NewMockProvider("ollama", "dup"), registry.ProviderConfig{})
	if !errors.Is(err, registry.ErrDuplicateProvider) {
		t.Errorf("duplicate Register() error = %v, want ErrDuplicateProvider", err)
	}
}

func TestUnknownProvider(t *testing.T) {
	reg := registry.New()
	if _, _, err := reg.Provider("nope"); !errors.Is(err, registry.ErrUnknownProvider) {
		t.Errorf("Provider() error = %v, want ErrUnknownProvider", err)
	}
	if err := reg.RecordOutcome("nope", true, time.Millisecond); !errors.Is(err, registry.ErrUnknownProvider) {
		t.Errorf("RecordOutcome() error = %v, want ErrUnknownProvider", err)
	}
}

func TestRecordOutcome_UpdateRules(t *testing.T) {
	reg := newRegistry(t, "p1")

	_ = reg.RecordOutcome("p1", true, 100*time.Millisecond)
	h, _ := reg.Health("p1")
	if h.ResponseTimeEWMA != 100 {
		t.Errorf("first EWMA = %v, want 100 (seeded)", h.ResponseTimeEWMA)
	}

	_ = reg.RecordOutcome("p1", true, 300*time.Millisecond)
	h, _ = reg.Health("p1")
	if h.ResponseTimeEWMA != 200 {
		t.Errorf("EWMA = %v, want 200", h.ResponseTimeEWMA)
	}

	_ = reg.RecordOutcome("p1", false, 0)
	h, _ = reg.Health("p1")
	if !h.Available || !h.LastProbeOK {
		t.Errorf("Available = %v LastProbeOK = %v, want one failed call to leave the provider in rotation", h.Available, h.LastProbeOK)
	}
	if h.ErrorRate < 0.099 || h.ErrorRate > 0.101 {
		t.Errorf("ErrorRate = %v, want 0.1", h.ErrorRate)
	}
	if h.LastCheckedAt.IsZero() {
		t.Error("LastCheckedAt not set")
	}

	_ = reg.RecordProbe("p1", false, 0)
	h, _ = reg.Health("p1")
	if h.Available || h.LastProbeOK {
		t.Error("provider should be unavailable after a failed probe")
	}

	_ = reg.RecordOutcome("p1", true, 100*time.Millisecond)
	h, _ = reg.Health("p1")
	if h.Available {
		t.Error("a successful call should not override a failed probe")
	}
	if h.ErrorRate < 0.149 || h.ErrorRate > 0.151 {
		t.Errorf("ErrorRate = %v, want 0.15", h.ErrorRate)
	}

	_ = reg.RecordProbe("p1", true, 100*time.Millisecond)
	h, _ = reg.Health("p1")
	if !h.Available {
		t.Error("provider should recover after a successful probe below threshold")
	}
	if h.ErrorRate < 0.099 || h.ErrorRate > 0.101 {
		t.Errorf("ErrorRate = %v, want 0.1", h.ErrorRate)
	}
}

func TestRecordOutcome_RepeatedFailuresLeaveRotation(t *testing.T) {
	reg := newRegistry(t, "p1")
	for i := 1; i <= 5; i++ {
		_ = reg.RecordOutcome("p1", false, 0)
		h, _ := reg.Health("p1")
		if want := i < 5; h.Available != want {
			t.Errorf("after %d failures Available = %v, want %v (ErrorRate %v)", i, h.Available, want, h.ErrorRate)
		}
	}
}

func TestRecordOutcome_ThresholdKeepsProviderOut(t *testing.T) {
	reg := newRegistry(t, "p1")
	for range 6 {
		_ = reg.RecordOutcome("p1", false, 0)
	}
	_ = reg.RecordProbe("p1", true, time.Millisecond)

	h, _ := reg.Health("p1")
	if h.Available {
		t.Errorf("Available = true with ErrorRate %v, want false above threshold", h.ErrorRate)
	}
}

func TestAvailabilityHook(t *testing.T) {
	var flips []bool
	reg := registry.New(registry.WithAvailabilityHook(func(h registry.ProviderHealth) {
		flips = append(flips, h.Available)
	}))
	_ = reg.Register(ai.NewMockProvider("p1", "ok"), registry.ProviderConfig{})

	_ = reg.RecordOutcome("p1", true, time.Millisecond)
	for range 5 {
		_ = reg.RecordOutcome("p1", false, 0)
	}
	_ = reg.RecordOutcome("p1", true, time.Millisecond)
	_ = reg.RecordProbe("p1", false, 0)

	if len(flips) != 3 || flips[0] != false || flips[1] != true || flips[2] != false {
		t.Errorf("flips = %v, want [false true false]", flips)
	}
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	reg := newRegistry(t, "b", "a")
	snap := reg.Snapshot()
	if snap[0].Name != "a" || snap[1].Name != "b" {
		t.Errorf("Snapshot() order = %s,%s want a,b", snap[0].Name, snap[1].Name)
	}
	snap[0].Available = false
	if h, _ := reg.Health("a"); !h.Available {
		t.Error("mutating a snapshot changed the registry")
	}
}

func TestProviderConfig_ModelFor(t *testing.T) {
	cfg := registry.ProviderConfig{
		DefaultModel: "base",
		Models:       map[string]string{"analysis": "model-a", "forecast": "model-b"},
	}
	tests := []struct {
		name string
		req  ai.Request
		want string
	}{
		{"override", ai.Request{Model: "explicit", Context: map[string]string{"type": "analysis"}}, "explicit"},
		{"use-case", ai.Request{Context: map[string]string{"type": "forecast"}}, "model-b"},
		{"default", ai.Request{}, "base"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.ModelFor(tt.req); got != tt.want {
				t.Errorf("ModelFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProviderConfig_Cost(t *testing.T) {
	cfg := registry.ProviderConfig{
		CostPerKTokens: 1,
		Pricing:        map[string]ai.Pricing{"priced": {InputPerK: 2, OutputPerK: 4}},
	}
	u := ai.TokenUsage{Prompt: 1000, Completion: 1000, Total: 2000}
	if got := cfg.Cost("priced", u); got != 6 {
		t.Errorf("Cost(priced) = %v, want 6", got)
	}
	if got := cfg.Cost("other", u); got != 2 {
		t.Errorf("Cost(other) = %v, want 2", got)
	}
}

func TestProperty_HealthBounds(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("error rate stays in [0,1] and availability follows the rule", prop.ForAll(
		func(outcomes []bool) bool {
			reg := registry.New()
			_ = reg.Register(ai.NewMockProvider("p", "ok"), registry.ProviderConfig{})
			lastProbe := true
			for i, ok := range outcomes {
				if i%2 == 0 {
					_ = reg.RecordOutcome("p", ok, 5*time.Millisecond)
				} else {
					_ = reg.RecordProbe("p", ok, 5*time.Millisecond)
					lastProbe = ok
				}
				h, _ := reg.Health("p")
				if h.ErrorRate < 0 || h.ErrorRate > 1 {
					return false
				}
				if h.LastProbeOK != lastProbe {
					return false
				}
				if h.Available != (h.ErrorRate < registry.DefaultUnavailableThreshold && lastProbe) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
