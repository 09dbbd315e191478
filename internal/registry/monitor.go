package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
)

const (
	DefaultProbeInterval = 2 * time.Minute
	DefaultProbeTimeout  = 10 * time.Second
)

// Monitor probes every registered provider on a fixed interval.
type Monitor struct {
	registry      *Registry
	interval      time.Duration
	timeout       time.Duration
	maxConcurrent int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a Monitor. Non-positive values fall back to the defaults.
func NewMonitor(reg *Registry, interval, timeout time.Duration, maxConcurrent int) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Monitor{
		registry:      reg,
		interval:      interval,
		timeout:       timeout,
		maxConcurrent: maxConcurrent,
	}
}

// Start runs an initial sweep and then probes on every tick until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("health monitor already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(ctx, m.done)

	slog.Info("health monitor started",
		"interval", m.interval,
		"providers", len(m.registry.Names()),
	)
	return nil
}

// Stop halts the probe loop and waits for an in-progress sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done
	slog.Info("health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.CheckAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every provider concurrently, at most maxConcurrent at a time.
func (m *Monitor) CheckAll(ctx context.Context) {
	sem := make(chan struct{}, m.maxConcurrent)
	var wg sync.WaitGroup
	for _, name := range m.registry.Names() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			if err := m.Probe(ctx, name); err != nil {
				slog.Debug("health probe failed", "provider", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
}

// Probe checks one provider and records the result. A provider that reports
// itself unavailable or unhealthy, errors, or panics counts as a failed probe.
// The latency the provider reports, when it reports one, is recorded in place
// of the measured round trip.
func (m *Monitor) Probe(ctx context.Context, name string) (err error) {
	p, _, err := m.registry.Provider(name)
	if err != nil {
		return err
	}

	start := time.Now()
	var latency time.Duration
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health probe panic: %v", r)
			slog.Error("health probe panicked", "provider", name, "panic", r)
		}
		// A sweep cut short by shutdown says nothing about the provider.
		if err != nil && ctx.Err() != nil {
			return
		}
		if latency <= 0 {
			latency = time.Since(start)
		}
		if recErr := m.registry.RecordProbe(name, err == nil, latency); recErr != nil {
			slog.Warn("record probe failed", "provider", name, "error", recErr)
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if !p.IsAvailable(probeCtx) {
		return errors.New("provider reports unavailable")
	}
	report, err := p.HealthCheck(probeCtx)
	if err != nil {
		return err
	}
	if report.Status != ai.StatusHealthy {
		return fmt.Errorf("provider reports status %q", report.Status)
	}
	latency = report.Latency
	return nil
}
