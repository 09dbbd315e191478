// Package orchestrator is the single entry point for AI calls. It owns the
// provider registry, health monitor, response cache, priority queue and
// usage counters for the lifetime of the process.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
	"github.com/p-n-ai/portfolio-ai/internal/audit"
	"github.com/p-n-ai/portfolio-ai/internal/dispatch"
	"github.com/p-n-ai/portfolio-ai/internal/platform/metrics"
	"github.com/p-n-ai/portfolio-ai/internal/registry"
	"github.com/p-n-ai/portfolio-ai/internal/respcache"
	"github.com/p-n-ai/portfolio-ai/internal/routing"
	"github.com/p-n-ai/portfolio-ai/internal/usage"
)

const (
	// DegradedProvider and DegradedModel mark a response no provider produced.
	DegradedProvider = "fallback"
	DegradedModel    = "none"

	degradedContent = "AI analysis is temporarily unavailable. Please try again shortly."

	// maxAttempts bounds execution to the primary plus one fallback hop.
	maxAttempts = 2
)

// Config holds the orchestrator's timing and capacity settings.
type Config struct {
	RequestTimeout     time.Duration
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	DispatchInterval   time.Duration
	MaxConcurrent      int
	MaxQueue           int
	CacheTTL           time.Duration
	MinCacheConfidence int
	UsageWindow        time.Duration
	AuditBuffer        int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:     30 * time.Second,
		ProbeInterval:      2 * time.Minute,
		ProbeTimeout:       10 * time.Second,
		DispatchInterval:   100 * time.Millisecond,
		MaxConcurrent:      5,
		MaxQueue:           1000,
		CacheTTL:           time.Hour,
		MinCacheConfidence: respcache.DefaultMinConfidence,
		UsageWindow:        time.Minute,
		AuditBuffer:        audit.DefaultBuffer,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = d.DispatchInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = d.MaxQueue
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.MinCacheConfidence <= 0 {
		c.MinCacheConfidence = d.MinCacheConfidence
	}
	if c.UsageWindow <= 0 {
		c.UsageWindow = d.UsageWindow
	}
	if c.AuditBuffer <= 0 {
		c.AuditBuffer = d.AuditBuffer
	}
	return c
}

// ResultHook receives the response for every queued request.
type ResultHook func(req ai.Request, resp ai.Response)

// Orchestrator routes requests across the registered providers.
type Orchestrator struct {
	cfg        Config
	registry   *registry.Registry
	selector   routing.Selector
	cache      *respcache.Cache
	usage      *usage.Tracker
	sink       audit.Sink
	async      *audit.Async
	metrics    *metrics.Collector
	now        func() time.Time
	onResult   ResultHook
	monitor    *registry.Monitor
	dispatcher *dispatch.Dispatcher

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache replaces the default in-memory response cache.
func WithCache(c *respcache.Cache) Option {
	return func(o *Orchestrator) {
		o.cache = c
	}
}

// WithUsage shares a usage tracker, e.g. one pre-seeded with spend.
func WithUsage(t *usage.Tracker) Option {
	return func(o *Orchestrator) {
		o.usage = t
	}
}

// WithAudit sends events to sink through a non-blocking writer.
func WithAudit(sink audit.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithMetrics reports calls, cache lookups and queue depth to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) {
		o.metrics = c
	}
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithResultHook sets the callback that receives each queued request's response.
func WithResultHook(fn ResultHook) Option {
	return func(o *Orchestrator) {
		o.onResult = fn
	}
}

// New creates an Orchestrator over reg. Call Start to begin health probing
// and queue dispatch.
func New(cfg Config, reg *registry.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		registry: reg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.cache == nil {
		o.cache = respcache.New(respcache.NewMemoryStore(),
			respcache.WithDefaultTTL(o.cfg.CacheTTL),
			respcache.WithMinConfidence(o.cfg.MinCacheConfidence),
			respcache.WithClock(o.now),
		)
	}
	if o.usage == nil {
		o.usage = usage.New(o.cfg.UsageWindow, usage.WithClock(o.now))
	}
	if o.sink == nil {
		o.sink = audit.NopSink{}
	} else {
		o.async = audit.NewAsync(o.sink, o.cfg.AuditBuffer)
		o.sink = o.async
	}

	o.monitor = registry.NewMonitor(reg, o.cfg.ProbeInterval, o.cfg.ProbeTimeout, o.cfg.MaxConcurrent)
	o.dispatcher = dispatch.New(dispatch.NewQueue(o.cfg.MaxQueue), o.handleQueued, o.cfg.DispatchInterval, o.cfg.MaxConcurrent)
	reg.OnAvailabilityChange(o.observeAvailability)
	return o
}

// Start launches the health monitor and the dispatch loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return errors.New("orchestrator is shut down")
	}
	if o.started {
		return nil
	}

	for _, h := range o.registry.Snapshot() {
		o.metrics.SetAvailable(h.Name, h.Available)
	}
	if err := o.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}
	o.dispatcher.Start(ctx)
	o.started = true

	slog.Info("ai orchestrator started",
		"providers", len(o.registry.Names()),
		"max_concurrent", o.cfg.MaxConcurrent,
		"request_timeout", o.cfg.RequestTimeout,
	)
	return nil
}

// Shutdown drains the queue, stops probing and flushes the audit writer.
// It is safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	o.dispatcher.Stop(ctx)
	o.monitor.Stop()

	var err error
	if o.async != nil {
		if cerr := o.async.Close(ctx); cerr != nil {
			err = fmt.Errorf("close audit writer: %w", cerr)
		}
	}
	slog.Info("ai orchestrator stopped", "pending", o.dispatcher.Pending())
	return err
}

// ProcessRequest serves req synchronously. It always returns a populated
// response: when no provider can answer, the response is degraded.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req ai.Request) (resp ai.Response) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("ai request panicked", "request_id", req.ID, "panic", r)
			resp = o.degraded(req, start, 0, fmt.Errorf("panic: %v", r))
		}
	}()

	if cached, ok := o.cache.Get(ctx, respcache.Key(req)); ok {
		o.usage.RecordCacheHit()
		o.metrics.CacheLookup(true)
		cached.ProcessingTimeMs = time.Since(start).Milliseconds()
		cached.Metadata = ai.Metadata{
			RequestID:     req.ID,
			Timestamp:     o.now(),
			CallerContext: req.Context,
		}
		o.emit(o.event(audit.TypeRequestCompleted, req, cached, nil))
		return cached
	}
	o.usage.RecordCacheMiss()
	o.metrics.CacheLookup(false)

	resp, attempts, err := o.execute(ctx, req)
	if err != nil {
		return o.degraded(req, start, attempts, err)
	}
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()

	o.cache.Store(ctx, req, resp)
	o.emit(o.event(audit.TypeRequestCompleted, req, resp, nil))

	slog.Debug("ai request completed",
		"request_id", req.ID,
		"provider", resp.Provider,
		"model", resp.Model,
		"attempts", attempts,
		"elapsed_ms", resp.ProcessingTimeMs,
	)
	return resp
}

// QueueRequest enqueues req for asynchronous processing and returns its ID.
// The response goes to the result hook and the audit sink.
func (o *Orchestrator) QueueRequest(req ai.Request) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := o.dispatcher.Submit(req); err != nil {
		return "", fmt.Errorf("queue request %s: %w", req.ID, err)
	}
	o.metrics.SetQueueDepth(o.dispatcher.Pending())
	return req.ID, nil
}

func (o *Orchestrator) handleQueued(ctx context.Context, req ai.Request) {
	o.metrics.SetQueueDepth(o.dispatcher.Pending())
	resp := o.ProcessRequest(ctx, req)
	if o.onResult != nil {
		o.onResult(req, resp)
	}
}

// ProviderHealth returns a snapshot of every provider's health.
func (o *Orchestrator) ProviderHealth() []registry.ProviderHealth {
	return o.registry.Snapshot()
}

// Stats returns aggregate usage.
func (o *Orchestrator) Stats() usage.Summary {
	return o.usage.Summary()
}

// InvalidateCache drops every cached response.
func (o *Orchestrator) InvalidateCache(ctx context.Context) error {
	return o.cache.InvalidateAll(ctx)
}

// Pending returns the number of queued requests not yet dispatched.
func (o *Orchestrator) Pending() int {
	return o.dispatcher.Pending()
}

// Ready reports whether any provider is in rotation.
func (o *Orchestrator) Ready() bool {
	return o.registry.AnyAvailable()
}

type target struct {
	provider string
	model    string // empty resolves through the provider config
}

// execute tries the selected provider and at most one fallback.
func (o *Orchestrator) execute(ctx context.Context, req ai.Request) (ai.Response, int, error) {
	primary, err := o.selector.Select(req, o.candidates())
	if err != nil {
		return ai.Response{}, 0, err
	}

	t := target{provider: primary.Health.Name}
	var tried []string
	var errs []error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := o.attempt(ctx, req, t)
		if err == nil {
			resp.Metadata.Attempts = attempt
			resp.Metadata.FallbackUsed = attempt > 1
			return resp, attempt, nil
		}
		errs = append(errs, err)
		tried = append(tried, t.provider)

		if attempt == maxAttempts || ctx.Err() != nil {
			return ai.Response{}, attempt, errors.Join(errs...)
		}
		next, ok := o.fallback(req, t, tried)
		if !ok {
			return ai.Response{}, attempt, errors.Join(errs...)
		}
		o.metrics.Fallback()
		slog.Info("falling back", "request_id", req.ID, "from", t.provider, "to", next.provider, "model", next.model)
		t = next
	}
	return ai.Response{}, maxAttempts, errors.Join(errs...)
}

// fallback picks the second target: the configured fallback when it is
// distinct and passes the selector's budget and window checks, otherwise the
// next selector pick. A fallback to another model on the same provider skips
// the availability check, since the failure may be the model's.
func (o *Orchestrator) fallback(req ai.Request, failed target, tried []string) (target, bool) {
	candidates := o.candidates()

	_, cfg, err := o.registry.Provider(failed.provider)
	if err == nil && cfg.Fallback.Provider != "" {
		fb := cfg.Fallback
		sameProvider := fb.Provider == failed.provider
		distinct := !sameProvider || (fb.Model != "" && fb.Model != o.resolveModel(failed, req))
		if distinct {
			i := slices.IndexFunc(candidates, func(c routing.Candidate) bool { return c.Health.Name == fb.Provider })
			if i >= 0 && (sameProvider || candidates[i].Health.Available) && o.selector.Eligible(req, candidates[i]) {
				return target{provider: fb.Provider, model: fb.Model}, true
			}
			slog.Debug("configured fallback not eligible",
				"request_id", req.ID, "provider", failed.provider, "fallback", fb.Provider)
		}
	}

	next, err := o.selector.Select(req, candidates, tried...)
	if err != nil {
		return target{}, false
	}
	return target{provider: next.Health.Name}, true
}

func (o *Orchestrator) resolveModel(t target, req ai.Request) string {
	if t.model != "" {
		return t.model
	}
	_, cfg, err := o.registry.Provider(t.provider)
	if err != nil {
		return ""
	}
	return cfg.ModelFor(req)
}

func (o *Orchestrator) candidates() []routing.Candidate {
	snap := o.registry.Snapshot()
	out := make([]routing.Candidate, 0, len(snap))
	for _, h := range snap {
		_, cfg, err := o.registry.Provider(h.Name)
		if err != nil {
			continue
		}
		c := o.usage.Counters(h.Name)
		out = append(out, routing.Candidate{
			Health:               h,
			MonthlyCost:          c.MonthlyCost,
			MonthlyBudget:        cfg.MonthlyBudget,
			RequestsInWindow:     c.RequestsInWindow,
			MaxRequestsPerWindow: cfg.MaxRequestsPerWindow,
		})
	}
	return out
}

// attempt performs one provider call and books its outcome.
func (o *Orchestrator) attempt(ctx context.Context, req ai.Request, t target) (ai.Response, error) {
	p, cfg, err := o.registry.Provider(t.provider)
	if err != nil {
		return ai.Response{}, err
	}
	model := t.model
	if model == "" {
		model = cfg.ModelFor(req)
	}
	opts := ai.Options{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.RequestTimeout
	}

	start := time.Now()
	reply, err := o.invoke(ctx, p, req, opts, timeout)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil {
		// The caller went away; that is not the provider's fault.
		return ai.Response{}, fmt.Errorf("%s: %w", t.provider, err)
	}
	if recErr := o.registry.RecordOutcome(t.provider, err == nil, elapsed); recErr != nil {
		slog.Warn("record outcome failed", "provider", t.provider, "error", recErr)
	}

	var tokens ai.TokenUsage
	var cost float64
	if err == nil {
		tokens = reply.Usage(req.Text())
		cost = cfg.Cost(model, tokens)
	}
	o.usage.Record(t.provider, usage.Outcome{
		Success: err == nil,
		Tokens:  tokens.Total,
		Cost:    cost,
		Latency: elapsed,
	})
	o.metrics.ObserveCall(t.provider, err == nil, elapsed, cost)

	if err != nil {
		slog.Warn("ai provider call failed",
			"request_id", req.ID,
			"provider", t.provider,
			"model", model,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return ai.Response{}, err
	}

	return ai.Response{
		Content:    reply.Content,
		Provider:   t.provider,
		Model:      firstNonEmpty(reply.Model, model),
		Tokens:     tokens,
		Cost:       cost,
		Confidence: ai.Confidence(reply),
		Metadata: ai.Metadata{
			RequestID:     req.ID,
			Timestamp:     o.now(),
			CallerContext: req.Context,
		},
	}, nil
}

type callResult struct {
	reply ai.RawReply
	err   error
}

// invoke races the provider call against timeout. The call context is
// cancelled when the race is lost; the buffered channel lets a late reply
// be dropped without blocking the call goroutine.
func (o *Orchestrator) invoke(ctx context.Context, p ai.Provider, req ai.Request, opts ai.Options, timeout time.Duration) (ai.RawReply, error) {
	if !p.IsAvailable(ctx) {
		return ai.RawReply{}, fmt.Errorf("%w: %s: not configured", ai.ErrExecution, p.Name())
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("%w: %s: panic: %v", ai.ErrExecution, p.Name(), r)}
			}
		}()
		var res callResult
		if len(req.Messages) > 0 || p.Capabilities().Chat {
			res.reply, res.err = p.Chat(callCtx, req.ChatMessages(), opts)
		} else {
			res.reply, res.err = p.Generate(callCtx, req.Prompt, opts)
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-callCtx.Done():
		return ai.RawReply{}, fmt.Errorf("%w: %s: %w", ai.ErrExecution, p.Name(), callCtx.Err())
	}
}

// degraded builds the response returned when no provider could answer.
func (o *Orchestrator) degraded(req ai.Request, start time.Time, attempts int, cause error) ai.Response {
	o.usage.RecordDegraded()
	resp := ai.Response{
		Content:          degradedContent,
		Provider:         DegradedProvider,
		Model:            DegradedModel,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Metadata: ai.Metadata{
			RequestID:     req.ID,
			Timestamp:     o.now(),
			CallerContext: req.Context,
			Attempts:      attempts,
			FallbackUsed:  attempts > 1,
			Degraded:      true,
		},
	}
	slog.Warn("returning degraded ai response",
		"request_id", req.ID,
		"attempts", attempts,
		"error", cause,
	)
	o.emit(o.event(audit.TypeRequestDegraded, req, resp, cause))
	return resp
}

func (o *Orchestrator) observeAvailability(h registry.ProviderHealth) {
	o.metrics.SetAvailable(h.Name, h.Available)
	slog.Info("ai provider availability changed",
		"provider", h.Name,
		"available", h.Available,
		"error_rate", h.ErrorRate,
	)
	o.emit(audit.Event{
		Type:      audit.TypeProviderAvailability,
		Provider:  h.Name,
		Success:   h.Available,
		LatencyMs: int64(h.ResponseTimeEWMA),
		CreatedAt: o.now(),
	})
}

func (o *Orchestrator) event(typ string, req ai.Request, resp ai.Response, cause error) audit.Event {
	e := audit.Event{
		Type:      typ,
		RequestID: req.ID,
		Provider:  resp.Provider,
		Model:     resp.Model,
		Priority:  req.Priority.String(),
		UseCase:   req.UseCase(),
		Success:   !resp.Metadata.Degraded,
		Cached:    resp.Cached,
		Degraded:  resp.Metadata.Degraded,
		Attempts:  resp.Metadata.Attempts,
		Tokens:    resp.Tokens.Total,
		Cost:      resp.Cost,
		LatencyMs: resp.ProcessingTimeMs,
		Caller:    req.Context,
		CreatedAt: o.now(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

func (o *Orchestrator) emit(e audit.Event) {
	if err := o.sink.Record(context.Background(), e); err != nil {
		slog.Warn("audit record failed", "type", e.Type, "request_id", e.RequestID, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
