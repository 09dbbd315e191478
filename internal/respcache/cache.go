// Package respcache caches AI responses under keys derived from the request.
package respcache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
)

const (
	DefaultTTL           = time.Hour
	DefaultMinConfidence = 70
	// promptPrefixRunes bounds how much of the prompt feeds a derived key.
	promptPrefixRunes = 512
)

// Key returns the cache key for req. An explicit CacheKey always wins;
// otherwise the key is a digest of the normalized prompt prefix, use case,
// model and temperature.
func Key(req ai.Request) string {
	if req.CacheKey != "" {
		return "k:" + req.CacheKey
	}
	material := fmt.Sprintf("%s\x00%s\x00%s\x00%.2f",
		normalizePrompt(req.Text()), req.UseCase(), req.Model, req.Temperature)
	sum := blake2b.Sum256([]byte(material))
	return "h:" + hex.EncodeToString(sum[:])
}

// normalizePrompt folds width, case and whitespace differences and keeps the prefix.
func normalizePrompt(prompt string) string {
	s := cases.Fold().String(norm.NFKC.String(prompt))
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > promptPrefixRunes {
		s = string(r[:promptPrefixRunes])
	}
	return s
}

type entry struct {
	Response  ai.Response `json:"response"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Stats counts cache lookups.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// Cache stores responses in a Store. Store failures are logged and read as misses.
type Cache struct {
	store         Store
	defaultTTL    time.Duration
	minConfidence int
	now           func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL sets the TTL used when a request does not carry one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithMinConfidence sets the lowest confidence worth caching. Values outside
// 1..100 keep DefaultMinConfidence.
func WithMinConfidence(confidence int) Option {
	return func(c *Cache) {
		if confidence > 0 && confidence <= 100 {
			c.minConfidence = confidence
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:         store,
		defaultTTL:    DefaultTTL,
		minConfidence: DefaultMinConfidence,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached response for key, marked as cached.
func (c *Cache) Get(ctx context.Context, key string) (ai.Response, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.errors.Add(1)
			slog.Warn("cache read failed, treating as miss", "key", key, "error", fmt.Errorf("%w: %w", ErrCache, err))
		}
		c.misses.Add(1)
		return ai.Response{}, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		slog.Warn("cache entry undecodable, treating as miss", "key", key, "error", err)
		return ai.Response{}, false
	}
	if !e.ExpiresAt.IsZero() && !c.now().Before(e.ExpiresAt) {
		c.misses.Add(1)
		return ai.Response{}, false
	}

	c.hits.Add(1)
	resp := e.Response
	resp.Cached = true
	return resp, true
}

// Set stores resp under key for ttl, or the default TTL when ttl is zero.
func (c *Cache) Set(ctx context.Context, key string, resp ai.Response, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(entry{Response: resp, ExpiresAt: c.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	return nil
}

// Eligible reports whether resp may be cached for req.
func (c *Cache) Eligible(req ai.Request, resp ai.Response) bool {
	return !req.Stream && !resp.Metadata.Degraded && resp.Confidence >= c.minConfidence
}

// Store caches resp for req when eligible and reports whether it did.
// Failures are logged, never returned.
func (c *Cache) Store(ctx context.Context, req ai.Request, resp ai.Response) bool {
	if !c.Eligible(req, resp) {
		return false
	}
	key := Key(req)
	if err := c.Set(ctx, key, resp, req.CacheTTL); err != nil {
		slog.Warn("cache write failed", "key", key, "request_id", req.ID, "error", err)
		return false
	}
	return true
}

// InvalidateAll drops every cached response.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if err := c.store.Flush(ctx); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("%w: flush: %w", ErrCache, err)
	}
	return nil
}

// Stats returns lookup counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}
