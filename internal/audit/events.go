// Package audit records AI request events for dashboards and audit logs.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event types.
const (
	TypeRequestCompleted     = "ai.request.completed"
	TypeRequestDegraded      = "ai.request.degraded"
	TypeProviderAvailability = "ai.provider.availability"
)

const dbTimeout = 5 * time.Second

// Event is one audit record.
type Event struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Model     string            `json:"model,omitempty"`
	Priority  string            `json:"priority,omitempty"`
	UseCase   string            `json:"use_case,omitempty"`
	Success   bool              `json:"success"`
	Cached    bool              `json:"cached"`
	Degraded  bool              `json:"degraded"`
	Attempts  int               `json:"attempts"`
	Tokens    int               `json:"tokens"`
	Cost      float64           `json:"cost"`
	LatencyMs int64             `json:"latency_ms"`
	Error     string            `json:"error,omitempty"`
	Caller    map[string]string `json:"caller,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// NopSink ignores all events.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) error {
	return nil
}

// MemorySink stores events in memory for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		events: []Event{},
	}
}

func (s *MemorySink) Record(_ context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()

	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event{}, s.events...)
}

// PostgresSink inserts events into the ai_request_events table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS ai_request_events (
	id          BIGSERIAL PRIMARY KEY,
	event_type  TEXT NOT NULL,
	request_id  TEXT,
	provider    TEXT,
	model       TEXT,
	success     BOOLEAN NOT NULL DEFAULT FALSE,
	cached      BOOLEAN NOT NULL DEFAULT FALSE,
	degraded    BOOLEAN NOT NULL DEFAULT FALSE,
	tokens      INTEGER NOT NULL DEFAULT 0,
	cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms  BIGINT NOT NULL DEFAULT 0,
	data        JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ai_request_events_created_at_idx ON ai_request_events (created_at);
CREATE INDEX IF NOT EXISTS ai_request_events_provider_idx ON ai_request_events (provider, created_at);
`

// EnsureSchema creates the events table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create ai_request_events: %w", err)
	}
	return nil
}

func (s *PostgresSink) Record(ctx context.Context, event Event) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit sink pool is nil")
	}
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ai_request_events
		 (event_type, request_id, provider, model, success, cached, degraded, tokens, cost, latency_ms, data, created_at)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11::jsonb, $12)`,
		event.Type,
		event.RequestID,
		event.Provider,
		event.Model,
		event.Success,
		event.Cached,
		event.Degraded,
		event.Tokens,
		event.Cost,
		event.LatencyMs,
		string(data),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	slog.Debug("audit event recorded",
		"type", event.Type,
		"request_id", event.RequestID,
		"provider", event.Provider,
	)
	return nil
}

// CountByType returns how many events of eventType are stored.
func (s *PostgresSink) CountByType(ctx context.Context, eventType string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM ai_request_events WHERE event_type = $1`, eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
