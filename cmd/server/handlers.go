package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
	"github.com/p-n-ai/portfolio-ai/internal/dispatch"
	"github.com/p-n-ai/portfolio-ai/internal/platform/metrics"
	"github.com/p-n-ai/portfolio-ai/internal/registry"
	"github.com/p-n-ai/portfolio-ai/internal/usage"
)

const (
	maxBodyBytes         = 1 << 20
	healthStreamInterval = 5 * time.Second
	xlsxContentType      = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// orchestration is the part of the orchestrator the HTTP layer uses.
type orchestration interface {
	ProcessRequest(ctx context.Context, req ai.Request) ai.Response
	QueueRequest(req ai.Request) (string, error)
	ProviderHealth() []registry.ProviderHealth
	Stats() usage.Summary
	InvalidateCache(ctx context.Context) error
	Ready() bool
	Pending() int
}

type server struct {
	orch           orchestration
	streamInterval time.Duration
	streamsDone    <-chan struct{}
}

// envelope is the JSON shape every /v1 endpoint returns.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// newMux creates the HTTP router.
func newMux(orch orchestration, mc *metrics.Collector, streamsDone <-chan struct{}) *http.ServeMux {
	s := &server{
		orch:           orch,
		streamInterval: healthStreamInterval,
		streamsDone:    streamsDone,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("POST /v1/ai/requests", s.handleProcess)
	mux.HandleFunc("POST /v1/ai/queue", s.handleQueue)
	mux.HandleFunc("GET /v1/ai/providers", s.handleProviders)
	mux.HandleFunc("GET /v1/ai/stats", s.handleStats)
	mux.HandleFunc("GET /v1/ai/stats.xlsx", s.handleStatsXLSX)
	mux.HandleFunc("DELETE /v1/ai/cache", s.handleInvalidateCache)
	mux.HandleFunc("GET /v1/ai/health/stream", s.handleHealthStream)
	mux.Handle("GET /metrics", mc.Handler())
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.orch.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"no ai provider available"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// requestBody is the wire form of ai.Request. Durations travel as integers.
type requestBody struct {
	ID              string            `json:"id"`
	Prompt          string            `json:"prompt"`
	Messages        []ai.Message      `json:"messages"`
	Context         map[string]string `json:"context"`
	Priority        ai.Priority       `json:"priority"`
	Model           string            `json:"model"`
	MaxTokens       int               `json:"max_tokens"`
	Temperature     float64           `json:"temperature"`
	CacheKey        string            `json:"cache_key"`
	CacheTTLSeconds int               `json:"cache_ttl_seconds"`
	Stream          bool              `json:"stream"`
	TimeoutMs       int               `json:"timeout_ms"`
}

func (b requestBody) request() ai.Request {
	return ai.Request{
		ID:          b.ID,
		Prompt:      b.Prompt,
		Messages:    b.Messages,
		Context:     b.Context,
		Priority:    b.Priority,
		Model:       b.Model,
		MaxTokens:   b.MaxTokens,
		Temperature: b.Temperature,
		CacheKey:    b.CacheKey,
		CacheTTL:    time.Duration(b.CacheTTLSeconds) * time.Second,
		Stream:      b.Stream,
		Timeout:     time.Duration(b.TimeoutMs) * time.Millisecond,
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (ai.Request, bool) {
	body := requestBody{Priority: ai.PriorityMedium}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid request body: " + err.Error()})
		return ai.Request{}, false
	}
	if body.Prompt == "" && len(body.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "prompt or messages is required"})
		return ai.Request{}, false
	}
	if body.CacheTTLSeconds < 0 || body.TimeoutMs < 0 || body.MaxTokens < 0 {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "cache_ttl_seconds, timeout_ms and max_tokens must not be negative"})
		return ai.Request{}, false
	}
	return body.request(), true
}

func (s *server) handleProcess(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	resp := s.orch.ProcessRequest(r.Context(), req)
	env := envelope{Success: !resp.Metadata.Degraded, Data: resp}
	if resp.Metadata.Degraded {
		env.Error = "no AI provider could serve the request"
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *server) handleQueue(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	id, err := s.orch.QueueRequest(req)
	switch {
	case errors.Is(err, dispatch.ErrQueueFull):
		writeJSON(w, http.StatusTooManyRequests, envelope{Error: "queue is full"})
		return
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, envelope{Error: "queue is not accepting requests"})
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Success: true, Data: map[string]any{
		"request_id": id,
		"pending":    s.orch.Pending(),
	}})
}

func (s *server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.orch.ProviderHealth()})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.orch.Stats()})
}

func (s *server) handleStatsXLSX(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="ai-usage.xlsx"`)
	if err := s.orch.Stats().WriteXLSX(w); err != nil {
		slog.Error("write usage workbook", "error", err)
	}
}

func (s *server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.InvalidateCache(r.Context()); err != nil {
		slog.Warn("cache invalidation failed", "error", err)
		writeJSON(w, http.StatusBadGateway, envelope{Error: "cache invalidation failed"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// handleHealthStream pushes the provider health snapshot over a WebSocket on
// connect and then every streamInterval.
func (s *server) handleHealthStream(w http.ResponseWriter, r *http.Request) {
	// The server write timeout would otherwise cut the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("health stream upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		if err := wsjson.Write(ctx, conn, s.orch.ProviderHealth()); err != nil {
			slog.Debug("health stream closed", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.streamsDone:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
