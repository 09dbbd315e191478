package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/p-n-ai/portfolio-ai/internal/audit"
	"github.com/p-n-ai/portfolio-ai/internal/orchestrator"
	"github.com/p-n-ai/portfolio-ai/internal/platform/cache"
	"github.com/p-n-ai/portfolio-ai/internal/platform/config"
	"github.com/p-n-ai/portfolio-ai/internal/platform/database"
	"github.com/p-n-ai/portfolio-ai/internal/platform/metrics"
	"github.com/p-n-ai/portfolio-ai/internal/registry"
	"github.com/p-n-ai/portfolio-ai/internal/respcache"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stdout))

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	reg := registry.New(registry.WithUnavailableThreshold(cfg.Orchestrator.UnavailableThreshold))
	n, err := registerProviders(reg, cfg.AI, catalog)
	if err != nil {
		return err
	}
	slog.Info("ai providers registered", "count", n, "names", reg.Names())

	oc := cfg.Orchestrator
	opts := []orchestrator.Option{}

	var store respcache.Store = respcache.NewMemoryStore()
	if cfg.Cache.URL != "" {
		rc, err := cache.New(ctx, cfg.Cache.URL, cfg.Cache.KeyPrefix)
		if err != nil {
			slog.Warn("redis unavailable, using in-process response cache", "error", err)
		} else {
			defer func() { _ = rc.Close() }()
			store = rc
		}
	}
	opts = append(opts, orchestrator.WithCache(respcache.New(store,
		respcache.WithDefaultTTL(oc.CacheTTL),
		respcache.WithMinConfidence(oc.MinCacheConfidence),
	)))

	if cfg.Database.URL != "" {
		db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		defer db.Close()
		sink := audit.NewPostgresSink(db.Pool)
		if err := database.Migrate(ctx, sink); err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithAudit(sink))
	} else {
		slog.Info("no database configured, audit events are not persisted")
	}

	mc := metrics.New(true)
	opts = append(opts, orchestrator.WithMetrics(mc), orchestrator.WithResultHook(logQueuedResult))

	orch := orchestrator.New(orchestrator.Config{
		RequestTimeout:     oc.RequestTimeout,
		ProbeInterval:      oc.ProbeInterval,
		ProbeTimeout:       oc.ProbeTimeout,
		DispatchInterval:   oc.DispatchInterval,
		MaxConcurrent:      oc.MaxConcurrent,
		MaxQueue:           oc.MaxQueue,
		CacheTTL:           oc.CacheTTL,
		MinCacheConfidence: oc.MinCacheConfidence,
		UsageWindow:        oc.UsageWindow,
		AuditBuffer:        oc.AuditBuffer,
	}, reg, opts...)
	if err := orch.Start(ctx); err != nil {
		return err
	}

	streamsDone := make(chan struct{})
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      newMux(orch, mc, streamsDone),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: oc.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Shutdown does not wait for hijacked connections; tell the streams to go.
	srv.RegisterOnShutdown(func() { close(streamsDone) })

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = orch.Shutdown(context.Background())
			return err
		}
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Error("orchestrator shutdown error", "error", err)
	}
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
