package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/sectorflux/sectorflux/internal/cache"
	"github.com/sectorflux/sectorflux/internal/chat"
	"github.com/sectorflux/sectorflux/internal/config"
	"github.com/sectorflux/sectorflux/internal/proxy"
	"github.com/sectorflux/sectorflux/internal/server"
	"github.com/sectorflux/sectorflux/internal/storage/sqlite"
	"github.com/sectorflux/sectorflux/internal/telemetry"
	"github.com/sectorflux/sectorflux/internal/worker"
)

// hotCacheMaxEntries bounds the in-memory response-cache accelerator.
const hotCacheMaxEntries = 10_000

// hotCacheDefaultTTL is otter's internal expiry; the canonical cache row in
// storage/sqlite is never evicted regardless.
const hotCacheDefaultTTL = 10 * time.Minute

// chatClientTimeout is generous because a chat turn can run long; the inner
// per-turn context in internal/chat applies its own 300s budget.
const chatClientTimeout = 310 * time.Second

func run() error {
	cfg := config.Load()

	slog.Info("starting sectorflux", "version", version, "port", cfg.Port, "ollama_host", cfg.OllamaHost)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	hotCache, err := cache.NewMemory(hotCacheMaxEntries, hotCacheDefaultTTL)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(promRegistry)
	metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})

	engine := proxy.New(cfg.OllamaHost, store, hotCache, metrics)

	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()

	upstreamClient := &http.Client{Transport: proxy.NewTransport(resolver)}
	chatClient := &http.Client{Transport: proxy.NewTransport(resolver), Timeout: chatClientTimeout}

	chatHandler := chat.NewHandler(cfg.OllamaHost, store, chatClient, engine.IsCacheEnabled, metrics.WSConnections.WithLabelValues("chat"), metrics)
	broadcaster := worker.NewBroadcaster(store, cfg.OllamaHost)

	runner := worker.NewRunner(store, broadcaster)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	shutdownCh := make(chan struct{}, 1)

	handler := server.New(server.Deps{
		Engine:         engine,
		Store:          store,
		Chat:           chatHandler,
		Broadcaster:    broadcaster,
		UpstreamClient: upstreamClient,
		UpstreamBase:   cfg.OllamaHost,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
		Shutdown:       func() { shutdownCh <- struct{}{} },
		Version:        version,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("sectorflux ready", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case <-shutdownCh:
		slog.Info("shutting down", "reason", "api request")
	case err := <-errCh:
		workerCancel()
		return err
	}

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	slog.Info("sectorflux stopped")
	return nil
}
