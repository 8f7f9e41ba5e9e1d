// Package server implements the HTTP transport layer for SectorFlux: the
// proxied routes, administrative reads, the two WebSocket endpoints, and
// the embedded static UI.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/sectorflux/sectorflux/internal"
	"github.com/sectorflux/sectorflux/internal/chat"
	"github.com/sectorflux/sectorflux/internal/proxy"
	"github.com/sectorflux/sectorflux/internal/telemetry"
	"github.com/sectorflux/sectorflux/internal/worker"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// ShutdownFunc initiates a graceful process stop.
type ShutdownFunc func()

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Engine         *proxy.Engine
	Store          gateway.Store
	Chat           *chat.Handler
	Broadcaster    *worker.Broadcaster
	UpstreamClient *http.Client // client for /api/tags, /api/ps passthrough; the 5s bound is a per-request context in handlePassthroughGET
	UpstreamBase   string
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler // nil = no /metrics endpoint
	ReadyCheck     ReadyChecker // nil = always ready
	Shutdown       ShutdownFunc // nil = /api/shutdown is a no-op 200
	Version        string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Proxied routes: POST bodies forwarded unchanged, responses stream.
	r.Post("/api/generate", s.handleGenerate)
	r.Post("/api/chat", s.handleChat)
	r.Get("/api/tags", s.handlePassthroughGET("/api/tags"))
	r.Get("/api/ps", s.handlePassthroughGET("/api/ps"))

	// Administrative reads.
	r.Get("/api/logs", s.handleListLogs)
	r.Get("/api/logs/{id}", s.handleGetLog)
	r.Put("/api/logs/{id}/starred", s.handleSetStarred)
	r.Get("/api/metrics", s.handleMetrics)
	r.Get("/api/version", s.handleVersion)
	r.Get("/api/config/cache", s.handleGetCacheConfig)
	r.Post("/api/config/cache", s.handleSetCacheConfig)
	r.Post("/api/replay/{id}", s.handleReplay)
	r.Post("/api/shutdown", s.handleShutdown)

	// WebSocket endpoints.
	if deps.Chat != nil {
		r.Get("/ws/chat", deps.Chat.ServeHTTP)
	}
	r.Get("/ws/dashboard", s.handleDashboardWS)

	// Static UI.
	r.Get("/favicon.ico", s.handleFavicon)
	r.Get("/", s.handleStatic("index.html", "text/html"))
	r.Get("/style.css", s.handleStatic("style.css", "text/css"))
	r.Get("/app.js", s.handleStatic("app.js", "application/javascript"))
	r.Get("/api.js", s.handleStatic("api.js", "application/javascript"))

	return r
}

type server struct {
	deps Deps
}
