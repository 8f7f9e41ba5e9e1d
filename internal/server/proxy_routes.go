package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sectorflux/sectorflux/internal/proxy"
)

// passthroughTimeout bounds the non-streaming /api/tags and /api/ps routes.
const passthroughTimeout = 5 * time.Second

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.Forward(w, r, "/api/generate")
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.Forward(w, r, "/api/chat")
}

func (s *server) handlePassthroughGET(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), passthroughTimeout)
		defer cancel()
		if err := proxy.ForwardGET(ctx, s.deps.UpstreamClient, s.deps.UpstreamBase, path, w, r); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "passthrough failed",
				slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}
