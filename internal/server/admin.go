package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const logListLimit = 50

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.deps.Store.GetLogs(r.Context(), logListLimit)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid id"))
		return
	}
	entry, err := s.deps.Store.GetLog(r.Context(), id)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("not found"))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type starredRequest struct {
	Starred bool `json:"starred"`
}

type starredResponse struct {
	ID        int64 `json:"id"`
	IsStarred bool  `json:"is_starred"`
}

func (s *server) handleSetStarred(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid id"))
		return
	}
	var req starredRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Store.SetStarred(r.Context(), id, req.Starred); err != nil {
		writeJSON(w, errorStatus(err), errorResponse("not found"))
		return
	}
	writeJSON(w, http.StatusOK, starredResponse{ID: id, IsStarred: req.Starred})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.deps.Store.AggregateMetrics(r.Context())
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

type versionResponse struct {
	Version string `json:"version"`
	Major   int    `json:"major"`
	Minor   int    `json:"minor"`
	Patch   int    `json:"patch"`
}

func (s *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	major, minor, patch := parseSemver(s.deps.Version)
	writeJSON(w, http.StatusOK, versionResponse{
		Version: s.deps.Version,
		Major:   major,
		Minor:   minor,
		Patch:   patch,
	})
}

// parseSemver splits a "major.minor.patch" string, defaulting absent or
// unparsable components to 0.
func parseSemver(v string) (major, minor, patch int) {
	parts := strings.SplitN(v, ".", 3)
	out := [3]int{}
	for i := 0; i < len(parts) && i < 3; i++ {
		out[i], _ = strconv.Atoi(parts[i])
	}
	return out[0], out[1], out[2]
}

type cacheConfigResponse struct {
	Enabled bool `json:"enabled"`
}

func (s *server) handleGetCacheConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cacheConfigResponse{Enabled: s.deps.Engine.IsCacheEnabled()})
}

func (s *server) handleSetCacheConfig(w http.ResponseWriter, r *http.Request) {
	var req cacheConfigResponse
	if !decodeJSON(w, r, &req) {
		return
	}
	s.deps.Engine.SetCacheEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, req)
}

// handleReplay reconstructs a synthetic request carrying the stored body
// plus the cache-bypass header, and reuses the Proxy Engine against the
// stored endpoint.
func (s *server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid id"))
		return
	}
	entry, err := s.deps.Store.GetLog(r.Context(), id)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("not found"))
		return
	}

	replayReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, r.URL.String(),
		strings.NewReader(entry.RequestBody))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	replayReq.Header.Set("X-SectorFlux-No-Cache", "true")
	s.deps.Engine.Forward(w, replayReq, entry.Endpoint)
}

func (s *server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.deps.Shutdown != nil {
		go s.deps.Shutdown()
	}
	w.WriteHeader(http.StatusOK)
}
