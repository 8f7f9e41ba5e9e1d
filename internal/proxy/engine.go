package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/sectorflux/sectorflux/internal"
	"github.com/sectorflux/sectorflux/internal/cache"
	"github.com/sectorflux/sectorflux/internal/telemetry"
)

// noCacheHeader bypasses both cache lookup and cache store for one call.
const noCacheHeader = "X-SectorFlux-No-Cache"

// cacheStatusHeader reports whether a proxied call was served from cache.
const cacheStatusHeader = "X-SectorFlux-Cache"

// forwardTimeout bounds the connect+read window for the unary generate/chat
// forward path (spec's "60-second connect and read timeouts"). The
// WebSocket chat session uses its own, longer budget -- see internal/chat.
const forwardTimeout = 60 * time.Second

const readChunkSize = 32 * 1024

// Engine forwards /api/generate and /api/chat requests to the upstream
// Ollama-compatible daemon, short-circuiting through the response cache
// when eligible and recording telemetry for every call.
type Engine struct {
	upstreamBase string
	store        gateway.Store
	hot          cache.Cache // nil-able hot accelerator in front of store's cache table
	client       *http.Client
	metrics      *telemetry.Metrics

	cacheEnabled atomic.Bool
}

// New creates an Engine targeting upstreamBase (e.g. http://localhost:11434).
// hot may be nil to disable the in-memory accelerator; store's cache table
// remains the canonical, never-evicted cache regardless.
func New(upstreamBase string, store gateway.Store, hot cache.Cache, m *telemetry.Metrics) *Engine {
	resolver := &dnscache.Resolver{}
	e := &Engine{
		upstreamBase: upstreamBase,
		store:        store,
		hot:          hot,
		client:       &http.Client{Transport: NewTransport(resolver)},
		metrics:      m,
	}
	e.cacheEnabled.Store(true)
	return e
}

// SetCacheEnabled toggles the process-wide cache flag.
func (e *Engine) SetCacheEnabled(enabled bool) { e.cacheEnabled.Store(enabled) }

// IsCacheEnabled reports the current state of the process-wide cache flag.
func (e *Engine) IsCacheEnabled() bool { return e.cacheEnabled.Load() }

// Forward implements spec §4.3: capture body+model, cache lookup, upstream
// dispatch with streaming copy and TTFT measurement, then asynchronous
// logging. targetPath is the upstream path to call (e.g. "/api/generate").
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, targetPath string) {
	start := time.Now()

	reqBody, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	model := telemetry.ExtractModel(reqBody)

	cacheEligible := e.cacheEnabled.Load() && r.Header.Get(noCacheHeader) != "true"

	if cacheEligible {
		if status, body, ok := e.lookupCache(r.Context(), reqBody); ok {
			e.serveCacheHit(w, r, targetPath, model, reqBody, status, body)
			return
		}
	}

	w.Header().Set(cacheStatusHeader, "MISS")
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.upstreamBase+targetPath, bytes.NewReader(reqBody))
	if err != nil {
		e.writeAndLogError(w, r, targetPath, model, reqBody, start, fmt.Errorf("build request: %w", err))
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(upstreamReq)
	if err != nil {
		e.writeAndLogError(w, r, targetPath, model, reqBody, start, err)
		return
	}
	defer resp.Body.Close()

	accumulator, ttftMs, streamErr := e.streamResponse(w, resp, start)

	duration := time.Since(start).Milliseconds()
	telem := telemetry.Extract(accumulator)

	if streamErr != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "upstream stream interrupted",
			slog.String("path", targetPath), slog.String("error", streamErr.Error()))
	}

	if resp.StatusCode == http.StatusOK && len(accumulator) > 0 && cacheEligible {
		e.putCache(r.Context(), reqBody, resp.StatusCode, accumulator)
	}
	if e.metrics != nil {
		e.metrics.CacheMisses.Inc()
		e.metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(telem.PromptTokens))
		e.metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(telem.CompletionTokens))
	}

	e.store.SubmitLog(gateway.LogEntry{
		Method:               r.Method,
		Endpoint:             targetPath,
		Model:                model,
		RequestBody:          string(reqBody),
		ResponseBody:         string(accumulator),
		ResponseStatus:       resp.StatusCode,
		DurationMs:           duration,
		PromptTokens:         telem.PromptTokens,
		CompletionTokens:     telem.CompletionTokens,
		PromptEvalDurationMs: telem.PromptEvalDurationMs,
		EvalDurationMs:       telem.EvalDurationMs,
		TTFTMs:               ttftMs,
	})
}

// streamResponse copies resp.Body to w, flushing after every chunk, and
// returns the accumulated bytes plus the TTFT in milliseconds measured from
// start to the first chunk.
func (e *Engine) streamResponse(w http.ResponseWriter, resp *http.Response, start time.Time) ([]byte, int64, error) {
	w.WriteHeader(resp.StatusCode)
	flusher, canFlush := w.(http.Flusher)

	var accumulator bytes.Buffer
	var ttftMs int64
	buf := make([]byte, readChunkSize)
	first := true

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if first {
				ttftMs = time.Since(start).Milliseconds()
				first = false
			}
			accumulator.Write(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return accumulator.Bytes(), ttftMs, fmt.Errorf("write to client: %w", writeErr)
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return accumulator.Bytes(), ttftMs, nil
			}
			return accumulator.Bytes(), ttftMs, readErr
		}
	}
}

// serveCacheHit writes a cached response verbatim and logs the cache-hit
// sentinel row (duration_ms = 0).
func (e *Engine) serveCacheHit(w http.ResponseWriter, r *http.Request, targetPath, model string, reqBody []byte, status int, body []byte) {
	w.Header().Set(cacheStatusHeader, "HIT")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)

	telem := telemetry.Extract(body)

	if e.metrics != nil {
		e.metrics.CacheHits.Inc()
		e.metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(telem.PromptTokens))
		e.metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(telem.CompletionTokens))
	}

	e.store.SubmitLog(gateway.LogEntry{
		Method:               r.Method,
		Endpoint:             targetPath,
		Model:                model,
		RequestBody:          string(reqBody),
		ResponseBody:         string(body),
		ResponseStatus:       status,
		DurationMs:           0,
		PromptTokens:         telem.PromptTokens,
		CompletionTokens:     telem.CompletionTokens,
		PromptEvalDurationMs: telem.PromptEvalDurationMs,
		EvalDurationMs:       telem.EvalDurationMs,
		TTFTMs:               0,
	})
}

// writeAndLogError handles a failed upstream dial/request: writes a 500 to
// the client with a human-readable reason and still logs the attempt, per
// spec §7's UpstreamTimeout/UpstreamConnectError policy.
func (e *Engine) writeAndLogError(w http.ResponseWriter, r *http.Request, targetPath, model string, reqBody []byte, start time.Time, err error) {
	reason := classifyUpstreamError(err)
	body := fmt.Sprintf("Error forwarding request to Ollama: %s", reason)

	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(body))

	e.store.SubmitLog(gateway.LogEntry{
		Method:         r.Method,
		Endpoint:       targetPath,
		Model:          model,
		RequestBody:    string(reqBody),
		ResponseBody:   body,
		ResponseStatus: http.StatusInternalServerError,
		DurationMs:     time.Since(start).Milliseconds(),
	})
}

// classifyUpstreamError picks a short, stable reason string for a failed
// upstream call, distinguishing a timeout from a connection failure rather
// than surfacing the raw (and potentially noisy) transport error.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "connection failed"
}

// lookupCache checks the hot accelerator before falling back to the
// canonical store-backed cache table, repopulating the accelerator on a
// store hit.
func (e *Engine) lookupCache(ctx context.Context, reqBody []byte) (int, []byte, bool) {
	key := string(reqBody)
	if e.hot != nil {
		if data, ok := e.hot.Get(ctx, key); ok {
			status, body, ok := decodeHotEntry(data)
			if ok {
				return status, body, true
			}
		}
	}
	status, body, ok := e.store.CacheLookup(ctx, reqBody)
	if ok && e.hot != nil {
		e.hot.Set(ctx, key, encodeHotEntry(status, body), hotCacheTTL)
	}
	return status, body, ok
}

// putCache writes through to the canonical store cache table and, if
// present, primes the hot accelerator with the same entry.
func (e *Engine) putCache(ctx context.Context, reqBody []byte, status int, body []byte) {
	if err := e.store.CachePut(ctx, reqBody, status, body); err != nil {
		slog.Error("cache put failed", "error", err.Error())
		return
	}
	if e.hot != nil {
		e.hot.Set(ctx, string(reqBody), encodeHotEntry(status, body), hotCacheTTL)
	}
}
