// Package chat implements the /ws/chat WebSocket forwarder: one upstream
// streaming chat turn per inbound text frame.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	gateway "github.com/sectorflux/sectorflux/internal"
	"github.com/sectorflux/sectorflux/internal/telemetry"
)

// forwardTimeout bounds a single chat turn's upstream connect+read window.
// Much longer than the unary proxy.Engine's budget since a chat turn can
// involve a long generation.
const forwardTimeout = 300 * time.Second

const readChunkSize = 32 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// turnRequest is the inbound {model, messages} frame.
type turnRequest struct {
	Model    string            `json:"model"`
	Messages []json.RawMessage `json:"messages"`
}

// CacheStore is the subset of gateway.Store the chat session needs.
type CacheStore interface {
	SubmitLog(entry gateway.LogEntry)
	CacheLookup(ctx context.Context, requestBody []byte) (status int, body []byte, ok bool)
	CachePut(ctx context.Context, requestBody []byte, status int, body []byte) error
}

// ConnGauge tracks currently open WebSocket connections for one endpoint
// label (see telemetry.Metrics.WSConnections).
type ConnGauge interface {
	Inc()
	Dec()
}

// Handler upgrades /ws/chat connections and runs one Session per connection.
type Handler struct {
	upstreamBase string
	store        CacheStore
	client       *http.Client
	cacheEnabled func() bool
	conns        ConnGauge
	metrics      *telemetry.Metrics
}

// NewHandler builds a chat Handler targeting upstreamBase. cacheEnabled is
// polled per turn so a live toggle of the proxy's cache flag takes effect
// immediately on the next inbound frame. conns may be nil to disable the
// connection gauge. metrics may be nil to disable token-count recording.
func NewHandler(upstreamBase string, store CacheStore, client *http.Client, cacheEnabled func() bool, conns ConnGauge, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		upstreamBase: upstreamBase,
		store:        store,
		client:       client,
		cacheEnabled: cacheEnabled,
		conns:        conns,
		metrics:      metrics,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws/chat upgrade failed", "error", err.Error())
		return
	}
	if h.conns != nil {
		h.conns.Inc()
		defer h.conns.Dec()
	}
	sess := &session{handler: h, conn: conn}
	sess.active.Store(true)
	sess.run()
}

// session is one /ws/chat connection. active gates whether an in-flight
// upstream stream should keep forwarding chunks; it is flipped false as
// soon as the read loop observes the socket closing, which happens
// concurrently with an in-flight forwardTurn rather than after it (gorilla
// permits one reader and one writer at a time, not zero readers while a
// write is in progress). writeMu serializes the two: the read loop's own
// error replies and the turn goroutine's streamed chunks.
type session struct {
	handler *Handler
	conn    *websocket.Conn
	active  atomic.Bool
	busy    atomic.Bool
	writeMu sync.Mutex
}

func (s *session) run() {
	defer func() {
		s.active.Store(false)
		s.conn.Close()
	}()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !s.busy.CompareAndSwap(false, true) {
			s.sendError("a turn is already in progress")
			continue
		}
		go func(data []byte) {
			defer s.busy.Store(false)
			s.handleTurn(data)
		}(data)
	}
}

func (s *session) writeMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) handleTurn(raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.LogAttrs(context.Background(), slog.LevelError, "chat session panic", slog.Any("error", rec))
			if s.active.Load() {
				s.sendError("Internal Server Error")
			}
		}
	}()

	var req turnRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError("Invalid JSON")
		return
	}
	model := req.Model
	if model == "" {
		model = gateway.UnknownModel
	}

	ctx := context.Background()
	cacheEligible := s.handler.cacheEnabled == nil || s.handler.cacheEnabled()

	if cacheEligible {
		if status, body, ok := s.handler.store.CacheLookup(ctx, raw); ok {
			s.serveCacheHit(model, raw, status, body)
			return
		}
	}

	s.forwardTurn(model, raw)
}

func (s *session) sendError(msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	s.writeMessage(payload)
}

func (s *session) serveCacheHit(model string, raw []byte, status int, body []byte) {
	s.writeMessage(body)

	telem := telemetry.Extract(body)
	if s.handler.metrics != nil {
		s.handler.metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(telem.PromptTokens))
		s.handler.metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(telem.CompletionTokens))
	}
	s.handler.store.SubmitLog(gateway.LogEntry{
		Method:               http.MethodPost,
		Endpoint:             "/api/chat",
		Model:                model,
		RequestBody:          string(raw),
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

// forwardTurn builds a forced-stream upstream POST and copies the NDJSON
// chunk stream to the client, aborting early if the session goes inactive.
func (s *session) forwardTurn(model string, raw []byte) {
	start := time.Now()

	upstreamBody, err := buildUpstreamBody(raw)
	if err != nil {
		s.sendError("Invalid JSON")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.handler.upstreamBase+"/api/chat", bytes.NewReader(upstreamBody))
	if err != nil {
		if s.active.Load() {
			s.sendError("Failed to connect to Ollama")
		}
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")

	resp, err := s.handler.client.Do(upstreamReq)
	if err != nil {
		if s.active.Load() {
			s.sendError("Failed to connect to Ollama")
		}
		return
	}
	defer resp.Body.Close()

	accumulator, ttftMs, aborted, streamErr := s.streamChunks(resp.Body, start)
	if aborted {
		// CancelledBySocketClose: no log for a partial turn.
		return
	}
	if streamErr != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "chat upstream stream interrupted", slog.String("error", streamErr.Error()))
	}

	duration := time.Since(start).Milliseconds()
	telem := telemetry.Extract(accumulator.Bytes())
	if s.handler.metrics != nil {
		s.handler.metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(telem.PromptTokens))
		s.handler.metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(telem.CompletionTokens))
	}

	cacheEligible := s.handler.cacheEnabled == nil || s.handler.cacheEnabled()
	if cacheEligible && resp.StatusCode == http.StatusOK && accumulator.Len() > 0 {
		if err := s.handler.store.CachePut(context.Background(), raw, resp.StatusCode, accumulator.Bytes()); err != nil {
			slog.Error("chat cache put failed", "error", err.Error())
		}
	}

	s.handler.store.SubmitLog(gateway.LogEntry{
		Method:               http.MethodPost,
		Endpoint:             "/api/chat",
		Model:                model,
		RequestBody:          string(raw),
		ResponseBody:         accumulator.String(),
		ResponseStatus:       resp.StatusCode,
		DurationMs:           duration,
		PromptTokens:         telem.PromptTokens,
		CompletionTokens:     telem.CompletionTokens,
		PromptEvalDurationMs: telem.PromptEvalDurationMs,
		EvalDurationMs:       telem.EvalDurationMs,
		TTFTMs:               ttftMs,
	})
}

// streamChunks reads resp.Body, forwarding each chunk as a text frame and
// checking s.active before every send. aborted is true if the session went
// inactive mid-stream (socket closed), in which case no log should be
// written for the partial turn.
func (s *session) streamChunks(body io.Reader, start time.Time) (accumulator *bytes.Buffer, ttftMs int64, aborted bool, err error) {
	accumulator = &bytes.Buffer{}
	buf := make([]byte, readChunkSize)
	first := true

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if !s.active.Load() {
				return accumulator, ttftMs, true, nil
			}
			if first {
				ttftMs = time.Since(start).Milliseconds()
				first = false
			}
			accumulator.Write(buf[:n])
			if sendErr := s.writeMessage(buf[:n]); sendErr != nil {
				return accumulator, ttftMs, true, nil
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return accumulator, ttftMs, false, nil
			}
			return accumulator, ttftMs, false, readErr
		}
	}
}

// buildUpstreamBody re-marshals the inbound frame as {model, messages,
// stream: true}, forcing streaming regardless of what the client sent.
func buildUpstreamBody(raw []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["stream"] = json.RawMessage("true")
	return json.Marshal(fields)
}
