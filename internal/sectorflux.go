// Package sectorflux defines the domain types and interfaces shared across
// the proxy, store, and HTTP surface. This package has no project imports --
// it is the dependency root.
package sectorflux

import (
	"context"
	"errors"
	"time"
)

// --- Sentinel errors ---

var (
	// ErrNotFound indicates a requested log entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates malformed caller input (bad JSON, bad params).
	ErrInvalidInput = errors.New("invalid input")
)

// --- Log entries ---

// LogEntry is one row describing a completed proxy interaction.
type LogEntry struct {
	ID                   int64     `json:"id"`
	Timestamp            time.Time `json:"timestamp"`
	Method               string    `json:"method"`
	Endpoint             string    `json:"endpoint"`
	Model                string    `json:"model"`
	RequestBody          string    `json:"request_body"`
	ResponseBody         string    `json:"response_body"`
	ResponseStatus       int       `json:"response_status"`
	DurationMs           int64     `json:"duration_ms"`
	PromptTokens         int       `json:"prompt_tokens"`
	CompletionTokens     int       `json:"completion_tokens"`
	PromptEvalDurationMs int64     `json:"prompt_eval_duration_ms"`
	EvalDurationMs       int64     `json:"eval_duration_ms"`
	TTFTMs               int64     `json:"ttft_ms"`
	IsStarred            bool      `json:"is_starred"`
}

// UnknownModel is substituted when a request body's "model" field is absent
// or unparsable.
const UnknownModel = "unknown"

// Telemetry holds the fields extracted from an upstream NDJSON response body.
type Telemetry struct {
	PromptTokens         int
	CompletionTokens     int
	PromptEvalDurationMs int64
	EvalDurationMs       int64
}

// AggregateMetrics summarizes the log table on demand.
type AggregateMetrics struct {
	TotalRequests int64   `json:"total_requests"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
}

// --- Store ---

// Store is the persistence interface for logs, the response cache, and
// aggregate metrics. Implementations must accept concurrent readers while
// serializing writes through a single writer (see storage/sqlite).
type Store interface {
	// SubmitLog enqueues entry for asynchronous insertion. It never blocks
	// and never reports per-row failures to the caller; failures are logged.
	// entry.ID and entry.Timestamp are assigned by the store on insert.
	SubmitLog(entry LogEntry)
	// GetLogs returns the most recent limit rows in descending ID order.
	GetLogs(ctx context.Context, limit int) ([]LogEntry, error)
	// GetLog returns the row with the given ID, or ErrNotFound.
	GetLog(ctx context.Context, id int64) (*LogEntry, error)
	// SetStarred idempotently updates the starred flag for id.
	SetStarred(ctx context.Context, id int64, starred bool) error
	// CacheLookup returns the cached (status, body) for an exact request body
	// match, or ok=false if absent.
	CacheLookup(ctx context.Context, requestBody []byte) (status int, body []byte, ok bool)
	// CachePut inserts or replaces the cache entry for requestBody.
	CachePut(ctx context.Context, requestBody []byte, status int, body []byte) error
	// AggregateMetrics computes metrics over the full log table.
	AggregateMetrics(ctx context.Context) (AggregateMetrics, error)
	// Close releases the backing file handle. It does not flush the write
	// queue; storage/sqlite drains it in Store.Run, which must return first.
	Close() error
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from context, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
