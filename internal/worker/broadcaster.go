package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	gateway "github.com/sectorflux/sectorflux/internal"
)

const (
	broadcastInterval = time.Second
	psFetchTimeout    = time.Second
	broadcastLogLimit = 50

	// maxPSResponseBody caps how much of an /api/ps response we'll buffer --
	// this is a handful of loaded-model entries, never a large payload.
	maxPSResponseBody = 64 << 10
)

// observer is one subscribed /ws/dashboard connection.
type observer struct {
	id   uuid.UUID
	conn *websocket.Conn
}

// snapshot is the JSON payload pushed to every observer once per tick.
type snapshot struct {
	Logs         []gateway.LogEntry       `json:"logs"`
	Metrics      gateway.AggregateMetrics `json:"metrics"`
	RunningModel string                   `json:"running_model"`
}

// Broadcaster periodically snapshots Store and upstream status and fans the
// result out to every subscribed dashboard observer.
type Broadcaster struct {
	store        gateway.Store
	upstreamBase string
	httpClient   *http.Client

	mu        sync.Mutex
	observers map[uuid.UUID]*observer
}

// NewBroadcaster creates a Broadcaster reading from store and polling
// upstreamBase + "/api/ps" for the currently loaded model.
func NewBroadcaster(store gateway.Store, upstreamBase string) *Broadcaster {
	return &Broadcaster{
		store:        store,
		upstreamBase: upstreamBase,
		httpClient:   &http.Client{Timeout: psFetchTimeout},
		observers:    make(map[uuid.UUID]*observer),
	}
}

// Name identifies this Broadcaster as a worker.Worker.
func (b *Broadcaster) Name() string { return "dashboard-broadcaster" }

// Run ticks every second until ctx is cancelled, per spec §4.5.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

// Add registers a new observer under id, replacing any existing observer
// with the same id.
func (b *Broadcaster) Add(id uuid.UUID, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers[id] = &observer{id: id, conn: conn}
}

// Remove unregisters the observer with id, if present.
func (b *Broadcaster) Remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, id)
}

func (b *Broadcaster) tick(ctx context.Context) {
	logs, err := b.store.GetLogs(ctx, broadcastLogLimit)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "broadcaster: get logs failed", slog.String("error", err.Error()))
		logs = nil
	}
	metrics, err := b.store.AggregateMetrics(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "broadcaster: aggregate metrics failed", slog.String("error", err.Error()))
	}

	snap := snapshot{
		Logs:         logs,
		Metrics:      metrics,
		RunningModel: b.fetchRunningModel(ctx),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("broadcaster: marshal snapshot failed", "error", err.Error())
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, obs := range b.observers {
		if err := obs.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "broadcaster: send failed, dropping observer",
				slog.String("observer", obs.id.String()), slog.String("error", err.Error()))
			delete(b.observers, obs.id)
		}
	}
}

// fetchRunningModel queries upstream /api/ps and extracts models[0].name,
// falling back to "None" (empty list) or "Ollama Offline" (error/timeout).
func (b *Broadcaster) fetchRunningModel(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, psFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.upstreamBase+"/api/ps", nil)
	if err != nil {
		return "Ollama Offline"
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "Ollama Offline"
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPSResponseBody))
	if err != nil {
		return "Ollama Offline"
	}
	name := gjson.GetBytes(data, "models.0.name").String()
	if name == "" {
		return "None"
	}
	return name
}
