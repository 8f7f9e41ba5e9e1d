package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/sectorflux/sectorflux/internal"
	"github.com/sectorflux/sectorflux/internal/chat"
	"github.com/sectorflux/sectorflux/internal/proxy"
	"github.com/sectorflux/sectorflux/internal/telemetry"
	"github.com/sectorflux/sectorflux/internal/worker"
)

// These tests drive /ws/chat and /ws/dashboard through the real
// http.Server + full middleware chain via httptest.NewServer, rather than
// calling handlers directly against an httptest.ResponseRecorder: a
// ResponseRecorder never exercises Hijack, so it could not have caught the
// statusWriter regression the global middleware chain introduced for both
// WebSocket routes.
func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

func TestWSChatUpgradesThroughMiddleware(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"message":{"content":"hi"},"done":true}` + "\n"))
	}))
	defer upstream.Close()

	store := newFakeStore()
	eng := proxy.New(upstream.URL, store, nil, nil)
	chatHandler := chat.NewHandler(upstream.URL, store, &http.Client{}, eng.IsCacheEnabled, nil, nil)

	handler := New(Deps{
		Engine:         eng,
		Store:          store,
		Chat:           chatHandler,
		UpstreamClient: &http.Client{},
		UpstreamBase:   upstream.URL,
		Metrics:        telemetry.NewMetrics(prometheus.NewRegistry()),
		Version:        "1.0.0",
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/chat")
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "hi") {
		t.Errorf("unexpected response: %s", data)
	}
}

func TestWSDashboardUpgradesThroughMiddleware(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.SubmitLog(gateway.LogEntry{Model: "llama3"})
	broadcaster := worker.NewBroadcaster(store, "http://127.0.0.1:1")

	eng := proxy.New("http://unused", store, nil, nil)
	handler := New(Deps{
		Engine:         eng,
		Store:          store,
		Broadcaster:    broadcaster,
		UpstreamClient: &http.Client{},
		UpstreamBase:   "http://unused",
		Metrics:        telemetry.NewMetrics(prometheus.NewRegistry()),
		Version:        "1.0.0",
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/dashboard")
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broadcaster.Run(ctx)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if _, ok := payload["running_model"]; !ok {
		t.Errorf("snapshot missing running_model field: %s", data)
	}
}
