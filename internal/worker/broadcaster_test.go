package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	gateway "github.com/sectorflux/sectorflux/internal"
)

type fakeStore struct {
	logs []gateway.LogEntry
}

func (s *fakeStore) SubmitLog(entry gateway.LogEntry) {}

func (s *fakeStore) GetLogs(ctx context.Context, limit int) ([]gateway.LogEntry, error) {
	return s.logs, nil
}

func (s *fakeStore) GetLog(ctx context.Context, id int64) (*gateway.LogEntry, error) {
	return nil, gateway.ErrNotFound
}

func (s *fakeStore) SetStarred(ctx context.Context, id int64, starred bool) error { return nil }

func (s *fakeStore) CacheLookup(ctx context.Context, requestBody []byte) (int, []byte, bool) {
	return 0, nil, false
}

func (s *fakeStore) CachePut(ctx context.Context, requestBody []byte, status int, body []byte) error {
	return nil
}

func (s *fakeStore) AggregateMetrics(ctx context.Context) (gateway.AggregateMetrics, error) {
	return gateway.AggregateMetrics{TotalRequests: int64(len(s.logs))}, nil
}

func (s *fakeStore) Close() error { return nil }

var broadcasterTestUpgrader = websocket.Upgrader{}

func TestBroadcasterTickSendsSnapshot(t *testing.T) {
	t.Parallel()

	ps := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3"}]}`))
	}))
	defer ps.Close()

	store := &fakeStore{logs: []gateway.LogEntry{{ID: 1, Model: "llama3"}}}
	b := NewBroadcaster(store, ps.URL)

	added := make(chan struct{})
	wsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := broadcasterTestUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		id := uuid.Must(uuid.NewV7())
		b.Add(id, conn)
		close(added)
		defer b.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer wsServer.Close()

	wsURL := "ws" + wsServer.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-added:
	case <-time.After(2 * time.Second):
		t.Fatal("observer was never registered")
	}

	b.tick(context.Background())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.RunningModel != "llama3" {
		t.Errorf("running model = %q, want llama3", snap.RunningModel)
	}
	if len(snap.Logs) != 1 || snap.Logs[0].Model != "llama3" {
		t.Errorf("logs = %+v, want one llama3 entry", snap.Logs)
	}
	if snap.Metrics.TotalRequests != 1 {
		t.Errorf("total requests = %d, want 1", snap.Metrics.TotalRequests)
	}
}

func TestBroadcasterFetchRunningModelOffline(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(&fakeStore{}, "http://127.0.0.1:1")
	if got := b.fetchRunningModel(context.Background()); got != "Ollama Offline" {
		t.Errorf("fetchRunningModel = %q, want %q", got, "Ollama Offline")
	}
}

func TestBroadcasterFetchRunningModelNone(t *testing.T) {
	t.Parallel()

	ps := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[]}`))
	}))
	defer ps.Close()

	b := NewBroadcaster(&fakeStore{}, ps.URL)
	if got := b.fetchRunningModel(context.Background()); got != "None" {
		t.Errorf("fetchRunningModel = %q, want %q", got, "None")
	}
}
