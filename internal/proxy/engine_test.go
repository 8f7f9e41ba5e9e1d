package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/sectorflux/sectorflux/internal"
)

type fakeStore struct {
	mu    sync.Mutex
	logs  []gateway.LogEntry
	cache map[string]cachedResp
}

type cachedResp struct {
	status int
	body   []byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{cache: make(map[string]cachedResp)}
}

func (s *fakeStore) SubmitLog(entry gateway.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = int64(len(s.logs) + 1)
	s.logs = append(s.logs, entry)
}

func (s *fakeStore) GetLogs(ctx context.Context, limit int) ([]gateway.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.LogEntry, len(s.logs))
	copy(out, s.logs)
	return out, nil
}

func (s *fakeStore) GetLog(ctx context.Context, id int64) (*gateway.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.logs {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *fakeStore) SetStarred(ctx context.Context, id int64, starred bool) error { return nil }

func (s *fakeStore) CacheLookup(ctx context.Context, requestBody []byte) (int, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[string(requestBody)]
	return e.status, e.body, ok
}

func (s *fakeStore) CachePut(ctx context.Context, requestBody []byte, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[string(requestBody)] = cachedResp{status: status, body: body}
	return nil
}

func (s *fakeStore) AggregateMetrics(ctx context.Context) (gateway.AggregateMetrics, error) {
	return gateway.AggregateMetrics{}, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) lastLog() gateway.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[len(s.logs)-1]
}

func TestEngine_ForwardMiss_RoundTripsBody(t *testing.T) {
	t.Parallel()

	fixture := `{"response":"he","done":false}` + "\n" +
		`{"response":"llo","done":false}` + "\n" +
		`{"done":true,"prompt_eval_count":5,"eval_count":7,"prompt_eval_duration":200000000,"eval_duration":400000000}`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(fixture))
	}))
	defer upstream.Close()

	store := newFakeStore()
	eng := New(upstream.URL, store, nil, nil)

	body := `{"model":"llama3","prompt":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	rec := httptest.NewRecorder()

	eng.Forward(rec, req, "/api/generate")

	if rec.Header().Get(cacheStatusHeader) != "MISS" {
		t.Errorf("cache header = %q, want MISS", rec.Header().Get(cacheStatusHeader))
	}
	if rec.Body.String() != fixture {
		t.Errorf("body = %q, want %q", rec.Body.String(), fixture)
	}

	log := store.lastLog()
	if log.Model != "llama3" {
		t.Errorf("model = %q, want llama3", log.Model)
	}
	if log.PromptTokens != 5 || log.CompletionTokens != 7 {
		t.Errorf("tokens = %d/%d, want 5/7", log.PromptTokens, log.CompletionTokens)
	}
	if log.DurationMs <= 0 {
		t.Error("duration_ms should be > 0 for a non-cached request")
	}
	if log.TTFTMs <= 0 || log.TTFTMs > log.DurationMs {
		t.Errorf("ttft_ms = %d, duration_ms = %d, want 0 < ttft <= duration", log.TTFTMs, log.DurationMs)
	}
}

func TestEngine_CacheHitAfterMiss(t *testing.T) {
	t.Parallel()

	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"done":true}`))
	}))
	defer upstream.Close()

	store := newFakeStore()
	eng := New(upstream.URL, store, nil, nil)

	body := `{"model":"llama3","prompt":"hi"}`

	req1 := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	rec1 := httptest.NewRecorder()
	eng.Forward(rec1, req1, "/api/generate")

	req2 := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	rec2 := httptest.NewRecorder()
	eng.Forward(rec2, req2, "/api/generate")

	if calls != 1 {
		t.Errorf("upstream called %d times, want 1 (second should be served from cache)", calls)
	}
	if rec2.Header().Get(cacheStatusHeader) != "HIT" {
		t.Errorf("second call cache header = %q, want HIT", rec2.Header().Get(cacheStatusHeader))
	}

	log := store.lastLog()
	if log.DurationMs != 0 {
		t.Errorf("cache-hit duration_ms = %d, want 0", log.DurationMs)
	}
}

func TestEngine_NoCacheHeaderBypassesCache(t *testing.T) {
	t.Parallel()

	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"done":true}`))
	}))
	defer upstream.Close()

	store := newFakeStore()
	eng := New(upstream.URL, store, nil, nil)
	body := `{"model":"llama3","prompt":"hi"}`

	req1 := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	eng.Forward(httptest.NewRecorder(), req1, "/api/generate")

	req2 := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	req2.Header.Set(noCacheHeader, "true")
	rec2 := httptest.NewRecorder()
	eng.Forward(rec2, req2, "/api/generate")

	if calls != 2 {
		t.Errorf("upstream called %d times, want 2 (no-cache header should force a miss)", calls)
	}
	if rec2.Header().Get(cacheStatusHeader) != "MISS" {
		t.Errorf("cache header = %q, want MISS", rec2.Header().Get(cacheStatusHeader))
	}
}

func TestEngine_SetCacheEnabled(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	eng := New("http://unused", store, nil, nil)

	if !eng.IsCacheEnabled() {
		t.Error("cache should default to enabled")
	}
	eng.SetCacheEnabled(false)
	if eng.IsCacheEnabled() {
		t.Error("cache should be disabled after SetCacheEnabled(false)")
	}
}

func TestEngine_UpstreamErrorIsLoggedAnd500(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	// Nothing listens on this address.
	eng := New("http://127.0.0.1:1", store, nil, nil)

	body := `{"model":"llama3","prompt":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	rec := httptest.NewRecorder()

	eng.Forward(rec, req, "/api/generate")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	log := store.lastLog()
	if log.ResponseStatus != http.StatusInternalServerError {
		t.Errorf("logged status = %d, want 500", log.ResponseStatus)
	}
}
