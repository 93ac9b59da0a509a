package middleware_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/DocFlow/internal/middleware"
)

// mapCache is an in-memory cache.Cache for testing.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newCache(*testing.T) *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func makeTestHandler(counter *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*counter++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, *counter)
	})
}

func post(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, http.NoBody)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdempotency_NoHeader(t *testing.T) {
	counter := 0
	handler := middleware.Idempotency(newCache(t), time.Hour)(makeTestHandler(&counter, http.StatusAccepted))

	post(handler, "/api/v1/executions", "")
	post(handler, "/api/v1/executions", "")
	if counter != 2 {
		t.Fatalf("expected 2 calls, got %d", counter)
	}
}

func TestIdempotency_SecondRequestReplays(t *testing.T) {
	counter := 0
	handler := middleware.Idempotency(newCache(t), time.Hour)(makeTestHandler(&counter, http.StatusAccepted))

	first := post(handler, "/api/v1/executions", "key-1")
	second := post(handler, "/api/v1/executions", "key-1")

	if counter != 1 {
		t.Fatalf("expected handler called once, got %d", counter)
	}
	if second.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body %q, want %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replay not marked")
	}
	if first.Header().Get("Idempotent-Replayed") != "" {
		t.Error("first response marked as replay")
	}
}

func TestIdempotency_ScopedByPath(t *testing.T) {
	counter := 0
	handler := middleware.Idempotency(newCache(t), time.Hour)(makeTestHandler(&counter, http.StatusOK))

	post(handler, "/api/v1/executions/a/cancel", "key-1")
	post(handler, "/api/v1/executions/b/cancel", "key-1")
	if counter != 2 {
		t.Fatalf("expected 2 calls, got %d", counter)
	}
}

func TestIdempotency_ServerErrorsNotStored(t *testing.T) {
	counter := 0
	handler := middleware.Idempotency(newCache(t), time.Hour)(makeTestHandler(&counter, http.StatusServiceUnavailable))

	post(handler, "/api/v1/events", "key-1")
	post(handler, "/api/v1/events", "key-1")
	if counter != 2 {
		t.Fatalf("expected retry after 503 to reach the handler, got %d calls", counter)
	}
}

func TestIdempotency_GETIgnored(t *testing.T) {
	counter := 0
	handler := middleware.Idempotency(newCache(t), time.Hour)(makeTestHandler(&counter, http.StatusOK))

	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/a", http.NoBody)
		req.Header.Set("Idempotency-Key", "key-get")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if counter != 2 {
		t.Fatalf("expected 2 calls, got %d", counter)
	}
}
