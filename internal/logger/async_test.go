package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// gatedHandler records messages and blocks in Handle until the gate opens.
type gatedHandler struct {
	gate chan struct{}

	mu   sync.Mutex
	msgs []string
}

func newGatedHandler(open bool) *gatedHandler {
	h := &gatedHandler{gate: make(chan struct{})}
	if open {
		close(h.gate)
	}
	return h
}

func (h *gatedHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *gatedHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	<-h.gate
	h.mu.Lock()
	h.msgs = append(h.msgs, rec.Message)
	h.mu.Unlock()
	return nil
}

func (h *gatedHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *gatedHandler) WithGroup(string) slog.Handler      { return h }

func (h *gatedHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.msgs...)
}

func record(msg string) slog.Record {
	return slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0)
}

func TestAsyncHandlerCloseDrainsQueue(t *testing.T) {
	inner := newGatedHandler(true)
	ah := NewAsyncHandler(inner, 512, 3)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = ah.Handle(context.Background(), record("transition"))
			}
		}()
	}
	wg.Wait()
	ah.Close()

	if got := len(inner.messages()); got != 400 {
		t.Fatalf("expected 400 records after close, got %d", got)
	}
	if ah.DroppedCount() != 0 {
		t.Errorf("unexpected drops: %d", ah.DroppedCount())
	}
}

func TestAsyncHandlerDropsWhenFull(t *testing.T) {
	inner := newGatedHandler(false)
	ah := NewAsyncHandler(inner, 2, 1)

	// One record is held by the blocked worker, two sit in the buffer.
	_ = ah.Handle(context.Background(), record("first"))
	deadline := time.Now().Add(time.Second)
	for len(ah.ch) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for range 12 {
		_ = ah.Handle(context.Background(), record("flood"))
	}

	if got := ah.DroppedCount(); got != 10 {
		t.Fatalf("expected 10 drops, got %d", got)
	}
	close(inner.gate)
	ah.Close()

	if got := len(inner.messages()); got != 3 {
		t.Errorf("expected 3 delivered records, got %d", got)
	}
}

func TestAsyncHandlerDerivedSharesCounters(t *testing.T) {
	var buf bytes.Buffer
	ah := NewAsyncHandler(slog.NewJSONHandler(&buf, nil), 16, 1)

	l := slog.New(ah).With("execution_id", "exec-7").WithGroup("review")
	l.Info("unit resolved", "unit_id", "s2")
	ah.Close()

	out := buf.String()
	if !strings.Contains(out, `"execution_id":"exec-7"`) || !strings.Contains(out, `"review":{"unit_id":"s2"}`) {
		t.Fatalf("derived handler lost context: %s", out)
	}
}
