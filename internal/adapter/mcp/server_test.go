package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	dfmcp "github.com/Strob0t/DocFlow/internal/adapter/mcp"
	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/service"
)

// --- Mocks ---

type mockExecutions struct {
	views     map[string]*execution.View
	started   []service.StartRequest
	cancelled []string
}

func newMockExecutions() *mockExecutions {
	return &mockExecutions{views: map[string]*execution.View{
		"exec-1": {ExecutionID: "exec-1", State: execution.StateAwaitingReview},
		"exec-2": {ExecutionID: "exec-2", State: execution.StateDone},
	}}
}

func (m *mockExecutions) Start(_ context.Context, req service.StartRequest) (*execution.View, error) {
	if req.Document.URI == "bad" {
		return nil, fmt.Errorf("document uri: %w", domain.ErrValidation)
	}
	m.started = append(m.started, req)
	return &execution.View{ExecutionID: req.ExecutionID, State: execution.StateAwaitingJob}, nil
}

func (m *mockExecutions) Status(_ context.Context, id string) (*execution.View, error) {
	v, ok := m.views[id]
	if !ok {
		return nil, fmt.Errorf("get execution %s: %w", id, domain.ErrNotFound)
	}
	return v, nil
}

func (m *mockExecutions) Cancel(_ context.Context, id, reason string) (*execution.View, error) {
	v, ok := m.views[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if v.State == execution.StateDone {
		return nil, fmt.Errorf("cancel %s: %w", id, domain.ErrInvalidTransition)
	}
	m.cancelled = append(m.cancelled, id+":"+reason)
	return &execution.View{ExecutionID: id, State: execution.StateError}, nil
}

func call(t *testing.T, s *dfmcp.Server, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	tool, ok := s.MCPServer().ListTools()[name]
	if !ok {
		t.Fatalf("%s tool not found", name)
	}
	result, err := tool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return result
}

func resultText(t *testing.T, r *mcplib.CallToolResult) string {
	t.Helper()
	text, ok := r.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", r.Content[0])
	}
	return text.Text
}

// --- Tests ---

func TestToolRegistration(t *testing.T) {
	s := dfmcp.NewServer(dfmcp.ServerConfig{Name: "docflow", Version: "0.1.0"}, newMockExecutions())

	tools := s.MCPServer().ListTools()
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	for _, name := range []string{"start_execution", "get_execution", "cancel_execution"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("expected tool %q not registered", name)
		}
	}
}

func TestGetExecution(t *testing.T) {
	s := dfmcp.NewServer(dfmcp.ServerConfig{Name: "docflow", Version: "0.1.0"}, newMockExecutions())

	r := call(t, s, "get_execution", map[string]any{"execution_id": "exec-1"})
	if r.IsError {
		t.Fatalf("tool returned error: %v", r.Content)
	}
	var v execution.View
	if err := json.Unmarshal([]byte(resultText(t, r)), &v); err != nil {
		t.Fatal(err)
	}
	if v.State != execution.StateAwaitingReview {
		t.Errorf("expected AWAITING_REVIEW, got %s", v.State)
	}

	r = call(t, s, "get_execution", map[string]any{"execution_id": "nope"})
	if !r.IsError || resultText(t, r) != "execution not found" {
		t.Errorf("expected not found error, got %v", r.Content)
	}

	r = call(t, s, "get_execution", nil)
	if !r.IsError {
		t.Error("expected error without execution_id")
	}
}

func TestStartExecution(t *testing.T) {
	m := newMockExecutions()
	s := dfmcp.NewServer(dfmcp.ServerConfig{Name: "docflow", Version: "0.1.0"}, m)

	r := call(t, s, "start_execution", map[string]any{
		"document_uri": "s3://in/a.pdf",
		"execution_id": "exec-9",
		"document_id":  "inv-1",
	})
	if r.IsError {
		t.Fatalf("tool returned error: %v", r.Content)
	}
	if len(m.started) != 1 || m.started[0].Document.ID != "inv-1" || m.started[0].ExecutionID != "exec-9" {
		t.Fatalf("unexpected start requests %+v", m.started)
	}

	r = call(t, s, "start_execution", map[string]any{"document_uri": "bad"})
	if !r.IsError || !strings.Contains(resultText(t, r), "validation failed") {
		t.Errorf("expected validation error, got %v", r.Content)
	}
}

func TestCancelExecution(t *testing.T) {
	m := newMockExecutions()
	s := dfmcp.NewServer(dfmcp.ServerConfig{Name: "docflow", Version: "0.1.0"}, m)

	r := call(t, s, "cancel_execution", map[string]any{"execution_id": "exec-1", "reason": "duplicate upload"})
	if r.IsError {
		t.Fatalf("tool returned error: %v", r.Content)
	}
	if len(m.cancelled) != 1 || m.cancelled[0] != "exec-1:duplicate upload" {
		t.Errorf("unexpected cancellations %v", m.cancelled)
	}

	r = call(t, s, "cancel_execution", map[string]any{"execution_id": "exec-2"})
	if !r.IsError || resultText(t, r) != "execution already finished" {
		t.Errorf("expected finished error, got %v", r.Content)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	key := "secret"
	h := dfmcp.AuthMiddleware(func() string { return key }, ok)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusForbidden},
		{"bearer", "Bearer secret", http.StatusNoContent},
		{"plain", "secret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}

	key = ""
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", http.NoBody))
	if rec.Code != http.StatusNoContent {
		t.Errorf("empty key must disable auth, got %d", rec.Code)
	}
}
