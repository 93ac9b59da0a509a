package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/DocFlow/internal/domain/event"
	"github.com/Strob0t/DocFlow/internal/logger"
	"github.com/Strob0t/DocFlow/internal/service"
)

const (
	maxRequestBodySize = 1 << 20  // 1 MB
	maxEventBodySize   = 16 << 20 // inline extractions of long documents
	headerEventID      = "X-Event-ID"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orchestrator *service.OrchestratorService
	Router       *service.RouterService
	Intake       *service.IntakeService // nil disables POST /documents

	// HealthChecks are probed by GET /health; a failing check reports 503.
	HealthChecks map[string]func(ctx context.Context) error
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type outcomeResponse struct {
	EventID string          `json:"event_id"`
	Outcome service.Outcome `json:"outcome"`
}

type submittedResponse struct {
	ExecutionID string `json:"execution_id"`
}

// StartExecution handles POST /api/v1/executions.
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.StartRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	view, err := h.Orchestrator.Start(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// CancelExecution handles POST /api/v1/executions/{id}/cancel.
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	req, ok := readOptionalJSON[cancelRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	view, err := h.Orchestrator.Cancel(r.Context(), urlParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// PostEvent handles POST /api/v1/events: the HTTP ingress of the
// notification channel.
func (h *Handlers) PostEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := readJSON[event.CompletionEvent](w, r, maxEventBodySize)
	if !ok {
		return
	}
	if ev.ID == "" {
		ev.ID = eventID(r)
	}
	h.route(w, r, ev)
}

// CompleteReview handles POST /api/v1/reviews/{token}/complete. The body is
// the reviewer's result. A repeated completion of a resolved unit is
// acknowledged with outcome DROPPED so portals can retry safely.
func (h *Handlers) CompleteReview(w http.ResponseWriter, r *http.Request) {
	payload, ok := readJSON[json.RawMessage](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	ev := event.CompletionEvent{
		ID:             eventID(r),
		Kind:           event.KindReviewCompleted,
		CorrelationKey: urlParam(r, "token"),
		Payload:        payload,
	}
	h.route(w, r, ev)
}

func (h *Handlers) route(w http.ResponseWriter, r *http.Request, ev event.CompletionEvent) {
	out, err := h.Router.Route(r.Context(), ev)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	status := http.StatusOK
	if out == service.OutcomeNotFound {
		status = http.StatusNotFound
		logger.From(r.Context()).Warn("event for unknown correlation key", "event_id", ev.ID, "kind", ev.Kind)
	}
	writeJSON(w, status, outcomeResponse{EventID: ev.ID, Outcome: out})
}

// SubmitDocument handles POST /api/v1/documents: the document is queued and
// its execution starts asynchronously under the returned id.
func (h *Handlers) SubmitDocument(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.StartRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}
	if err := h.Intake.Submit(r.Context(), req); err != nil {
		writeDomainError(w, err, "document not found")
		return
	}
	writeJSON(w, http.StatusAccepted, submittedResponse{ExecutionID: req.ExecutionID})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type healthStatus struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}

	status := healthStatus{Status: "ok", Checks: make(map[string]string, len(h.HealthChecks))}
	code := http.StatusOK
	for name, check := range h.HealthChecks {
		if err := check(r.Context()); err != nil {
			status.Status = "degraded"
			status.Checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status.Checks[name] = "ok"
	}
	writeJSON(w, code, status)
}

// eventID takes the caller's X-Event-ID so retried requests share one id.
func eventID(r *http.Request) string {
	if id := r.Header.Get(headerEventID); id != "" {
		return id
	}
	return uuid.NewString()
}
