package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/DocFlow/internal/adapter/memory"
	"github.com/Strob0t/DocFlow/internal/config"
	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/confidence"
	"github.com/Strob0t/DocFlow/internal/domain/document"
	"github.com/Strob0t/DocFlow/internal/domain/event"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/port/jobclient"
	"github.com/Strob0t/DocFlow/internal/port/messagequeue"
	"github.com/Strob0t/DocFlow/internal/port/notifier"
	"github.com/Strob0t/DocFlow/internal/port/reviewportal"
	"github.com/Strob0t/DocFlow/internal/service"
)

// --- clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- job client ---

type fakeJobs struct {
	mu      sync.Mutex
	calls   []jobclient.SubmitRequest
	queued  []error // returned one per call before falling back to failAll
	failAll error
}

func (j *fakeJobs) Submit(_ context.Context, req jobclient.SubmitRequest) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, req)
	if len(j.queued) > 0 {
		err := j.queued[0]
		j.queued = j.queued[1:]
		if err != nil {
			return "", err
		}
	} else if j.failAll != nil {
		return "", j.failAll
	}
	return "job-" + req.ClientToken, nil
}

func (j *fakeJobs) Calls() []jobclient.SubmitRequest {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]jobclient.SubmitRequest(nil), j.calls...)
}

func (j *fakeJobs) SetFailAll(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failAll = err
}

// --- review portal ---

type fakePortal struct {
	mu   sync.Mutex
	reqs []reviewportal.Request
	err  error
}

func (p *fakePortal) RequestReview(_ context.Context, req reviewportal.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.reqs = append(p.reqs, req)
	return nil
}

func (p *fakePortal) Requests() []reviewportal.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]reviewportal.Request(nil), p.reqs...)
}

func (p *fakePortal) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// --- notifier ---

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notifier.Notification
}

func (n *fakeNotifier) Name() string { return "fake" }

func (n *fakeNotifier) Capabilities() notifier.Capabilities { return notifier.Capabilities{} }

func (n *fakeNotifier) Send(_ context.Context, msg notifier.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) Sent() []notifier.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifier.Notification(nil), n.sent...)
}

// --- broadcaster ---

type broadcastEvent struct {
	Type    string
	Payload any
}

type fakeHub struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (h *fakeHub) BroadcastEvent(_ context.Context, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, broadcastEvent{Type: eventType, Payload: payload})
}

func (h *fakeHub) Events(eventType string) []broadcastEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []broadcastEvent
	for _, e := range h.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// --- queue ---

type publishedMsg struct {
	Subject string
	Data    []byte
}

type fakeQueue struct {
	mu        sync.Mutex
	published []publishedMsg
	handlers  map[string]messagequeue.Handler
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{handlers: make(map[string]messagequeue.Handler)}
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = h
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.handlers, subject)
	}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) Published(subject string) []publishedMsg {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []publishedMsg
	for _, m := range q.published {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func (q *fakeQueue) Handler(subject string) messagequeue.Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[subject]
}

// --- object store ---

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	puts    int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (o *fakeObjects) Put(_ context.Context, bucket, key string, r io.Reader, _ int64, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.puts++
	if o.putErr != nil {
		return o.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	o.objects[bucket+"/"+key] = data
	return nil
}

func (o *fakeObjects) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *fakeObjects) Object(bucket, key string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[bucket+"/"+key]
	return data, ok
}

// --- dedup cache ---

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// --- harness ---

type harness struct {
	store    *memory.Store
	jobs     *fakeJobs
	portal   *fakePortal
	notifier *fakeNotifier
	hub      *fakeHub
	clock    *fakeClock
	cfg      *config.Orchestrator
	review   config.Review
	orch     *service.OrchestratorService
	router   *service.RouterService
	sweeper  *service.SweeperService
}

func newHarness(t *testing.T, tweak ...func(*config.Orchestrator)) *harness {
	t.Helper()
	cfg := config.Defaults().Orchestrator
	cfg.RetryInitialBackoff = time.Second
	cfg.RetryMaxBackoff = 10 * time.Second
	for _, fn := range tweak {
		fn(&cfg)
	}

	h := &harness{
		store:    memory.NewStore(),
		jobs:     &fakeJobs{},
		portal:   &fakePortal{},
		notifier: &fakeNotifier{},
		hub:      &fakeHub{},
		clock:    newFakeClock(),
		cfg:      &cfg,
		review:   config.Review{SLA: 24 * time.Hour, PortalURL: "https://review.example.com/review"},
	}
	policy := confidence.Policy{DefaultThreshold: 0.70, Granularity: confidence.GranularitySection}

	h.orch = service.NewOrchestratorService(h.store, h.jobs, h.hub, h.cfg, policy)
	h.orch.SetClock(h.clock.Now)
	h.orch.SetThrottle(config.Throttle{MaxRetries: 7, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	hitl := service.NewHITLService(h.portal, h.hub, h.review)
	hitl.SetNotifier(h.notifier)
	h.orch.SetHITL(hitl)

	h.router = service.NewRouterService(h.orch)
	h.sweeper = service.NewSweeperService(h.orch, h.store)
	return h
}

func (h *harness) start(t *testing.T, id string) *execution.View {
	t.Helper()
	v, err := h.orch.Start(context.Background(), service.StartRequest{ExecutionID: id, Document: invoiceDoc()})
	if err != nil {
		t.Fatalf("Start(%s): %v", id, err)
	}
	return v
}

func (h *harness) status(t *testing.T, id string) *execution.View {
	t.Helper()
	v, err := h.orch.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status(%s): %v", id, err)
	}
	return v
}

func (h *harness) route(t *testing.T, ev event.CompletionEvent) service.Outcome {
	t.Helper()
	out, err := h.router.Route(context.Background(), ev)
	if err != nil {
		t.Fatalf("Route(%s %s): %v", ev.Kind, ev.CorrelationKey, err)
	}
	return out
}

func (h *harness) sweep(t *testing.T) {
	t.Helper()
	if err := h.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
}

// tokens returns the wait tokens announced for id, first announcement only.
func (h *harness) tokens(id string) []string {
	var out []string
	for _, r := range h.portal.Requests() {
		if r.ExecutionID == id && r.Escalation == 0 {
			out = append(out, r.WaitToken)
		}
	}
	return out
}

// --- fixtures ---

func invoiceDoc() document.Document {
	return document.Document{
		ID:          "invoice-42",
		URI:         "s3://docflow-input/invoices/42.pdf",
		ContentType: "application/pdf",
		PageCount:   2,
	}
}

func confidentExtraction() *confidence.Extraction {
	return &confidence.Extraction{
		PageCount: 2,
		Sections: []confidence.Section{
			{ID: "header", Class: "invoice_header", Pages: []int{1}, Fields: []confidence.Field{
				{Name: "invoice_number", Value: json.RawMessage(`"INV-42"`), Confidence: 0.98, Page: 1},
			}},
			{ID: "totals", Class: "totals", Pages: []int{2}, Fields: []confidence.Field{
				{Name: "total_amount", Value: json.RawMessage(`"100.00"`), Confidence: 0.91, Page: 2},
			}},
		},
	}
}

// doubtfulExtraction has n sections, each with one field below threshold.
func doubtfulExtraction(n int) *confidence.Extraction {
	x := &confidence.Extraction{PageCount: n}
	for i := 1; i <= n; i++ {
		x.Sections = append(x.Sections, confidence.Section{
			ID:    fmt.Sprintf("s%d", i),
			Pages: []int{i},
			Fields: []confidence.Field{
				{Name: "amount", Value: json.RawMessage(`"??"`), Confidence: 0.40, Page: i},
				{Name: "currency", Value: json.RawMessage(`"EUR"`), Confidence: 0.99, Page: i},
			},
		})
	}
	return x
}

func jobSucceeded(t *testing.T, handle string, x *confidence.Extraction) event.CompletionEvent {
	t.Helper()
	return jobEvent(t, event.KindJobSucceeded, handle, event.JobSucceeded{Extraction: x})
}

func jobEvent(t *testing.T, kind event.Kind, handle string, payload any) event.CompletionEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return event.CompletionEvent{ID: uuid.NewString(), Kind: kind, CorrelationKey: handle, Payload: raw}
}

func reviewCompleted(t *testing.T, token, reviewer string, corrections map[string]json.RawMessage) event.CompletionEvent {
	t.Helper()
	raw, err := json.Marshal(execution.ReviewResult{Reviewer: reviewer, Corrections: corrections})
	if err != nil {
		t.Fatal(err)
	}
	return event.CompletionEvent{ID: uuid.NewString(), Kind: event.KindReviewCompleted, CorrelationKey: token, Payload: raw}
}

func decodeResult(t *testing.T, raw json.RawMessage) service.FinalResult {
	t.Helper()
	var out service.FinalResult
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode final result: %v", err)
	}
	return out
}

func fieldValue(x *confidence.Extraction, sectionID, name string) string {
	for _, s := range x.Sections {
		if s.ID != sectionID {
			continue
		}
		for _, f := range s.Fields {
			if f.Name == name {
				return string(f.Value)
			}
		}
	}
	return ""
}
