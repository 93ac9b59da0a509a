package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dfotel "github.com/Strob0t/DocFlow/internal/adapter/otel"
	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/event"
	"github.com/Strob0t/DocFlow/internal/logger"
	"github.com/Strob0t/DocFlow/internal/port/cache"
	"github.com/Strob0t/DocFlow/internal/port/messagequeue"
)

// dedupPrefix namespaces event ids in the shared cache.
const dedupPrefix = "event:"

// RouterService accepts completion events from the notification channel
// and the HTTP API and resumes the executions they belong to. It holds no
// execution state; the optional dedup cache only short-circuits redelivery
// of events it has already applied.
type RouterService struct {
	orch    *OrchestratorService
	dedup   cache.Cache
	ttl     time.Duration
	metrics *dfotel.Metrics
}

// NewRouterService creates a RouterService in front of orch.
func NewRouterService(orch *OrchestratorService) *RouterService {
	return &RouterService{orch: orch}
}

// SetDedupCache remembers applied event ids in c for ttl.
func (r *RouterService) SetDedupCache(c cache.Cache, ttl time.Duration) {
	r.dedup = c
	r.ttl = ttl
}

// SetMetrics sets the OTEL metric instruments.
func (r *RouterService) SetMetrics(m *dfotel.Metrics) { r.metrics = m }

// Route resolves ev to its execution and applies it.
func (r *RouterService) Route(ctx context.Context, ev event.CompletionEvent) (Outcome, error) {
	ctx, span := dfotel.StartEventSpan(ctx, ev.ID, string(ev.Kind))
	defer span.End()

	if err := ev.Validate(); err != nil {
		return "", fmt.Errorf("event %s: %w", ev.ID, err)
	}

	if r.seen(ctx, ev.ID) {
		logger.From(ctx).Info("duplicate event dropped", "event_id", ev.ID, "kind", ev.Kind)
		r.countDropped(ctx, ev.Kind, "duplicate")
		return OutcomeDropped, nil
	}

	out, err := r.orch.Resume(ctx, ev)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("event.outcome", string(out)))

	switch out {
	case OutcomeDropped:
		r.countDropped(ctx, ev.Kind, "stale")
		r.remember(ctx, ev.ID)
	case OutcomeApplied:
		r.remember(ctx, ev.ID)
	}
	return out, nil
}

// HandleMessage is the queue handler for completion subjects. The event kind
// defaults to the one the subject implies. Malformed events are returned as
// validation errors so the queue dead-letters them; everything that was
// routed, including unknown keys, is acknowledged.
func (r *RouterService) HandleMessage(ctx context.Context, subject string, data []byte) error {
	var ev messagequeue.CompletionPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("unmarshal completion event: %v: %w", err, domain.ErrValidation)
	}
	if kind, ok := messagequeue.KindForSubject(subject); ok {
		if ev.Kind == "" {
			ev.Kind = kind
		} else if ev.Kind != kind {
			return fmt.Errorf("event kind %s on subject %s: %w", ev.Kind, subject, domain.ErrValidation)
		}
	}

	_, err := r.Route(ctx, ev)
	return err
}

// StartSubscribers subscribes HandleMessage to every completion subject and
// returns the cancel funcs.
func (r *RouterService) StartSubscribers(ctx context.Context, q messagequeue.Queue) ([]func(), error) {
	cancels := make([]func(), 0, len(messagequeue.CompletionSubjects))
	for _, subject := range messagequeue.CompletionSubjects {
		cancel, err := q.Subscribe(ctx, subject, r.HandleMessage)
		if err != nil {
			cancelAll(cancels)
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		cancels = append(cancels, cancel)
	}
	return cancels, nil
}

func (r *RouterService) seen(ctx context.Context, id string) bool {
	if r.dedup == nil || id == "" {
		return false
	}
	_, found, err := r.dedup.Get(ctx, dedupPrefix+id)
	if err != nil {
		logger.From(ctx).Warn("dedup cache lookup failed", "event_id", id, "error", err)
		return false
	}
	return found
}

func (r *RouterService) remember(ctx context.Context, id string) {
	if r.dedup == nil || id == "" {
		return
	}
	if err := r.dedup.Set(ctx, dedupPrefix+id, []byte{1}, r.ttl); err != nil {
		logger.From(ctx).Warn("dedup cache store failed", "event_id", id, "error", err)
	}
}

func (r *RouterService) countDropped(ctx context.Context, kind event.Kind, reason string) {
	if r.metrics != nil {
		r.metrics.EventsDropped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event.kind", string(kind)),
			attribute.String("reason", reason),
		))
	}
}

func cancelAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
