package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dfotel "github.com/Strob0t/DocFlow/internal/adapter/otel"
	"github.com/Strob0t/DocFlow/internal/config"
	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/confidence"
	"github.com/Strob0t/DocFlow/internal/domain/document"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/logger"
	"github.com/Strob0t/DocFlow/internal/port/broadcast"
	"github.com/Strob0t/DocFlow/internal/port/executionstore"
	"github.com/Strob0t/DocFlow/internal/port/jobclient"
	"github.com/Strob0t/DocFlow/internal/port/messagequeue"
	"github.com/Strob0t/DocFlow/internal/port/objectstore"
	"github.com/Strob0t/DocFlow/internal/resilience"
	"github.com/Strob0t/DocFlow/internal/workpool"
)

// Outcome is the result of applying a completion event.
type Outcome string

const (
	OutcomeApplied  Outcome = "APPLIED"
	OutcomeDropped  Outcome = "DROPPED"
	OutcomeNotFound Outcome = "NOT_FOUND"
)

// StartRequest asks the orchestrator to process one document. An empty
// ExecutionID is replaced by a generated one.
type StartRequest struct {
	ExecutionID string            `json:"execution_id,omitempty"`
	Document    document.Document `json:"document"`
}

// errNoChange tells mutate that fn decided there is nothing to write.
var errNoChange = errors.New("no change")

// OrchestratorService drives executions through the state machine. It keeps
// no execution state of its own: every step re-reads the record, mutates a
// copy and commits it with compare-and-swap.
type OrchestratorService struct {
	store   executionstore.Store
	jobs    jobclient.Submitter
	hub     broadcast.Broadcaster
	queue   messagequeue.Queue
	objects objectstore.Store
	hitl    *HITLService
	pool    *workpool.Pool
	metrics *dfotel.Metrics

	cfg          *config.Orchestrator
	throttle     config.Throttle
	policy       confidence.Policy
	outputBucket string

	now          func() time.Time
	onFinalizing []func(context.Context, *execution.Execution)
	onTerminal   []func(context.Context, *execution.Execution)
}

// NewOrchestratorService creates an OrchestratorService with its required
// dependencies. Optional collaborators are attached with the Set methods.
func NewOrchestratorService(
	store executionstore.Store,
	jobs jobclient.Submitter,
	hub broadcast.Broadcaster,
	cfg *config.Orchestrator,
	policy confidence.Policy,
) *OrchestratorService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &OrchestratorService{
		store:    store,
		jobs:     jobs,
		hub:      hub,
		cfg:      cfg,
		policy:   policy,
		throttle: config.Defaults().Throttle,
		now:      time.Now,
	}
}

// SetQueue enables publishing executions.status messages.
func (s *OrchestratorService) SetQueue(q messagequeue.Queue) { s.queue = q }

// SetObjectStore enables fetching results by URI and writing final output to
// bucket. Without it, final results are stored inline on the execution.
func (s *OrchestratorService) SetObjectStore(store objectstore.Store, bucket string) {
	s.objects = store
	s.outputBucket = bucket
}

// SetHITL sets the coordinator that announces review units.
func (s *OrchestratorService) SetHITL(h *HITLService) { s.hitl = h }

// SetPool bounds concurrent submission, result processing and finalization.
func (s *OrchestratorService) SetPool(p *workpool.Pool) { s.pool = p }

// SetMetrics sets the OTEL metric instruments.
func (s *OrchestratorService) SetMetrics(m *dfotel.Metrics) { s.metrics = m }

// SetThrottle configures the in-call retry of throttled submissions.
func (s *OrchestratorService) SetThrottle(t config.Throttle) { s.throttle = t }

// SetClock replaces the time source. Used by tests.
func (s *OrchestratorService) SetClock(now func() time.Time) { s.now = now }

// AddOnFinalizing registers a callback invoked after an execution commits
// its move into FINALIZING. Callbacks run in registration order.
func (s *OrchestratorService) AddOnFinalizing(fn func(context.Context, *execution.Execution)) {
	s.onFinalizing = append(s.onFinalizing, fn)
}

// AddOnTerminal registers a callback invoked after an execution reaches DONE
// or ERROR.
func (s *OrchestratorService) AddOnTerminal(fn func(context.Context, *execution.Execution)) {
	s.onTerminal = append(s.onTerminal, fn)
}

// Start creates an execution and submits its first extraction job.
//
// Reusing the id of a run that reached DONE with the same input returns that
// run's view unchanged. Any other reuse fails with domain.ErrAlreadyExists.
// A ClientError from the job service is not an error of Start: the returned
// view is in ERROR and says why.
func (s *OrchestratorService) Start(ctx context.Context, req StartRequest) (*execution.View, error) {
	if err := req.Document.Validate(); err != nil {
		return nil, fmt.Errorf("validate start request: %w", err)
	}
	id := req.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}

	now := s.now()
	e := execution.New(id, req.Document, now)
	if err := s.store.PutIfAbsent(ctx, e); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return nil, fmt.Errorf("create execution %s: %w", id, err)
		}
		existing, getErr := s.store.Get(ctx, id)
		if getErr != nil {
			return nil, fmt.Errorf("start %s: read existing: %w", id, getErr)
		}
		if existing.State == execution.StateDone && existing.Fingerprint == e.Fingerprint {
			logger.From(ctx).Info("start replayed finished execution", "execution_id", id)
			return existing.View(), nil
		}
		return nil, fmt.Errorf("start %s: %w", id, domain.ErrAlreadyExists)
	}
	s.announceStatus(ctx, "", e)
	logger.From(ctx).Info("execution created", "execution_id", id, "document_uri", req.Document.URI)

	e, claimed, err := s.claimCreated(ctx, id)
	if err != nil {
		return nil, err
	}
	if claimed {
		next, err := s.submit(ctx, e)
		if err != nil {
			// The lease expires and the sweeper resubmits with the same token.
			logger.From(ctx).Warn("initial submission deferred", "execution_id", id, "error", err)
			return s.Status(ctx, id)
		}
		e = next
	}
	return e.View(), nil
}

// Status returns a read-only snapshot of the execution.
func (s *OrchestratorService) Status(ctx context.Context, id string) (*execution.View, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return e.View(), nil
}

// Cancel moves a non-terminal execution to ERROR(CANCELLED) and cancels its
// waiting review units. Cancelling a finished execution returns
// domain.ErrInvalidTransition.
func (s *OrchestratorService) Cancel(ctx context.Context, id, reason string) (*execution.View, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	e, _, err := s.mutate(ctx, id, func(e *execution.Execution) error {
		return e.Fail(execution.ErrorCancelled, reason, s.now())
	})
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", id, err)
	}
	return e.View(), nil
}

// claimCreated moves a CREATED execution to INVOKED for attempt 1 and takes
// the submission lease.
func (s *OrchestratorService) claimCreated(ctx context.Context, id string) (*execution.Execution, bool, error) {
	e, changed, err := s.mutate(ctx, id, func(e *execution.Execution) error {
		if e.State != execution.StateCreated {
			return errNoChange
		}
		now := s.now()
		if err := e.TransitionTo(execution.StateInvoked, now); err != nil {
			return err
		}
		e.Attempt = 1
		e.Acquire(now, s.cfg.ProcessingLease)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("invoke %s: %w", id, err)
	}
	return e, changed, nil
}

// mutate re-reads the execution, applies fn to it and commits the result
// with compare-and-swap, retrying from the read on conflict. fn may run
// several times and must only touch e. It returns the committed record and
// whether anything was written; fn returning errNoChange skips the write.
// Every committed state change is announced after the commit.
func (s *OrchestratorService) mutate(ctx context.Context, id string, fn func(e *execution.Execution) error) (*execution.Execution, bool, error) {
	attempts := s.cfg.CASMaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for range attempts {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		prev := e.State
		version := e.Version

		if err := fn(e); err != nil {
			if errors.Is(err, errNoChange) {
				return e, false, nil
			}
			return e, false, err
		}
		if err := e.CheckInvariants(); err != nil {
			return nil, false, fmt.Errorf("execution %s invariant: %w", id, err)
		}
		e.UpdatedAt = s.now()

		err = s.store.CompareAndSwap(ctx, version, e)
		if errors.Is(err, domain.ErrConflict) {
			if s.metrics != nil {
				s.metrics.StoreConflicts.Add(ctx, 1)
			}
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if e.State != prev {
			s.transitioned(ctx, prev, e)
		}
		return e, true, nil
	}
	return nil, false, fmt.Errorf("execution %s: %d compare-and-swap attempts: %w", id, attempts, domain.ErrConflict)
}

// transitioned runs the post-commit effects of a state change.
func (s *OrchestratorService) transitioned(ctx context.Context, prev execution.State, e *execution.Execution) {
	log := logger.From(ctx)
	log.Info("execution transitioned", "execution_id", e.ID, "from", prev, "to", e.State, "attempt", e.Attempt)
	s.announceStatus(ctx, prev, e)

	switch e.State {
	case execution.StateFinalizing:
		for _, fn := range s.onFinalizing {
			fn(ctx, e)
		}
	case execution.StateDone, execution.StateError:
		if s.metrics != nil {
			attrs := metric.WithAttributes(attribute.String("state", string(e.State)))
			if e.State == execution.StateDone {
				s.metrics.ExecutionsDone.Add(ctx, 1)
			} else {
				s.metrics.ExecutionsFailed.Add(ctx, 1, metric.WithAttributes(
					attribute.String("error.kind", string(e.LastError.Kind)),
				))
			}
			s.metrics.ExecutionDuration.Record(ctx, s.now().Sub(e.CreatedAt).Seconds(), attrs)
		}
		if e.State == execution.StateError {
			log.Warn("execution failed", "execution_id", e.ID, "kind", e.LastError.Kind, "message", e.LastError.Message)
		}
		for _, fn := range s.onTerminal {
			fn(ctx, e)
		}
	}
}

// announceStatus pushes the execution's state to websocket clients and, when
// a queue is set, to executions.status subscribers.
func (s *OrchestratorService) announceStatus(ctx context.Context, prev execution.State, e *execution.Execution) {
	payload := messagequeue.ExecutionStatusPayload{
		ExecutionID: e.ID,
		State:       e.State,
		Previous:    prev,
		Attempt:     e.Attempt,
		Error:       e.LastError,
		At:          e.UpdatedAt,
	}
	s.hub.BroadcastEvent(ctx, broadcast.EventExecutionStatus, payload)

	if s.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal execution status", "execution_id", e.ID, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectExecutionStatus, data); err != nil {
		logger.From(ctx).Warn("publish execution status failed", "execution_id", e.ID, "error", err)
	}
}

func (s *OrchestratorService) retrySchedule() resilience.Schedule {
	return resilience.Schedule{
		Initial: s.cfg.RetryInitialBackoff,
		Max:     s.cfg.RetryMaxBackoff,
		Jitter:  true,
	}
}
