package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/event"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/logger"
)

// Resume applies a completion event to the execution its correlation key
// names. A duplicate or out-of-order event yields OutcomeDropped and a key
// that matches nothing yields OutcomeNotFound; neither is an error.
// domain.ErrNotReady means the event raced the commit it belongs to and
// should be delivered again later.
func (s *OrchestratorService) Resume(ctx context.Context, ev event.CompletionEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}

	var err error
	if ev.Kind.IsJob() {
		err = s.resumeJob(ctx, ev)
	} else {
		err = s.resumeReview(ctx, ev)
	}

	log := logger.From(ctx)
	switch {
	case err == nil:
		return OutcomeApplied, nil
	case errors.Is(err, domain.ErrStaleEvent):
		log.Info("stale event dropped", "event_id", ev.ID, "kind", ev.Kind, "error", err)
		return OutcomeDropped, nil
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("event matches no execution", "event_id", ev.ID, "kind", ev.Kind, "error", err)
		return OutcomeNotFound, nil
	default:
		return "", err
	}
}

func (s *OrchestratorService) resumeJob(ctx context.Context, ev event.CompletionEvent) error {
	handle := ev.CorrelationKey
	id, err := s.store.LookupCorrelation(ctx, handle)
	if err != nil {
		return fmt.Errorf("job handle %s: %w", handle, err)
	}

	// expect rejects events that do not belong to the execution's current
	// job: handles of earlier attempts are stale, an unknown handle on an
	// INVOKED execution is a job whose acceptance is not committed yet.
	expect := func(e *execution.Execution) error {
		if e.State == execution.StateAwaitingJob && e.JobHandle == handle {
			return nil
		}
		if e.State == execution.StateInvoked && !slices.Contains(e.JobHandles, handle) {
			return fmt.Errorf("execution %s not yet awaiting %s: %w", e.ID, handle, domain.ErrNotReady)
		}
		return fmt.Errorf("execution %s is %s, job %s: %w", e.ID, e.State, handle, domain.ErrStaleEvent)
	}

	switch ev.Kind {
	case event.KindJobSucceeded:
		return s.jobSucceeded(ctx, id, ev, expect)
	case event.KindJobFailedClient:
		p, err := ev.JobFailed()
		if err != nil {
			return err
		}
		_, _, err = s.mutate(ctx, id, func(e *execution.Execution) error {
			if err := expect(e); err != nil {
				return err
			}
			return e.Fail(execution.ErrorClient, failureMessage(p, "extraction rejected the document"), s.now())
		})
		if err == nil {
			s.countJobFailure(ctx, "client")
		}
		return err
	default:
		p, err := ev.JobFailed()
		if err != nil {
			return err
		}
		e, _, err := s.mutate(ctx, id, func(e *execution.Execution) error {
			if err := expect(e); err != nil {
				return err
			}
			return s.scheduleRetry(e, failureMessage(p, "extraction service failed"), s.now())
		})
		if err == nil {
			s.countJobFailure(ctx, "service")
			s.countRetry(ctx, e)
		}
		return err
	}
}

func (s *OrchestratorService) jobSucceeded(ctx context.Context, id string, ev event.CompletionEvent, expect func(*execution.Execution) error) error {
	p, err := ev.JobSucceeded()
	if err != nil {
		return err
	}
	e, _, err := s.mutate(ctx, id, func(e *execution.Execution) error {
		if err := expect(e); err != nil {
			return err
		}
		now := s.now()
		if err := e.TransitionTo(execution.StateProcessingResult, now); err != nil {
			return err
		}
		e.Extraction = p.Extraction
		e.ResultURI = p.ResultURI
		e.Acquire(now, s.cfg.ProcessingLease)
		return nil
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.JobsSucceeded.Add(ctx, 1)
	}
	// The event is applied once PROCESSING_RESULT is committed. Result
	// processing failures leave the execution to the sweeper.
	if err := s.pool.Run(ctx, func(ctx context.Context) error {
		return s.processResult(ctx, e)
	}); err != nil {
		logger.From(ctx).Warn("result processing deferred", "execution_id", id, "error", err)
	}
	return nil
}

func (s *OrchestratorService) resumeReview(ctx context.Context, ev event.CompletionEvent) error {
	token := ev.CorrelationKey
	id, _, err := execution.ParseWaitToken(token)
	if err != nil {
		return fmt.Errorf("wait token: %w", domain.ErrNotFound)
	}
	result, err := ev.ReviewCompleted()
	if err != nil {
		return err
	}

	var last bool
	e, _, err := s.mutate(ctx, id, func(e *execution.Execution) error {
		var err error
		last, err = e.CompleteUnit(token, *result, s.now())
		if err != nil {
			return err
		}
		if last {
			e.Acquire(s.now(), s.cfg.ProcessingLease)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ReviewsCompleted.Add(ctx, 1)
	}
	logger.From(ctx).Info("review unit completed", "execution_id", id, "pending", len(e.PendingReviewUnits), "reviewer", result.Reviewer)
	if !last {
		return nil
	}
	if err := s.pool.Run(ctx, func(ctx context.Context) error {
		return s.finalize(ctx, e)
	}); err != nil {
		logger.From(ctx).Warn("finalization deferred", "execution_id", id, "error", err)
	}
	return nil
}

func (s *OrchestratorService) countJobFailure(ctx context.Context, class string) {
	if s.metrics != nil {
		s.metrics.JobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
	}
}

func failureMessage(p *event.JobFailed, fallback string) string {
	switch {
	case p.Code != "" && p.Message != "":
		return p.Code + ": " + p.Message
	case p.Message != "":
		return p.Message
	case p.Code != "":
		return p.Code
	}
	return fallback
}
