package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	dfotel "github.com/Strob0t/DocFlow/internal/adapter/otel"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/logger"
	"github.com/Strob0t/DocFlow/internal/port/jobclient"
	"github.com/Strob0t/DocFlow/internal/port/objectstore"
	"github.com/Strob0t/DocFlow/internal/resilience"
)

// submit runs one submission attempt for an INVOKED execution whose lease
// the caller holds, and commits the outcome. An error means nothing was
// committed; the sweeper retries once the lease lapses.
func (s *OrchestratorService) submit(ctx context.Context, e *execution.Execution) (*execution.Execution, error) {
	attempt := e.Attempt
	req := jobclient.SubmitRequest{
		ClientToken:  e.ClientToken(),
		Document:     e.Document,
		OutputPrefix: s.outputPrefix(e.ID),
	}

	var (
		handle string
		jobErr error
	)
	if err := s.pool.Run(ctx, func(ctx context.Context) error {
		handle, jobErr = s.submitJob(ctx, e.ID, attempt, req)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("submit %s: %w", e.ID, err)
	}

	switch {
	case jobErr == nil:
		return s.recordAccepted(ctx, e.ID, attempt, handle)
	case errors.Is(jobErr, jobclient.ErrClient):
		if s.metrics != nil {
			s.metrics.JobNonRetryableErrors.Add(ctx, 1)
		}
		return s.failAttempt(ctx, e.ID, attempt, execution.ErrorClient, jobErr.Error())
	case ctx.Err() != nil:
		return nil, fmt.Errorf("submit %s: %w", e.ID, ctx.Err())
	default:
		return s.retryAttempt(ctx, e.ID, attempt, jobErr.Error())
	}
}

// submitJob calls the job service, retrying throttled calls in place with
// the same client token.
func (s *OrchestratorService) submitJob(ctx context.Context, id string, attempt int, req jobclient.SubmitRequest) (string, error) {
	ctx, span := dfotel.StartSubmitSpan(ctx, id, attempt)
	defer span.End()

	sched := resilience.Schedule{
		Initial: s.throttle.InitialBackoff,
		Max:     s.throttle.MaxBackoff,
		Jitter:  true,
	}
	started := time.Now()
	handle, err := backoff.Retry(ctx,
		func() (string, error) {
			h, err := s.jobs.Submit(ctx, req)
			switch {
			case err == nil:
				return h, nil
			case errors.Is(err, jobclient.ErrThrottled):
				if s.metrics != nil {
					s.metrics.JobThrottles.Add(ctx, 1)
				}
				return "", err
			default:
				return "", backoff.Permanent(err)
			}
		},
		backoff.WithBackOff(sched.ExponentialBackOff()),
		backoff.WithMaxTries(uint(s.throttle.MaxRetries)+1), //nolint:gosec // validated non-negative
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.From(ctx).Warn("extraction service throttled", "execution_id", id, "attempt", attempt, "retry_in", d)
		}),
	)
	if s.metrics != nil {
		s.metrics.JobSubmitLatency.Record(ctx, float64(time.Since(started).Milliseconds()))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("job.handle", handle))
	return handle, nil
}

// recordAccepted indexes the job handle and then commits INVOKED ->
// AWAITING_JOB. Index first: an event that races the commit finds the
// execution and is told to come back later instead of being lost.
func (s *OrchestratorService) recordAccepted(ctx context.Context, id string, attempt int, handle string) (*execution.Execution, error) {
	if err := s.store.PutCorrelation(ctx, handle, id); err != nil {
		return nil, fmt.Errorf("index job handle for %s: %w", id, err)
	}
	e, changed, err := s.mutate(ctx, id, func(e *execution.Execution) error {
		if e.State != execution.StateInvoked || e.Attempt != attempt {
			return errNoChange
		}
		now := s.now()
		e.RecordHandle(handle, now)
		e.NextAttemptAt = nil
		return e.TransitionTo(execution.StateAwaitingJob, now)
	})
	if err != nil {
		return nil, fmt.Errorf("record job for %s: %w", id, err)
	}
	if changed && s.metrics != nil {
		s.metrics.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
	}
	return e, nil
}

func (s *OrchestratorService) failAttempt(ctx context.Context, id string, attempt int, kind execution.ErrorKind, msg string) (*execution.Execution, error) {
	e, _, err := s.mutate(ctx, id, func(e *execution.Execution) error {
		if e.State != execution.StateInvoked || e.Attempt != attempt {
			return errNoChange
		}
		return e.Fail(kind, msg, s.now())
	})
	if err != nil {
		return nil, fmt.Errorf("fail %s: %w", id, err)
	}
	return e, nil
}

func (s *OrchestratorService) retryAttempt(ctx context.Context, id string, attempt int, msg string) (*execution.Execution, error) {
	e, changed, err := s.mutate(ctx, id, func(e *execution.Execution) error {
		if e.State != execution.StateInvoked || e.Attempt != attempt {
			return errNoChange
		}
		return s.scheduleRetry(e, msg, s.now())
	})
	if err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}
	if changed {
		s.countRetry(ctx, e)
	}
	return e, nil
}

// scheduleRetry either re-arms e for its next attempt after a service
// failure or, once MaxAttempts submissions have failed, moves it to ERROR.
func (s *OrchestratorService) scheduleRetry(e *execution.Execution, msg string, now time.Time) error {
	if e.Attempt >= s.cfg.MaxAttempts {
		return e.Fail(execution.ErrorService, fmt.Sprintf("%s (after %d attempts)", msg, e.Attempt), now)
	}
	if err := e.TransitionTo(execution.StateInvoked, now); err != nil {
		return err
	}
	next := now.Add(s.retrySchedule().Delay(e.Attempt))
	e.Attempt++
	e.NextAttemptAt = &next
	e.LastError = &execution.ErrorInfo{Kind: execution.ErrorService, Message: msg, At: now}
	return nil
}

func (s *OrchestratorService) countRetry(ctx context.Context, e *execution.Execution) {
	if s.metrics == nil {
		return
	}
	if e.State == execution.StateError {
		s.metrics.JobMaxRetriesExceeded.Add(ctx, 1)
		return
	}
	s.metrics.JobRetries.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", e.Attempt)))
}

// redriveInvoked takes the lease on a due INVOKED execution and submits it.
func (s *OrchestratorService) redriveInvoked(ctx context.Context, id string) error {
	e, changed, err := s.mutate(ctx, id, func(e *execution.Execution) error {
		now := s.now()
		if e.State != execution.StateInvoked || !e.Due(now) || e.LeaseActive(now) {
			return errNoChange
		}
		e.Acquire(now, s.cfg.ProcessingLease)
		return nil
	})
	if err != nil || !changed {
		return err
	}
	_, err = s.submit(ctx, e)
	return err
}

// redriveCreated finishes a Start that stopped before its first submission.
func (s *OrchestratorService) redriveCreated(ctx context.Context, id string) error {
	e, claimed, err := s.claimCreated(ctx, id)
	if err != nil || !claimed {
		return err
	}
	_, err = s.submit(ctx, e)
	return err
}

func (s *OrchestratorService) outputPrefix(id string) string {
	if s.objects == nil || s.outputBucket == "" {
		return ""
	}
	return objectstore.URI(s.outputBucket, "jobs/"+id+"/")
}
