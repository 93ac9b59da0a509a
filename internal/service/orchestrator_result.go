package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	dfotel "github.com/Strob0t/DocFlow/internal/adapter/otel"
	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/confidence"
	"github.com/Strob0t/DocFlow/internal/domain/document"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/logger"
	"github.com/Strob0t/DocFlow/internal/port/objectstore"
	"github.com/Strob0t/DocFlow/internal/resilience"
)

// FinalResult is the document written when an execution finishes.
type FinalResult struct {
	ExecutionID string                 `json:"execution_id"`
	Document    document.Document      `json:"document"`
	Decision    confidence.Decision    `json:"confidence_decision"`
	Extraction  *confidence.Extraction `json:"extraction"`
	Reviews     []ReviewRecord         `json:"reviews,omitempty"`
	FinalizedAt time.Time              `json:"finalized_at"`
}

// ReviewRecord summarizes one completed review unit in the final result.
type ReviewRecord struct {
	UnitID      string    `json:"unit_id"`
	SectionID   string    `json:"section_id"`
	Page        int       `json:"page,omitempty"`
	Reviewer    string    `json:"reviewer,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	Corrections int       `json:"corrections"`
	CompletedAt time.Time `json:"completed_at"`
}

// finalWriteTries bounds in-call retries of the output write. Further
// attempts come from the sweeper.
const finalWriteTries = 3

// processResult runs the confidence gate over a PROCESSING_RESULT execution
// and commits either FINALIZING or AWAITING_REVIEW with its review units.
func (s *OrchestratorService) processResult(ctx context.Context, e *execution.Execution) error {
	x := e.Extraction
	if x == nil {
		fetched, err := s.fetchResult(ctx, e.ResultURI)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
				return s.failProcessing(ctx, e.ID, err)
			}
			return fmt.Errorf("fetch result for %s: %w", e.ID, err)
		}
		x = fetched
	}
	if err := x.Validate(); err != nil {
		return s.failProcessing(ctx, e.ID, err)
	}

	outcome := confidence.Evaluate(x, s.policy)
	committed, changed, err := s.mutate(ctx, e.ID, func(cur *execution.Execution) error {
		if cur.State != execution.StateProcessingResult {
			return errNoChange
		}
		now := s.now()
		cur.Extraction = x
		cur.Confidence = &outcome
		if outcome.Decision == confidence.DecisionPass {
			if err := cur.TransitionTo(execution.StateFinalizing, now); err != nil {
				return err
			}
			cur.Acquire(now, s.cfg.ProcessingLease)
			return nil
		}
		return cur.OpenReview(outcome.Units, func(unitID string) string {
			return execution.NewWaitToken(cur.ID, unitID)
		}, now)
	})
	if err != nil || !changed {
		return err
	}

	if s.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("decision", string(outcome.Decision)))
		s.metrics.DocumentsProcessed.Add(ctx, 1, attrs)
		s.metrics.PagesProcessed.Add(ctx, int64(x.PagesProcessed()), attrs)
	}
	if committed.State == execution.StateFinalizing {
		return s.finalize(ctx, committed)
	}

	if s.metrics != nil {
		s.metrics.ReviewsOpened.Add(ctx, int64(len(outcome.Units)))
	}
	logger.From(ctx).Info("review opened", "execution_id", e.ID, "units", len(outcome.Units))
	s.announceReviews(ctx, committed)
	return nil
}

func (s *OrchestratorService) fetchResult(ctx context.Context, uri string) (*confidence.Extraction, error) {
	if uri == "" {
		return nil, fmt.Errorf("no extraction and no result uri: %w", domain.ErrValidation)
	}
	if s.objects == nil {
		return nil, fmt.Errorf("result uri %s but no object store is configured: %w", uri, domain.ErrValidation)
	}
	bucket, key, err := objectstore.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	r, err := s.objects.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	var x confidence.Extraction
	if err := json.NewDecoder(r).Decode(&x); err != nil {
		return nil, fmt.Errorf("decode result %s: %v: %w", uri, err, domain.ErrValidation)
	}
	return &x, nil
}

func (s *OrchestratorService) failProcessing(ctx context.Context, id string, cause error) error {
	_, _, err := s.mutate(ctx, id, func(e *execution.Execution) error {
		if e.State != execution.StateProcessingResult {
			return errNoChange
		}
		return e.Fail(execution.ErrorResultInvalid, cause.Error(), s.now())
	})
	return err
}

// finalize writes the corrected extraction and commits FINALIZING -> DONE.
// It may run more than once for the same execution; the output key is
// fixed so a repeated write replaces the same object.
func (s *OrchestratorService) finalize(ctx context.Context, e *execution.Execution) error {
	ctx, span := dfotel.StartFinalizeSpan(ctx, e.ID)
	defer span.End()

	data, err := json.Marshal(s.finalResult(e))
	if err != nil {
		return fmt.Errorf("marshal result for %s: %w", e.ID, err)
	}

	var outputURI string
	if s.objects != nil {
		key := "results/" + e.ID + ".json"
		sched := resilience.Schedule{Initial: 200 * time.Millisecond, Max: 2 * time.Second}
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, s.objects.Put(ctx, s.outputBucket, key, bytes.NewReader(data), int64(len(data)), "application/json")
		}, backoff.WithBackOff(sched.ExponentialBackOff()), backoff.WithMaxTries(finalWriteTries))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return s.finalizeFailed(ctx, e.ID, err)
		}
		outputURI = objectstore.URI(s.outputBucket, key)
	}

	_, _, err = s.mutate(ctx, e.ID, func(cur *execution.Execution) error {
		if cur.State != execution.StateFinalizing {
			return errNoChange
		}
		if outputURI != "" {
			cur.OutputURI = outputURI
		} else {
			cur.Result = data
		}
		return cur.TransitionTo(execution.StateDone, s.now())
	})
	return err
}

// finalizeFailed counts a failed output write. The lease doubles as the
// backoff before the sweeper tries again.
func (s *OrchestratorService) finalizeFailed(ctx context.Context, id string, cause error) error {
	e, _, err := s.mutate(ctx, id, func(e *execution.Execution) error {
		if e.State != execution.StateFinalizing {
			return errNoChange
		}
		now := s.now()
		e.FinalizeAttempts++
		if e.FinalizeAttempts >= s.cfg.FinalizeMaxAttempts {
			return e.Fail(execution.ErrorService, fmt.Sprintf("write final output: %v (after %d attempts)", cause, e.FinalizeAttempts), now)
		}
		e.Acquire(now, s.retrySchedule().Delay(e.FinalizeAttempts))
		return nil
	})
	if err != nil {
		return err
	}
	if e.State == execution.StateError {
		return nil
	}
	return fmt.Errorf("write final output for %s: %w", id, cause)
}

func (s *OrchestratorService) finalResult(e *execution.Execution) FinalResult {
	out := FinalResult{
		ExecutionID: e.ID,
		Document:    e.Document,
		Extraction:  e.Corrected(),
		FinalizedAt: s.now().UTC(),
	}
	if e.Confidence != nil {
		out.Decision = e.Confidence.Decision
	}
	for _, u := range e.ReviewUnits {
		if u.Status != execution.UnitCompleted || u.Result == nil {
			continue
		}
		rec := ReviewRecord{
			UnitID:      u.ID,
			SectionID:   u.SectionID,
			Page:        u.Page,
			Reviewer:    u.Result.Reviewer,
			Comment:     u.Result.Comment,
			Corrections: len(u.Result.Corrections),
		}
		if u.CompletedAt != nil {
			rec.CompletedAt = u.CompletedAt.UTC()
		}
		out.Reviews = append(out.Reviews, rec)
	}
	return out
}

// timeoutJob fails an execution whose job never reported back.
func (s *OrchestratorService) timeoutJob(ctx context.Context, id string) error {
	_, _, err := s.mutate(ctx, id, func(e *execution.Execution) error {
		now := s.now()
		if e.State != execution.StateAwaitingJob || e.JobSubmittedAt == nil || now.Sub(*e.JobSubmittedAt) <= s.cfg.JobTimeout {
			return errNoChange
		}
		return e.Fail(execution.ErrorTimeout, fmt.Sprintf("job %s did not complete within %s", e.JobHandle, s.cfg.JobTimeout), now)
	})
	return err
}

// reacquire takes the lease on an execution in state whose previous holder
// let it lapse.
func (s *OrchestratorService) reacquire(ctx context.Context, id string, state execution.State) (*execution.Execution, bool, error) {
	return s.mutate(ctx, id, func(e *execution.Execution) error {
		now := s.now()
		if e.State != state || e.LeaseActive(now) {
			return errNoChange
		}
		e.Acquire(now, s.cfg.ProcessingLease)
		return nil
	})
}

func (s *OrchestratorService) redriveProcessing(ctx context.Context, id string) error {
	e, changed, err := s.reacquire(ctx, id, execution.StateProcessingResult)
	if err != nil || !changed {
		return err
	}
	return s.pool.Run(ctx, func(ctx context.Context) error {
		return s.processResult(ctx, e)
	})
}

func (s *OrchestratorService) redriveFinalizing(ctx context.Context, id string) error {
	e, changed, err := s.reacquire(ctx, id, execution.StateFinalizing)
	if err != nil || !changed {
		return err
	}
	return s.pool.Run(ctx, func(ctx context.Context) error {
		return s.finalize(ctx, e)
	})
}
