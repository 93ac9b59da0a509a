// Package event defines the completion notifications that resume suspended
// executions.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/confidence"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
)

// Kind identifies what finished.
type Kind string

const (
	KindJobSucceeded     Kind = "JOB_SUCCEEDED"
	KindJobFailedClient  Kind = "JOB_FAILED_CLIENT"
	KindJobFailedService Kind = "JOB_FAILED_SERVICE"
	KindReviewCompleted  Kind = "REVIEW_COMPLETED"
)

// IsJob reports whether k correlates by job handle.
func (k Kind) IsJob() bool {
	return k == KindJobSucceeded || k == KindJobFailedClient || k == KindJobFailedService
}

// CompletionEvent is an external notification. CorrelationKey is a job
// handle for job events and a wait token for review events.
type CompletionEvent struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	CorrelationKey string          `json:"correlation_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at,omitzero"`
}

// JobSucceeded carries the extraction inline or a URI to fetch it from.
type JobSucceeded struct {
	Extraction *confidence.Extraction `json:"extraction,omitempty"`
	ResultURI  string                 `json:"result_uri,omitempty"`
}

// JobFailed describes why the service gave up on a job.
type JobFailed struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Validate checks the envelope and, where the kind demands it, the payload.
func (e *CompletionEvent) Validate() error {
	if e.CorrelationKey == "" {
		return fmt.Errorf("correlation_key is required: %w", domain.ErrValidation)
	}
	switch e.Kind {
	case KindJobSucceeded:
		p, err := e.JobSucceeded()
		if err != nil {
			return err
		}
		if p.Extraction == nil && p.ResultURI == "" {
			return fmt.Errorf("job succeeded without extraction or result_uri: %w", domain.ErrValidation)
		}
	case KindJobFailedClient, KindJobFailedService:
		if _, err := e.JobFailed(); err != nil {
			return err
		}
	case KindReviewCompleted:
		if _, err := e.ReviewCompleted(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown event kind %q: %w", e.Kind, domain.ErrValidation)
	}
	return nil
}

// JobSucceeded decodes the payload of a JOB_SUCCEEDED event.
func (e *CompletionEvent) JobSucceeded() (*JobSucceeded, error) {
	var p JobSucceeded
	if err := decode(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// JobFailed decodes the payload of a JOB_FAILED_* event. An empty payload is
// allowed.
func (e *CompletionEvent) JobFailed() (*JobFailed, error) {
	var p JobFailed
	if err := decode(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ReviewCompleted decodes the reviewer's submission.
func (e *CompletionEvent) ReviewCompleted() (*execution.ReviewResult, error) {
	var p execution.ReviewResult
	if err := decode(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, domain.ErrValidation)
	}
	return nil
}
