package messagequeue

import (
	"time"

	"github.com/Strob0t/DocFlow/internal/domain/document"
	"github.com/Strob0t/DocFlow/internal/domain/event"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
)

// DocumentSubmittedPayload is the schema for documents.submitted messages.
type DocumentSubmittedPayload struct {
	ExecutionID string            `json:"execution_id,omitempty"`
	Document    document.Document `json:"document"`
}

// CompletionPayload is the schema for jobs.* and reviews.completed messages.
// Kind may be omitted; it is then derived from the subject.
type CompletionPayload = event.CompletionEvent

// ExecutionStatusPayload is the schema for executions.status messages.
type ExecutionStatusPayload struct {
	ExecutionID string               `json:"execution_id"`
	State       execution.State      `json:"state"`
	Previous    execution.State      `json:"previous,omitempty"`
	Attempt     int                  `json:"attempt"`
	Error       *execution.ErrorInfo `json:"error,omitempty"`
	At          time.Time            `json:"at"`
}

// KindForSubject maps a completion subject to its event kind.
func KindForSubject(subject string) (event.Kind, bool) {
	switch subject {
	case SubjectJobSucceeded:
		return event.KindJobSucceeded, true
	case SubjectJobFailedClient:
		return event.KindJobFailedClient, true
	case SubjectJobFailedService:
		return event.KindJobFailedService, true
	case SubjectReviewCompleted:
		return event.KindReviewCompleted, true
	}
	return "", false
}
