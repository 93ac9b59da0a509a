package messagequeue

import (
	"encoding/json"
	"fmt"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/port/reviewportal"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
// Failures wrap domain.ErrValidation so consumers can treat them as poison.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s: %w", subject, domain.ErrValidation)
	}

	var target any
	switch subject {
	case SubjectDocumentSubmitted:
		target = &DocumentSubmittedPayload{}
	case SubjectJobSucceeded, SubjectJobFailedClient, SubjectJobFailedService, SubjectReviewCompleted:
		target = &CompletionPayload{}
	case SubjectReviewRequested:
		target = &reviewportal.Request{}
	case SubjectExecutionStatus:
		target = &ExecutionStatusPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %v: %w", subject, err, domain.ErrValidation)
	}
	return nil
}
