// Package jobclient defines the port to the asynchronous extraction service.
package jobclient

import (
	"context"
	"errors"

	"github.com/Strob0t/DocFlow/internal/domain/document"
)

// Failure classes returned (wrapped) by Submit. Anything else is treated as
// ErrService by callers.
var (
	// ErrClient means the request itself is bad; retrying cannot help.
	ErrClient = errors.New("extraction client error")
	// ErrService means a transient failure on the service side.
	ErrService = errors.New("extraction service error")
	// ErrThrottled means the service shed load; retry after backing off.
	ErrThrottled = errors.New("extraction service throttled")
)

// SubmitRequest asks the service to extract one document.
type SubmitRequest struct {
	// ClientToken makes submission idempotent: the service returns the
	// existing handle for a token it has already accepted.
	ClientToken string
	Document    document.Document
	// OutputPrefix is where the service may write its raw result.
	OutputPrefix string
}

// Submitter starts extraction jobs. Completion is reported later through
// the notification channel, keyed by the returned job handle.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (jobHandle string, err error)
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrClient)
}
