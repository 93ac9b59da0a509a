// Package messagequeue defines the notification channel port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue. Returning an error
// asks the queue to redeliver the message later.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
// Delivery is at-least-once and unordered across subjects.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used by DocFlow.
const (
	SubjectDocumentSubmitted = "documents.submitted" // intake: start an execution

	SubjectJobSucceeded     = "jobs.succeeded"      // extraction service → orchestrator
	SubjectJobFailedClient  = "jobs.failed.client"  // extraction service → orchestrator
	SubjectJobFailedService = "jobs.failed.service" // extraction service → orchestrator

	SubjectReviewRequested = "reviews.requested" // orchestrator → review portal
	SubjectReviewCompleted = "reviews.completed" // review portal → orchestrator

	SubjectExecutionStatus = "executions.status" // orchestrator → status trackers
)

// StreamSubjects are the wildcards the JetStream stream must capture.
var StreamSubjects = []string{"documents.>", "jobs.>", "reviews.>", "executions.>"}

// CompletionSubjects are the subjects the event router consumes.
var CompletionSubjects = []string{
	SubjectJobSucceeded,
	SubjectJobFailedClient,
	SubjectJobFailedService,
	SubjectReviewCompleted,
}
