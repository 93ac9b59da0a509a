// Package execution defines the durable record of one document run and the
// state machine that governs it.
package execution

import (
	"encoding/json"
	"time"

	"github.com/Strob0t/DocFlow/internal/domain/confidence"
	"github.com/Strob0t/DocFlow/internal/domain/document"
)

// ErrorKind classifies why an execution ended in ERROR.
type ErrorKind string

const (
	ErrorClient        ErrorKind = "CLIENT_ERROR"
	ErrorService       ErrorKind = "SERVICE_ERROR"
	ErrorTimeout       ErrorKind = "TIMEOUT"
	ErrorCancelled     ErrorKind = "CANCELLED"
	ErrorResultInvalid ErrorKind = "RESULT_INVALID"
)

// ErrorInfo is the last failure recorded on an execution.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Execution is the persisted record of one run. Every mutation goes through
// the store's compare-and-swap on Version.
type Execution struct {
	ID          string            `json:"id"`
	State       State             `json:"state"`
	Document    document.Document `json:"document"`
	Fingerprint string            `json:"fingerprint"`

	// Attempt counts job submissions, starting at 1 on the first one.
	Attempt        int        `json:"attempt"`
	JobHandle      string     `json:"job_handle,omitempty"`
	JobHandles     []string   `json:"job_handles,omitempty"`
	JobSubmittedAt *time.Time `json:"job_submitted_at,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	LeaseUntil     *time.Time `json:"lease_until,omitempty"`

	ResultURI  string                 `json:"result_uri,omitempty"`
	Extraction *confidence.Extraction `json:"extraction,omitempty"`
	Confidence *confidence.Outcome    `json:"confidence,omitempty"`

	ReviewUnits        []ReviewUnit `json:"review_units,omitempty"`
	PendingReviewUnits []string     `json:"pending_review_units,omitempty"`

	FinalizeAttempts int             `json:"finalize_attempts,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	OutputURI        string          `json:"output_uri,omitempty"`
	LastError        *ErrorInfo      `json:"last_error,omitempty"`

	Version        int64     `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	StateEnteredAt time.Time `json:"state_entered_at"`
}

// New creates an execution in CREATED.
func New(id string, doc document.Document, now time.Time) *Execution {
	return &Execution{
		ID:             id,
		State:          StateCreated,
		Document:       doc,
		Fingerprint:    doc.Fingerprint(),
		CreatedAt:      now,
		UpdatedAt:      now,
		StateEnteredAt: now,
	}
}

// ClientToken is the idempotency token for the current submission attempt.
// Resubmitting the same attempt after a crash reuses it.
func (e *Execution) ClientToken() string {
	return clientToken(e.ID, e.Attempt)
}

// LeaseActive reports whether another worker holds the execution at now.
func (e *Execution) LeaseActive(now time.Time) bool {
	return e.LeaseUntil != nil && now.Before(*e.LeaseUntil)
}

// Due reports whether a scheduled attempt may run at now.
func (e *Execution) Due(now time.Time) bool {
	return e.NextAttemptAt == nil || !now.Before(*e.NextAttemptAt)
}

// Acquire takes the lease until now+d.
func (e *Execution) Acquire(now time.Time, d time.Duration) {
	until := now.Add(d)
	e.LeaseUntil = &until
}

// RecordHandle stores the accepted job handle and remembers it for
// correlation cleanup.
func (e *Execution) RecordHandle(handle string, now time.Time) {
	e.JobHandle = handle
	e.JobSubmittedAt = &now
	for _, h := range e.JobHandles {
		if h == handle {
			return
		}
	}
	e.JobHandles = append(e.JobHandles, handle)
}
