package execution

import (
	"fmt"
	"slices"
	"time"

	"github.com/Strob0t/DocFlow/internal/domain"
)

// State is a node of the execution state machine.
type State string

const (
	StateCreated          State = "CREATED"
	StateInvoked          State = "INVOKED"
	StateAwaitingJob      State = "AWAITING_JOB"
	StateProcessingResult State = "PROCESSING_RESULT"
	StateAwaitingReview   State = "AWAITING_REVIEW"
	StateFinalizing       State = "FINALIZING"
	StateDone             State = "DONE"
	StateError            State = "ERROR"
)

// transitions lists the allowed edges. INVOKED -> INVOKED re-arms a
// submission after a service failure.
var transitions = map[State][]State{
	StateCreated:          {StateInvoked, StateError},
	StateInvoked:          {StateInvoked, StateAwaitingJob, StateError},
	StateAwaitingJob:      {StateProcessingResult, StateInvoked, StateError},
	StateProcessingResult: {StateFinalizing, StateAwaitingReview, StateError},
	StateAwaitingReview:   {StateFinalizing, StateError},
	StateFinalizing:       {StateDone, StateError},
	StateDone:             nil,
	StateError:            nil,
}

// ActiveStates are all non-terminal states.
var ActiveStates = []State{
	StateCreated, StateInvoked, StateAwaitingJob, StateProcessingResult, StateAwaitingReview, StateFinalizing,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// TransitionTo moves e to the given state, releasing any lease.
func (e *Execution) TransitionTo(to State, now time.Time) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("%s -> %s: %w", e.State, to, domain.ErrInvalidTransition)
	}
	e.State = to
	e.StateEnteredAt = now
	e.LeaseUntil = nil
	return nil
}

// Fail moves e to ERROR with the given cause. Waiting review units are
// cancelled so no token can resolve against a dead execution.
func (e *Execution) Fail(kind ErrorKind, msg string, now time.Time) error {
	if err := e.TransitionTo(StateError, now); err != nil {
		return err
	}
	e.LastError = &ErrorInfo{Kind: kind, Message: msg, At: now}
	e.NextAttemptAt = nil
	e.cancelUnits(now)
	return nil
}

// CheckInvariants validates the record against the state machine's rules.
func (e *Execution) CheckInvariants() error {
	if !e.State.Valid() {
		return fmt.Errorf("unknown state %q: %w", e.State, domain.ErrValidation)
	}
	if e.Attempt < 0 {
		return fmt.Errorf("negative attempt: %w", domain.ErrValidation)
	}
	if (e.State == StateAwaitingReview) != (len(e.PendingReviewUnits) > 0) {
		return fmt.Errorf("state %s with %d pending units: %w", e.State, len(e.PendingReviewUnits), domain.ErrValidation)
	}
	for _, id := range e.PendingReviewUnits {
		u := e.Unit(id)
		if u == nil {
			return fmt.Errorf("pending unit %q has no record: %w", id, domain.ErrValidation)
		}
		if u.Status != UnitWaiting {
			return fmt.Errorf("pending unit %q is %s: %w", id, u.Status, domain.ErrValidation)
		}
	}
	if e.State == StateAwaitingJob && e.JobHandle == "" {
		return fmt.Errorf("awaiting job without handle: %w", domain.ErrValidation)
	}
	if e.State == StateError && e.LastError == nil {
		return fmt.Errorf("error state without cause: %w", domain.ErrValidation)
	}
	return nil
}
