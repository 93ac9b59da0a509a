// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed input.
var ErrValidation = errors.New("validation failed")

// ErrAlreadyExists indicates an entity with the same identity is already stored.
var ErrAlreadyExists = errors.New("already exists")

// ErrStaleEvent indicates a completion event that no longer matches the
// execution's current state or correlation key.
var ErrStaleEvent = errors.New("stale event")

// ErrNotReady indicates an event that arrived before the execution committed
// the state it belongs to. Redelivery will succeed.
var ErrNotReady = errors.New("execution not ready for event")

// ErrInvalidTransition indicates a state change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid state transition")
