// Package executionstore defines the durable execution store port.
//
// Every write is conditional: PutIfAbsent creates, CompareAndSwap replaces
// only when the caller's Version still matches. Implementations must make
// both operations atomic with respect to concurrent writers, including
// writers in other processes.
package executionstore

import (
	"context"
	"strings"
	"time"

	"github.com/Strob0t/DocFlow/internal/domain/execution"
)

// Filter selects executions for List.
type Filter struct {
	States        []execution.State
	UpdatedBefore time.Time // zero means no bound
	After         *Cursor   // nil starts from the oldest record
	Limit         int       // <= 0 means implementation default
}

// Cursor is a position in List order: last update, then id.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor that continues a listing past e.
func CursorAfter(e *execution.Execution) *Cursor {
	return &Cursor{UpdatedAt: e.UpdatedAt, ID: e.ID}
}

// Compare orders two executions the way List returns them.
func Compare(a, b *execution.Execution) int {
	if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Admits reports whether e sorts strictly after c. A nil cursor admits all.
func (c *Cursor) Admits(e *execution.Execution) bool {
	if c == nil {
		return true
	}
	if d := e.UpdatedAt.Compare(c.UpdatedAt); d != 0 {
		return d > 0
	}
	return e.ID > c.ID
}

// DefaultListLimit bounds List when Filter.Limit is unset.
const DefaultListLimit = 500

// Store is the port interface for execution persistence.
type Store interface {
	// Get returns the execution with its current Version, or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*execution.Execution, error)

	// PutIfAbsent stores e if no record with e.ID exists and sets e.Version.
	// Returns domain.ErrAlreadyExists otherwise.
	PutIfAbsent(ctx context.Context, e *execution.Execution) error

	// CompareAndSwap replaces the record if its version equals
	// expectedVersion and sets e.Version to the new version. Returns
	// domain.ErrConflict on mismatch and domain.ErrNotFound if the record
	// is gone.
	CompareAndSwap(ctx context.Context, expectedVersion int64, e *execution.Execution) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// List returns executions matching f ordered by last update, oldest
	// first, ties broken by id. Filter.After continues a previous page.
	List(ctx context.Context, f Filter) ([]execution.Execution, error)

	// PutCorrelation maps an external correlation key (a job handle) to an
	// execution. Re-putting the same mapping is a no-op.
	PutCorrelation(ctx context.Context, key, executionID string) error

	// LookupCorrelation resolves a key or returns domain.ErrNotFound.
	LookupCorrelation(ctx context.Context, key string) (string, error)

	// DeleteCorrelations removes the given keys; missing keys are ignored.
	DeleteCorrelations(ctx context.Context, keys []string) error
}

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}
