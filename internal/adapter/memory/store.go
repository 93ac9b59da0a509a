// Package memory implements the execution store in process memory. It is
// used by tests and by single-process development setups; state does not
// survive a restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/port/executionstore"
)

type record struct {
	data    []byte
	version int64
}

// Store is a mutex-guarded map. Records are stored serialized so callers
// never share memory with the store.
type Store struct {
	mu           sync.RWMutex
	executions   map[string]record
	correlations map[string]string
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		executions:   make(map[string]record),
		correlations: make(map[string]string),
	}
}

var _ executionstore.Store = (*Store)(nil)

// Get implements executionstore.Store.
func (s *Store) Get(_ context.Context, id string) (*execution.Execution, error) {
	s.mu.RLock()
	r, ok := s.executions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	return decode(r)
}

// PutIfAbsent implements executionstore.Store.
func (s *Store) PutIfAbsent(_ context.Context, e *execution.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; ok {
		return fmt.Errorf("execution %s: %w", e.ID, domain.ErrAlreadyExists)
	}
	s.executions[e.ID] = record{data: data, version: 1}
	e.Version = 1
	return nil
}

// CompareAndSwap implements executionstore.Store.
func (s *Store) CompareAndSwap(_ context.Context, expectedVersion int64, e *execution.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.executions[e.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", e.ID, domain.ErrNotFound)
	}
	if cur.version != expectedVersion {
		return fmt.Errorf("execution %s at version %d, expected %d: %w", e.ID, cur.version, expectedVersion, domain.ErrConflict)
	}
	next := expectedVersion + 1
	s.executions[e.ID] = record{data: data, version: next}
	e.Version = next
	return nil
}

// Delete implements executionstore.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.executions, id)
	s.mu.Unlock()
	return nil
}

// List implements executionstore.Store.
func (s *Store) List(_ context.Context, f executionstore.Filter) ([]execution.Execution, error) {
	s.mu.RLock()
	records := make([]record, 0, len(s.executions))
	for _, r := range s.executions {
		records = append(records, r)
	}
	s.mu.RUnlock()

	var out []execution.Execution
	for _, r := range records {
		e, err := decode(r)
		if err != nil {
			return nil, err
		}
		if len(f.States) > 0 && !slices.Contains(f.States, e.State) {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !e.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		if !f.After.Admits(e) {
			continue
		}
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b execution.Execution) int { return executionstore.Compare(&a, &b) })

	limit := f.Limit
	if limit <= 0 {
		limit = executionstore.DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutCorrelation implements executionstore.Store.
func (s *Store) PutCorrelation(_ context.Context, key, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.correlations[key]; ok && cur != executionID {
		return fmt.Errorf("correlation %s bound to %s: %w", key, cur, domain.ErrConflict)
	}
	s.correlations[key] = executionID
	return nil
}

// LookupCorrelation implements executionstore.Store.
func (s *Store) LookupCorrelation(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	id, ok := s.correlations[key]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("correlation %s: %w", key, domain.ErrNotFound)
	}
	return id, nil
}

// DeleteCorrelations implements executionstore.Store.
func (s *Store) DeleteCorrelations(_ context.Context, keys []string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.correlations, k)
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored executions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}

func decode(r record) (*execution.Execution, error) {
	var e execution.Execution
	if err := json.Unmarshal(r.data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	e.Version = r.version
	return &e, nil
}
