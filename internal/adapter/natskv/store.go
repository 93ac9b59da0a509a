package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/port/executionstore"
)

const (
	execPrefix = "exec."
	corrPrefix = "corr."
)

// Store implements executionstore.Store on a JetStream KV bucket. The
// execution Version is the KV revision of its key, so CompareAndSwap is a
// revision-conditional Update.
type Store struct {
	kv jetstream.KeyValue
}

var _ executionstore.Store = (*Store)(nil)

// NewStore returns a Store over kv. The bucket must keep history >= 1 and
// have no TTL.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

func execKey(id string) string { return execPrefix + encodeKey(id) }
func corrKey(k string) string  { return corrPrefix + encodeKey(k) }

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.kv.Status(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*execution.Execution, error) {
	entry, err := s.kv.Get(ctx, execKey(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("get execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return decode(entry)
}

func (s *Store) PutIfAbsent(ctx context.Context, e *execution.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	rev, err := s.kv.Create(ctx, execKey(e.ID), data)
	if wrongRevision(err) {
		return fmt.Errorf("create execution %s: %w", e.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create execution %s: %w", e.ID, err)
	}
	e.Version = int64(rev)
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion int64, e *execution.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	rev, err := s.kv.Update(ctx, execKey(e.ID), data, uint64(expectedVersion))
	if wrongRevision(err) {
		return fmt.Errorf("update execution %s at revision %d: %w", e.ID, expectedVersion, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	e.Version = int64(rev)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.kv.Delete(ctx, execKey(id))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete execution %s: %w", id, err)
	}
	return nil
}

// List scans every execution key; buckets are expected to stay small
// because terminal records are collected after the retention period.
func (s *Store) List(ctx context.Context, f executionstore.Filter) ([]execution.Execution, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, execPrefix+">")
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var out []execution.Execution
	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		e, err := decode(entry)
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

func (s *Store) PutCorrelation(ctx context.Context, key, executionID string) error {
	_, err := s.kv.Create(ctx, corrKey(key), []byte(executionID))
	if err == nil {
		return nil
	}
	if !wrongRevision(err) {
		return fmt.Errorf("put correlation %s: %w", key, err)
	}
	bound, err := s.LookupCorrelation(ctx, key)
	if err != nil {
		return err
	}
	if bound != executionID {
		return fmt.Errorf("correlation %s bound to %s: %w", key, bound, domain.ErrConflict)
	}
	return nil
}

func (s *Store) LookupCorrelation(ctx context.Context, key string) (string, error) {
	entry, err := s.kv.Get(ctx, corrKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", fmt.Errorf("lookup correlation %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup correlation %s: %w", key, err)
	}
	return string(entry.Value()), nil
}

func (s *Store) DeleteCorrelations(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := s.kv.Delete(ctx, corrKey(k)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("delete correlation %s: %w", k, err)
		}
	}
	return nil
}

// wrongRevision reports the KV error for a failed Create or a stale Update.
func wrongRevision(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func decode(entry jetstream.KeyValueEntry) (*execution.Execution, error) {
	var e execution.Execution
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", entry.Key(), err)
	}
	e.Version = int64(entry.Revision())
	return &e, nil
}
