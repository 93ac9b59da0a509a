package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/port/executionstore"
)

// Store implements executionstore.Store using PostgreSQL. The execution
// body is a JSONB document; state, version and timestamps are lifted into
// columns for conditional updates and sweeper queries.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ executionstore.Store = (*Store)(nil)

// Ping reports database health.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT data, version FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, notFoundWrap(err, "get execution %s", id)
	}
	return e, nil
}

func (s *Store) PutIfAbsent(ctx context.Context, e *execution.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO executions (id, state, version, data, created_at, updated_at)
		 VALUES ($1, $2, 1, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.State), data, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert execution %s: %w", e.ID, domain.ErrAlreadyExists)
	}
	e.Version = 1
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion int64, e *execution.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	var next int64
	err = s.pool.QueryRow(ctx,
		`UPDATE executions SET state = $2, data = $3, updated_at = $4, version = version + 1
		 WHERE id = $1 AND version = $5
		 RETURNING version`,
		e.ID, string(e.State), data, e.UpdatedAt, expectedVersion).Scan(&next)
	if err == nil {
		e.Version = next
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if !exists {
		return fmt.Errorf("update execution %s: %w", e.ID, domain.ErrNotFound)
	}
	return fmt.Errorf("update execution %s at version %d: %w", e.ID, expectedVersion, domain.ErrConflict)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete execution %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, f executionstore.Filter) ([]execution.Execution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = executionstore.DefaultListLimit
	}
	var states []string
	if len(f.States) > 0 {
		states = stateStrings(f.States)
	}
	var before any
	if !f.UpdatedBefore.IsZero() {
		before = f.UpdatedBefore
	}
	var afterAt, afterID any
	if f.After != nil {
		afterAt, afterID = f.After.UpdatedAt, f.After.ID
	}

	rows, err := s.pool.Query(ctx,
		`SELECT data, version FROM executions
		 WHERE ($1::text[] IS NULL OR state = ANY($1))
		   AND ($2::timestamptz IS NULL OR updated_at < $2)
		   AND ($4::timestamptz IS NULL OR (updated_at, id) > ($4, $5::text))
		 ORDER BY updated_at ASC, id ASC
		 LIMIT $3`,
		states, before, limit, afterAt, afterID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []execution.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) PutCorrelation(ctx context.Context, key, executionID string) error {
	var bound string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO execution_correlations (correlation_key, execution_id)
		 VALUES ($1, $2)
		 ON CONFLICT (correlation_key) DO UPDATE SET correlation_key = EXCLUDED.correlation_key
		 RETURNING execution_id`,
		key, executionID).Scan(&bound)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("correlation %s: %w", key, domain.ErrConflict)
		}
		return fmt.Errorf("put correlation %s: %w", key, err)
	}
	if bound != executionID {
		return fmt.Errorf("correlation %s bound to %s: %w", key, bound, domain.ErrConflict)
	}
	return nil
}

func (s *Store) LookupCorrelation(ctx context.Context, key string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT execution_id FROM execution_correlations WHERE correlation_key = $1`, key).Scan(&id)
	if err != nil {
		return "", notFoundWrap(err, "lookup correlation %s", key)
	}
	return id, nil
}

func (s *Store) DeleteCorrelations(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM execution_correlations WHERE correlation_key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("delete correlations: %w", err)
	}
	return nil
}

func scanExecution(row scannable) (*execution.Execution, error) {
	var (
		data    []byte
		version int64
	)
	if err := row.Scan(&data, &version); err != nil {
		return nil, err
	}
	var e execution.Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	e.Version = version
	return &e, nil
}
