// Package sqlite implements the execution store on an embedded SQLite
// database (modernc.org/sqlite, no cgo). It suits single-node deployments;
// all writers share one connection so conditional updates serialize.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/port/executionstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements executionstore.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ executionstore.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports database health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data, version FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return e, nil
}

func (s *Store) PutIfAbsent(ctx context.Context, e *execution.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, state, version, data, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.State), string(data), e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET state = ?, data = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(e.State), string(data), e.UpdatedAt.UnixNano(), e.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		e.Version = expectedVersion + 1
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, e.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update execution %s: %w", e.ID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	return fmt.Errorf("update execution %s at version %d: %w", e.ID, expectedVersion, domain.ErrConflict)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete execution %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, f executionstore.Filter) ([]execution.Execution, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, f.UpdatedBefore.UnixNano())
	}
	if f.After != nil {
		at := f.After.UpdatedAt.UnixNano()
		where = append(where, "(updated_at > ? OR (updated_at = ? AND id > ?))")
		args = append(args, at, at, f.After.ID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = executionstore.DefaultListLimit
	}
	args = append(args, limit)

	query := `SELECT data, version FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at ASC, id ASC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_correlations (correlation_key, execution_id) VALUES (?, ?)
		 ON CONFLICT (correlation_key) DO NOTHING`, key, executionID); err != nil {
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
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT execution_id FROM execution_correlations WHERE correlation_key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup correlation %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup correlation %s: %w", key, err)
	}
	return id, nil
}

func (s *Store) DeleteCorrelations(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM execution_correlations WHERE correlation_key = ?`, k); err != nil {
			return fmt.Errorf("delete correlation %s: %w", k, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*execution.Execution, error) {
	var (
		data    string
		version int64
	)
	if err := row.Scan(&data, &version); err != nil {
		return nil, err
	}
	var e execution.Execution
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	e.Version = version
	return &e, nil
}
