package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/DocFlow/internal/adapter/memory"
	dfnats "github.com/Strob0t/DocFlow/internal/adapter/nats"
	"github.com/Strob0t/DocFlow/internal/adapter/natskv"
	"github.com/Strob0t/DocFlow/internal/adapter/postgres"
	"github.com/Strob0t/DocFlow/internal/adapter/sqlite"
	"github.com/Strob0t/DocFlow/internal/config"
	"github.com/Strob0t/DocFlow/internal/port/executionstore"
)

// openedStore is the configured execution store with its health probe and
// cleanup.
type openedStore struct {
	executionstore.Store
	ping  func(ctx context.Context) error
	close func()
}

func openStore(ctx context.Context, cfg *config.Config, queue *dfnats.Queue) (*openedStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("postgres connected, migrations applied")
		s := postgres.NewStore(pool)
		return &openedStore{Store: s, ping: s.Ping, close: pool.Close}, nil

	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		slog.Info("sqlite opened", "path", cfg.SQLite.Path)
		return &openedStore{Store: s, ping: s.Ping, close: func() { _ = s.Close() }}, nil

	case "natskv":
		kv, err := queue.KeyValue(ctx, cfg.NATS.ExecutionBucket, 0)
		if err != nil {
			return nil, fmt.Errorf("execution bucket: %w", err)
		}
		s := natskv.NewStore(kv)
		slog.Info("jetstream kv store ready", "bucket", cfg.NATS.ExecutionBucket)
		return &openedStore{Store: s, ping: s.Ping, close: func() {}}, nil

	default:
		slog.Warn("using in-memory execution store; state is lost on restart")
		return &openedStore{Store: memory.NewStore(), close: func() {}}, nil
	}
}
