package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/Strob0t/DocFlow/internal/adapter/postgres"
	"github.com/Strob0t/DocFlow/internal/config"
	"github.com/Strob0t/DocFlow/internal/port/executionstore/storetest"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	cfg := config.Defaults().Postgres
	cfg.DSN = dsn
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

func TestStoreCompliance(t *testing.T) {
	storetest.RunComplianceTests(t, setupStore(t))
}

func TestMigrationVersion(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}
	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatal(err)
	}
	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if v < 1 {
		t.Fatalf("expected version >= 1, got %d", v)
	}
}

func TestPing(t *testing.T) {
	s := setupStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
