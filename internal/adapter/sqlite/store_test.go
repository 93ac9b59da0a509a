package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Strob0t/DocFlow/internal/domain/document"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/port/executionstore/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "docflow.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreCompliance(t *testing.T) {
	storetest.RunComplianceTests(t, openTestStore(t))
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "docflow.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	e := execution.New("persist-1", document.Document{URI: "s3://in/a.pdf"}, now)
	if err := s.PutIfAbsent(ctx, e); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()

	got, err := s.Get(ctx, "persist-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Fingerprint != e.Fingerprint {
		t.Fatal("fingerprint changed across reopen")
	}

	var stored int64
	if err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM executions WHERE id = ?`, "persist-1").Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if stored != now.UnixNano() {
		t.Fatalf("updated_at column %d, want %d", stored, now.UnixNano())
	}
}
