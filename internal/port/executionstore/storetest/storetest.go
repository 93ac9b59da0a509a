// Package storetest provides the compliance suite every execution store
// adapter runs against its own backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/confidence"
	"github.com/Strob0t/DocFlow/internal/domain/document"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/port/executionstore"
)

var seq atomic.Int64

func newExecution(prefix string) *execution.Execution {
	id := fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq.Add(1))
	return execution.New(id, document.Document{URI: "s3://in/" + id + ".pdf"}, time.Now().UTC().Truncate(time.Millisecond))
}

// RunComplianceTests exercises the full Store contract against s.
func RunComplianceTests(t *testing.T, s executionstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutIfAbsentAndGet", func(t *testing.T) {
		e := newExecution("put")
		e.Extraction = &confidence.Extraction{Sections: []confidence.Section{{ID: "s1", Fields: []confidence.Field{{Name: "f", Confidence: 0.5}}}}}
		if err := s.PutIfAbsent(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.Version == 0 {
			t.Fatal("expected version to be set")
		}
		got, err := s.Get(ctx, e.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != e.ID || got.State != execution.StateCreated || got.Version != e.Version {
			t.Fatalf("round trip mismatch: %+v", got)
		}
		if got.Extraction == nil || got.Extraction.Sections[0].Fields[0].Name != "f" {
			t.Fatal("extraction lost in round trip")
		}
	})

	t.Run("PutIfAbsentDuplicate", func(t *testing.T) {
		e := newExecution("dup")
		if err := s.PutIfAbsent(ctx, e); err != nil {
			t.Fatal(err)
		}
		again := *e
		if err := s.PutIfAbsent(ctx, &again); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.Get(ctx, "does-not-exist"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		e := newExecution("cas")
		if err := s.PutIfAbsent(ctx, e); err != nil {
			t.Fatal(err)
		}
		v1 := e.Version
		e.State = execution.StateInvoked
		e.Attempt = 1
		if err := s.CompareAndSwap(ctx, v1, e); err != nil {
			t.Fatal(err)
		}
		if e.Version == v1 {
			t.Fatal("expected version to change")
		}
		got, err := s.Get(ctx, e.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State != execution.StateInvoked || got.Version != e.Version {
			t.Fatalf("unexpected stored record: %s v%d", got.State, got.Version)
		}
	})

	t.Run("CompareAndSwapStaleVersion", func(t *testing.T) {
		e := newExecution("stale")
		if err := s.PutIfAbsent(ctx, e); err != nil {
			t.Fatal(err)
		}
		v1 := e.Version
		if err := s.CompareAndSwap(ctx, v1, e); err != nil {
			t.Fatal(err)
		}
		e.State = execution.StateInvoked
		if err := s.CompareAndSwap(ctx, v1, e); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("CompareAndSwapMissing", func(t *testing.T) {
		e := newExecution("gone")
		err := s.CompareAndSwap(ctx, 1, e)
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrNotFound or ErrConflict, got %v", err)
		}
	})

	t.Run("ConcurrentCASOneWinner", func(t *testing.T) {
		e := newExecution("race")
		if err := s.PutIfAbsent(ctx, e); err != nil {
			t.Fatal(err)
		}
		const writers = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := *e
				c.Attempt = i + 1
				err := s.CompareAndSwap(ctx, e.Version, &c)
				if err == nil {
					wins.Add(1)
				} else if !errors.Is(err, domain.ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins.Load())
		}
	})

	t.Run("Delete", func(t *testing.T) {
		e := newExecution("del")
		if err := s.PutIfAbsent(ctx, e); err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, e.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, e.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, e.ID); err != nil {
			t.Fatalf("deleting twice should not error: %v", err)
		}
	})

	t.Run("ListByState", func(t *testing.T) {
		a := newExecution("list")
		b := newExecution("list")
		b.State = execution.StateAwaitingJob
		b.JobHandle = "h"
		for _, e := range []*execution.Execution{a, b} {
			if err := s.PutIfAbsent(ctx, e); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.List(ctx, executionstore.Filter{States: []execution.State{execution.StateAwaitingJob}})
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, e := range got {
			if e.State != execution.StateAwaitingJob {
				t.Fatalf("filter leaked state %s", e.State)
			}
			if e.ID == b.ID {
				found = true
				if e.Version != b.Version {
					t.Fatalf("listed version %d, want %d", e.Version, b.Version)
				}
			}
			if e.ID == a.ID {
				t.Fatal("CREATED execution returned for AWAITING_JOB filter")
			}
		}
		if !found {
			t.Fatal("expected AWAITING_JOB execution in list")
		}
	})

	t.Run("ListUpdatedBefore", func(t *testing.T) {
		old := newExecution("old")
		old.UpdatedAt = time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Millisecond)
		old.State = execution.StateError
		old.LastError = &execution.ErrorInfo{Kind: execution.ErrorClient, Message: "x"}
		if err := s.PutIfAbsent(ctx, old); err != nil {
			t.Fatal(err)
		}
		got, err := s.List(ctx, executionstore.Filter{
			States:        []execution.State{execution.StateError},
			UpdatedBefore: time.Now().Add(-24 * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, e := range got {
			if e.ID == old.ID {
				found = true
			}
			if !e.UpdatedAt.Before(time.Now().Add(-24 * time.Hour)) {
				t.Fatalf("record %s updated at %v leaked through bound", e.ID, e.UpdatedAt)
			}
		}
		if !found {
			t.Fatal("expected old record")
		}
	})

	t.Run("ListPagesWithCursor", func(t *testing.T) {
		// Same timestamp for every record so paging relies on the id tiebreak.
		at := time.Now().AddDate(-10, 0, 0).UTC().Truncate(time.Millisecond)
		want := make(map[string]bool)
		for range 5 {
			e := newExecution("page")
			e.State = execution.StateFinalizing
			e.UpdatedAt = at
			if err := s.PutIfAbsent(ctx, e); err != nil {
				t.Fatal(err)
			}
			want[e.ID] = true
		}

		filter := executionstore.Filter{
			States:        []execution.State{execution.StateFinalizing},
			UpdatedBefore: at.Add(time.Millisecond),
			Limit:         2,
		}
		seen := make(map[string]int)
		var prev *execution.Execution
		for page := 0; ; page++ {
			if page > 50 {
				t.Fatal("paging did not terminate")
			}
			got, err := s.List(ctx, filter)
			if err != nil {
				t.Fatal(err)
			}
			for i := range got {
				if prev != nil && executionstore.Compare(prev, &got[i]) >= 0 {
					t.Fatalf("page %d out of order: %s after %s", page, got[i].ID, prev.ID)
				}
				prev = &got[i]
				seen[got[i].ID]++
			}
			if len(got) < filter.Limit {
				break
			}
			filter.After = executionstore.CursorAfter(&got[len(got)-1])
		}
		for id := range want {
			if seen[id] != 1 {
				t.Errorf("%s listed %d times across pages, want 1", id, seen[id])
			}
		}
	})

	t.Run("Correlation", func(t *testing.T) {
		e := newExecution("corr")
		if err := s.PutIfAbsent(ctx, e); err != nil {
			t.Fatal(err)
		}
		key := "job/" + e.ID
		if err := s.PutCorrelation(ctx, key, e.ID); err != nil {
			t.Fatal(err)
		}
		if err := s.PutCorrelation(ctx, key, e.ID); err != nil {
			t.Fatalf("re-put should be a no-op: %v", err)
		}
		got, err := s.LookupCorrelation(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if got != e.ID {
			t.Fatalf("expected %s, got %s", e.ID, got)
		}
		if err := s.DeleteCorrelations(ctx, []string{key, "never-put"}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.LookupCorrelation(ctx, key); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("LookupMissingCorrelation", func(t *testing.T) {
		if _, err := s.LookupCorrelation(ctx, "unknown-handle"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
