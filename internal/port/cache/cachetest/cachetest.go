// Package cachetest provides the compliance suite shared by cache adapters.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/DocFlow/internal/port/cache"
)

// Settle is called after writes, for adapters with asynchronous admission.
type Settle func()

// RunComplianceTests runs the standard compliance suite against c.
func RunComplianceTests(t *testing.T, c cache.Cache, settle Settle) {
	t.Helper()
	ctx := context.Background()
	if settle == nil {
		settle = func() {}
	}

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "evt-1", []byte("applied"), time.Minute); err != nil {
			t.Fatal(err)
		}
		settle()
		val, found, err := c.Get(ctx, "evt-1")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != "applied" {
			t.Fatalf("expected applied, got %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "evt-missing")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for unknown key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "evt-del", []byte("dropped"), time.Minute)
		settle()
		if err := c.Delete(ctx, "evt-del"); err != nil {
			t.Fatal(err)
		}
		_, found, err := c.Get(ctx, "evt-del")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		if err := c.Delete(ctx, "evt-never"); err != nil {
			t.Fatal("Delete of unknown key should not error")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "evt-ow", []byte("v1"), time.Minute)
		settle()
		_ = c.Set(ctx, "evt-ow", []byte("v2"), time.Minute)
		settle()
		val, found, err := c.Get(ctx, "evt-ow")
		if err != nil {
			t.Fatal(err)
		}
		if !found || string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %q found=%v", val, found)
		}
	})
}
