package natskv

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/port/executionstore/storetest"
)

func TestStoreCompliance(t *testing.T) {
	storetest.RunComplianceTests(t, NewStore(newMockKV()))
}

func TestWrongRevision(t *testing.T) {
	if wrongRevision(nil) {
		t.Fatal("nil is not a revision error")
	}
	if !wrongRevision(jetstream.ErrKeyExists) {
		t.Fatal("ErrKeyExists should count")
	}
	apiErr := &jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}
	if !wrongRevision(apiErr) {
		t.Fatal("wrong last sequence should count")
	}
	if wrongRevision(errors.New("timeout")) {
		t.Fatal("unrelated error counted")
	}
}

func TestStoreKeysAreEncoded(t *testing.T) {
	kv := newMockKV()
	s := NewStore(kv)
	ctx := context.Background()

	if err := s.PutCorrelation(ctx, "arn:aws:job/ab c", "exec-1"); err != nil {
		t.Fatal(err)
	}
	for k := range kv.data {
		if k != corrKey("arn:aws:job/ab c") {
			t.Fatalf("unexpected key %q", k)
		}
	}
	if err := s.PutCorrelation(ctx, "arn:aws:job/ab c", "exec-2"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("rebinding should conflict, got %v", err)
	}
}

// TestStoreComplianceLive runs against a real server when NATS_URL is set.
func TestStoreComplianceLive(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	bucket := "docflow-test-exec-" + time.Now().Format("20060102150405")
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = js.DeleteKeyValue(ctx, bucket) }()

	storetest.RunComplianceTests(t, NewStore(kv))
}
