package natskv

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// mockKV is an in-memory jetstream.KeyValue with revision semantics close
// enough to the server's for Create, Update and Delete.
type mockKV struct {
	mu   sync.Mutex
	rev  uint64
	data map[string]*mockEntry
}

func newMockKV() *mockKV {
	return &mockKV{data: make(map[string]*mockEntry)}
}

func (m *mockKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store(key, value), nil
}

func (m *mockKV) Create(_ context.Context, key string, value []byte, _ ...jetstream.KVCreateOpt) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	return m.store(key, value), nil
}

func (m *mockKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[key]
	if !ok || cur.revision != revision {
		return 0, &jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence, Code: 400}
	}
	return m.store(key, value), nil
}

func (m *mockKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mockKV) ListKeysFiltered(_ context.Context, filters ...string) (jetstream.KeyLister, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, len(m.data))
	for k := range m.data {
		for _, f := range filters {
			if strings.HasPrefix(k, strings.TrimSuffix(f, ">")) {
				ch <- k
				break
			}
		}
	}
	close(ch)
	return &mockLister{ch: ch}, nil
}

func (m *mockKV) Status(_ context.Context) (jetstream.KeyValueStatus, error) { return nil, nil }

// store must be called with mu held.
func (m *mockKV) store(key string, value []byte) uint64 {
	m.rev++
	m.data[key] = &mockEntry{key: key, value: append([]byte(nil), value...), revision: m.rev}
	return m.rev
}

// Remaining jetstream.KeyValue methods are unused.
func (m *mockKV) Bucket() string                                                      { return "test" }
func (m *mockKV) PutString(_ context.Context, _, _ string) (uint64, error)            { return 0, nil }
func (m *mockKV) Purge(_ context.Context, _ string, _ ...jetstream.KVDeleteOpt) error { return nil }
func (m *mockKV) GetRevision(_ context.Context, _ string, _ uint64) (jetstream.KeyValueEntry, error) {
	return nil, nil
}
func (m *mockKV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) { return nil, nil }
func (m *mockKV) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	return nil, nil
}
func (m *mockKV) History(_ context.Context, _ string, _ ...jetstream.WatchOpt) ([]jetstream.KeyValueEntry, error) {
	return nil, nil
}
func (m *mockKV) Watch(_ context.Context, _ string, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	return nil, nil
}
func (m *mockKV) WatchAll(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	return nil, nil
}
func (m *mockKV) WatchFiltered(_ context.Context, _ []string, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	return nil, nil
}
func (m *mockKV) PurgeDeletes(_ context.Context, _ ...jetstream.KVPurgeOpt) error { return nil }

type mockLister struct {
	ch chan string
}

func (l *mockLister) Keys() <-chan string { return l.ch }
func (l *mockLister) Stop() error         { return nil }

// mockEntry implements jetstream.KeyValueEntry.
type mockEntry struct {
	key      string
	value    []byte
	revision uint64
}

func (e *mockEntry) Bucket() string                  { return "test" }
func (e *mockEntry) Key() string                     { return e.key }
func (e *mockEntry) Value() []byte                   { return e.value }
func (e *mockEntry) Revision() uint64                { return e.revision }
func (e *mockEntry) Created() time.Time              { return time.Time{} }
func (e *mockEntry) Delta() uint64                   { return 0 }
func (e *mockEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }
