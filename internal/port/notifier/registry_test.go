package notifier

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubNotifier struct{ name string }

func (s stubNotifier) Name() string                           { return s.name }
func (stubNotifier) Capabilities() Capabilities               { return Capabilities{} }
func (stubNotifier) Send(context.Context, Notification) error { return nil }

func TestRegisterAndNew(t *testing.T) {
	Register("stub-test", func(cfg map[string]string) (Notifier, error) {
		if cfg["name"] == "" {
			return nil, ErrNotConfigured
		}
		return stubNotifier{name: cfg["name"]}, nil
	})

	n, err := New("stub-test", map[string]string{"name": "ops"})
	if err != nil {
		t.Fatal(err)
	}
	if n.Name() != "ops" {
		t.Fatalf("expected ops, got %s", n.Name())
	}
	if _, err := New("stub-test", nil); err == nil {
		t.Fatal("expected configuration error")
	}
	if _, err := New("no-such-provider", nil); err == nil {
		t.Fatal("expected unknown provider error")
	}

	found := false
	for _, name := range Available() {
		if name == "stub-test" {
			found = true
		}
	}
	if !found {
		t.Fatal("registered notifier missing from Available")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("dup-test", func(map[string]string) (Notifier, error) { return stubNotifier{}, nil })
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	Register("dup-test", func(map[string]string) (Notifier, error) { return stubNotifier{}, nil })
}

type recordingNotifier struct {
	name string
	err  error
	sent []Notification
}

func (r *recordingNotifier) Name() string { return r.name }
func (r *recordingNotifier) Capabilities() Capabilities {
	return Capabilities{Links: r.name == "links"}
}
func (r *recordingNotifier) Send(_ context.Context, n Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

func TestFanoutSendsToAll(t *testing.T) {
	a := &recordingNotifier{name: "a", err: errors.New("down")}
	b := &recordingNotifier{name: "links"}
	f := Fanout{a, b}

	err := f.Send(context.Background(), Notification{Title: "Review overdue"})
	if err == nil || !strings.Contains(err.Error(), "a: down") {
		t.Fatalf("expected member error, got %v", err)
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("expected one send each, got %d and %d", len(a.sent), len(b.sent))
	}
	if !f.Capabilities().Links {
		t.Error("expected links capability from member")
	}
}

func TestBuild(t *testing.T) {
	Register("build-test", func(cfg map[string]string) (Notifier, error) {
		if cfg["name"] == "" {
			return nil, ErrNotConfigured
		}
		return stubNotifier{name: cfg["name"]}, nil
	})

	n, err := Build()
	if err != nil || n != nil {
		t.Fatalf("no specs: expected nil notifier, got %v %v", n, err)
	}

	n, err = Build(Spec{Name: "build-test", Config: map[string]string{"name": "ops"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, isFanout := n.(Fanout); isFanout || n.Name() != "ops" {
		t.Errorf("single spec: expected the notifier itself, got %T", n)
	}

	n, err = Build(
		Spec{Name: "build-test", Config: map[string]string{"name": "a"}},
		Spec{Name: "build-test", Config: map[string]string{"name": "b"}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := n.(Fanout); !ok || len(f) != 2 {
		t.Errorf("expected fanout of 2, got %T", n)
	}

	if _, err := Build(Spec{Name: "build-test"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
