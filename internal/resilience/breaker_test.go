package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("service unavailable")

func fail() error    { return errTest }
func succeed() error { return nil }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, opts ...BreakerOption) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(maxFailures, time.Second, opts...)
	b.now = c.now
	return b, c
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3)

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	_ = b.Execute(succeed) // resets the streak
	_ = b.Execute(fail)
	_ = b.Execute(fail)
	if b.Open() {
		t.Fatal("opened before three consecutive failures")
	}

	_ = b.Execute(fail)
	if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State() != Open {
		t.Errorf("expected open, got %s", b.State())
	}
}

func TestHalfOpenTrial(t *testing.T) {
	tests := []struct {
		name  string
		trial func() error
		want  State
	}{
		{"success closes", succeed, Closed},
		{"failure reopens", fail, Open},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, c := newTestBreaker(2)
			_ = b.Execute(fail)
			_ = b.Execute(fail)

			c.advance(2 * time.Second)
			called := false
			_ = b.Execute(func() error {
				called = true
				return tt.trial()
			})
			if !called {
				t.Fatal("trial call not admitted")
			}
			if got := b.State(); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestHalfOpenAdmitsOneTrial(t *testing.T) {
	b, c := newTestBreaker(1)
	_ = b.Execute(fail)
	c.advance(2 * time.Second)

	var second error
	_ = b.Execute(func() error {
		second = b.Execute(succeed)
		return nil
	})
	if !errors.Is(second, ErrCircuitOpen) {
		t.Fatalf("concurrent call during the trial: expected ErrCircuitOpen, got %v", second)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed after the trial, got %s", b.State())
	}
}

func TestFailurePredicateIgnoresClientErrors(t *testing.T) {
	errClient := errors.New("bad request")
	b, _ := newTestBreaker(2, WithFailurePredicate(func(err error) bool {
		return !errors.Is(err, errClient)
	}))

	for range 5 {
		if err := b.Execute(func() error { return errClient }); !errors.Is(err, errClient) {
			t.Fatalf("expected client error passthrough, got %v", err)
		}
	}
	if b.Open() {
		t.Fatal("client errors must not open the circuit")
	}

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	if !b.Open() {
		t.Fatal("expected circuit open after service failures")
	}
}

func TestStateChangeHook(t *testing.T) {
	var changes []string
	b, c := newTestBreaker(1, WithStateChange(func(from, to State) {
		changes = append(changes, from.String()+">"+to.String())
	}))

	_ = b.Execute(fail)
	c.advance(2 * time.Second)
	_ = b.Execute(succeed)
	_ = b.Execute(succeed)

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(changes) != len(want) {
		t.Fatalf("expected %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d: expected %s, got %s", i, want[i], changes[i])
		}
	}
}
