package reviewportal_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Strob0t/DocFlow/internal/port/reviewportal"
)

type countingPortal struct {
	calls int
	err   error
}

func (p *countingPortal) RequestReview(context.Context, reviewportal.Request) error {
	p.calls++
	return p.err
}

func TestFanoutTriesEveryPortal(t *testing.T) {
	boom := errors.New("webhook down")
	a := &countingPortal{err: boom}
	b := &countingPortal{}

	err := reviewportal.Fanout{a, b}.RequestReview(context.Background(), reviewportal.Request{UnitID: "s1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("expected one call each, got %d and %d", a.calls, b.calls)
	}
}

func TestFanoutEmpty(t *testing.T) {
	if err := (reviewportal.Fanout{}).RequestReview(context.Background(), reviewportal.Request{}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
