// Package resilience provides reliability patterns for calls to the
// extraction service and the object store: a circuit breaker and the
// exponential backoff schedule shared by in-call and durable retries.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker counts consecutive failures of a remote dependency. After
// maxFailures it rejects calls for timeout, then lets a single trial call
// through; the trial's result closes or reopens the circuit.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	trial       bool // a half-open trial call is in flight
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	isFailure   func(error) bool
	onChange    func(from, to State)
	now         func() time.Time
}

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithFailurePredicate limits which errors count toward opening the circuit.
// Errors rejected by pred are returned to the caller but reset the failure
// streak, since the remote side did answer.
func WithFailurePredicate(pred func(error) bool) BreakerOption {
	return func(b *Breaker) { b.isFailure = pred }
}

// WithStateChange registers fn to run on every transition. It is called
// with the breaker's lock held and must not call back into the breaker.
func WithStateChange(fn func(from, to State)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// failures and stays open for timeout.
func NewBreaker(maxFailures int, timeout time.Duration, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		maxFailures: max(maxFailures, 1),
		timeout:     timeout,
		isFailure:   func(error) bool { return true },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn unless the circuit rejects the call with ErrCircuitOpen.
func (b *Breaker) Execute(fn func() error) error {
	trial, ok := b.admit()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trial = false
	}
	if err != nil && b.isFailure(err) {
		b.failures++
		if b.state == HalfOpen || b.failures >= b.maxFailures {
			b.openedAt = b.now()
			b.setState(Open)
		}
		return err
	}
	b.failures = 0
	b.setState(Closed)
	return err
}

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open && b.now().Sub(b.openedAt) < b.timeout
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) admit() (trial, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false, false
		}
		b.setState(HalfOpen)
		fallthrough
	case HalfOpen:
		if b.trial {
			return false, false
		}
		b.trial = true
		return true, true
	default:
		return false, true
	}
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
