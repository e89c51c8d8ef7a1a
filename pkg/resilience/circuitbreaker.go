// Package resilience guards calls to captioning and embedding providers: a
// token bucket shared by all workers, a circuit breaker per client, and the
// error classification that decides what gets retried.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/WessleyAI/captionstore/pkg/fn"
)

// State is the position of a Breaker.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ErrCircuitOpen is returned instead of calling a provider whose breaker is
// open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerOpts configures a Breaker. Zero fields take the defaults noted.
type BreakerOpts struct {
	// FailThreshold consecutive counted failures open the breaker. Default 5.
	FailThreshold int
	// Cooldown is how long an open breaker rejects calls before letting
	// probes through. Default 30s.
	Cooldown time.Duration
	// Probes is how many calls a half-open breaker admits. Default 1.
	Probes int
	// Counts reports whether err is a provider failure. Errors it rejects
	// count as successes. Nil counts every error.
	Counts func(err error) bool
	// OnChange observes state transitions. It runs with the breaker locked.
	OnChange func(from, to State)
}

// Breaker trips after repeated provider failures so that a dead backend is
// not hammered by every worker.
type Breaker struct {
	mu       sync.Mutex
	opts     BreakerOpts
	state    State
	streak   int
	probes   int
	reopenAt time.Time
	now      func() time.Time
}

// NewBreaker creates a closed Breaker.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Probes <= 0 {
		opts.Probes = 1
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current state, moving an open breaker whose cooldown
// has passed to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

func (b *Breaker) refresh() {
	if b.state == StateOpen && !b.now().Before(b.reopenAt) {
		b.moveTo(StateHalfOpen)
	}
}

func (b *Breaker) moveTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state, b.streak, b.probes = to, 0, 0
	if to == StateOpen {
		b.reopenAt = b.now().Add(b.opts.Cooldown)
	}
	if b.opts.OnChange != nil {
		b.opts.OnChange(from, to)
	}
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	switch {
	case b.state == StateOpen:
		return ErrCircuitOpen
	case b.state == StateHalfOpen && b.probes >= b.opts.Probes:
		return ErrCircuitOpen
	case b.state == StateHalfOpen:
		b.probes++
	}
	return nil
}

func (b *Breaker) release(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	failed := err != nil && (b.opts.Counts == nil || b.opts.Counts(err))
	switch {
	case !failed && b.state == StateHalfOpen:
		b.moveTo(StateClosed)
	case !failed:
		b.streak = 0
	case b.state == StateHalfOpen:
		b.moveTo(StateOpen)
	default:
		b.streak++
		if b.streak >= b.opts.FailThreshold {
			b.moveTo(StateOpen)
		}
	}
}

// CallResult runs f through b. A nil b calls f directly.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	if b == nil {
		return f(ctx)
	}
	if err := b.acquire(); err != nil {
		return fn.Err[T](err)
	}
	r := f(ctx)
	b.release(r.Cause())
	return r
}
