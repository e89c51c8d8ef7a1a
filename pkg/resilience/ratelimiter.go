package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a provider call cannot get a slot before
// its deadline.
var ErrRateLimited = errors.New("resilience: rate limited")

// LimiterOpts configures a Limiter.
type LimiterOpts struct {
	// Rate is requests per second. Zero or less disables pacing.
	Rate float64
	// Burst is the bucket size. Default 1.
	Burst int
}

// PerMinute paces to n requests per minute, one at a time. n <= 0 disables
// pacing.
func PerMinute(n int) LimiterOpts {
	return LimiterOpts{Rate: max(float64(n), 0) / 60, Burst: 1}
}

// Limiter is a token bucket shared by every client a Guard wraps, so the
// captioner and the embedder draw from one budget.
type Limiter struct {
	opts LimiterOpts
	rl   *rate.Limiter
	now  func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(opts LimiterOpts) *Limiter {
	opts.Burst = max(opts.Burst, 1)
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Limiter{opts: opts, rl: rate.NewLimiter(limit, opts.Burst), now: time.Now}
}

// Opts returns the options l was built with.
func (l *Limiter) Opts() LimiterOpts { return l.opts }

// Wait blocks until l admits one call. If the slot lies beyond ctx's
// deadline it returns ErrRateLimited at once and gives the slot back.
func (l *Limiter) Wait(ctx context.Context) error {
	now := l.now()
	r := l.rl.ReserveN(now, 1)
	if !r.OK() {
		return ErrRateLimited
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok && now.Add(delay).After(dl) {
		r.CancelAt(now)
		return fmt.Errorf("%w: next slot in %v", ErrRateLimited, delay.Round(time.Millisecond))
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
