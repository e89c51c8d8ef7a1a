package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts configures Retry. The wait before attempt n+1 is InitialWait
// doubled n-1 times, optionally jittered to between half and one and a half
// times that, and never more than MaxWait.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// Retryable reports whether err is worth another attempt. Nil retries
	// everything.
	Retryable func(err error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (o RetryOpts) backoff(attempt int) time.Duration {
	d := o.InitialWait
	for i := 1; i < attempt && (o.MaxWait <= 0 || d < o.MaxWait); i++ {
		d *= 2
	}
	if o.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	if o.MaxWait > 0 && d > o.MaxWait {
		d = o.MaxWait
	}
	return d
}

// Retry calls f until it succeeds, Retryable rejects its error, or
// MaxAttempts calls have been made. The last Result is returned, or
// ctx.Err() when ctx ends during a wait.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := max(opts.MaxAttempts, 1)
	for n := 1; ; n++ {
		r := f(ctx)
		if r.IsOk() || n >= attempts {
			return r
		}
		if opts.Retryable != nil && !opts.Retryable(r.err) {
			return r
		}
		wait := opts.backoff(n)
		if opts.OnRetry != nil {
			opts.OnRetry(n, r.err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return Err[T](err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
