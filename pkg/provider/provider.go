// Package provider defines the captioning and embedding collaborators and
// the Guard that paces, breaks, and retries every call made to them.
package provider

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/pkg/fn"
	"github.com/WessleyAI/captionstore/pkg/metrics"
	"github.com/WessleyAI/captionstore/pkg/resilience"
)

// Captioner turns an image into text under a prompt. An empty caption is
// a failure.
type Captioner interface {
	Caption(ctx context.Context, image []byte, mimeType, prompt string) (string, error)
}

// Embedder turns text into a fixed-length vector. A nil vector is a
// failure.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Named is implemented by backends to label logs and metrics.
type Named interface {
	Name() string
}

func nameOf(v any) string {
	if n, ok := v.(Named); ok {
		return n.Name()
	}
	return "provider"
}

// GuardOpts configures a Guard.
type GuardOpts struct {
	// Limiter is shared by every client the guard wraps. Nil disables pacing.
	Limiter *resilience.Limiter
	// Breaker is applied per wrapped client.
	Breaker resilience.BreakerOpts
	Retry   fn.RetryOpts
	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration
	Metrics *metrics.Pipeline
	Logger  *slog.Logger
}

// Guard wraps collaborators so every call waits on the shared token
// bucket, passes a circuit breaker, and retries rate-limited and transient
// failures with backoff. Permanent failures return at once.
type Guard struct {
	opts GuardOpts
	log  *slog.Logger
}

// NewGuard creates a Guard.
func NewGuard(opts GuardOpts) *Guard {
	if opts.Limiter == nil {
		opts.Limiter = resilience.NewLimiter(resilience.LimiterOpts{})
	}
	if opts.Breaker.Counts == nil {
		opts.Breaker.Counts = resilience.IsRetryable
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Guard{opts: opts, log: log}
}

// Captioner wraps c.
func (g *Guard) Captioner(c Captioner) Captioner {
	name := nameOf(c)
	return &guardedCaptioner{g: g, next: c, name: name, breaker: g.breaker(name, "caption")}
}

// Embedder wraps e.
func (g *Guard) Embedder(e Embedder) Embedder {
	name := nameOf(e)
	return &guardedEmbedder{g: g, next: e, name: name, breaker: g.breaker(name, "embed")}
}

func (g *Guard) breaker(name, op string) *resilience.Breaker {
	opts := g.opts.Breaker
	opts.OnChange = func(from, to resilience.State) {
		g.log.Warn("provider: breaker "+to.String(), "provider", name, "op", op, "from", from.String())
	}
	return resilience.NewBreaker(opts)
}

type guardedCaptioner struct {
	g       *Guard
	next    Captioner
	name    string
	breaker *resilience.Breaker
}

func (c *guardedCaptioner) Name() string { return c.name }

func (c *guardedCaptioner) Caption(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	return call(ctx, c.g, c.breaker, c.name, "caption", func(ctx context.Context) (string, error) {
		text, err := c.next.Caption(ctx, image, mimeType, prompt)
		if err == nil && strings.TrimSpace(text) == "" {
			err = resilience.NewProviderError(c.name, resilience.KindPermanent, domain.ErrEmptyCaption)
		}
		return strings.TrimSpace(text), err
	})
}

type guardedEmbedder struct {
	g       *Guard
	next    Embedder
	name    string
	breaker *resilience.Breaker
}

func (e *guardedEmbedder) Name() string { return e.name }

func (e *guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return call(ctx, e.g, e.breaker, e.name, "embed", func(ctx context.Context) ([]float32, error) {
		vec, err := e.next.Embed(ctx, text)
		if err == nil && len(vec) == 0 {
			err = resilience.NewProviderError(e.name, resilience.KindPermanent, domain.ErrEmptyEmbedding)
		}
		return vec, err
	})
}

func call[T any](ctx context.Context, g *Guard, b *resilience.Breaker, name, op string, f func(context.Context) (T, error)) (T, error) {
	opts := g.opts.Retry
	opts.Retryable = resilience.IsRetryable
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		g.log.Warn("provider: retrying", "provider", name, "op", op,
			"attempt", attempt, "wait", wait, "kind", resilience.KindOf(err).String(), "err", err)
	}

	r := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[T] {
		if err := g.opts.Limiter.Wait(ctx); err != nil {
			return fn.Err[T](err)
		}
		return resilience.CallResult(b, ctx, func(ctx context.Context) fn.Result[T] {
			if g.opts.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
				defer cancel()
			}
			start := time.Now()
			v, err := f(ctx)
			kind := ""
			if err != nil {
				kind = resilience.KindOf(err).String()
			}
			g.opts.Metrics.ProviderCall(name, op, kind, start)
			return fn.FromPair(v, err)
		})
	})
	return r.Unwrap()
}
