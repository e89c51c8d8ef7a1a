package provider

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/pkg/config"
	"github.com/WessleyAI/captionstore/pkg/fn"
	"github.com/WessleyAI/captionstore/pkg/metrics"
	"github.com/WessleyAI/captionstore/pkg/resilience"
)

// --- Mocks ---

type mockCaptioner struct {
	calls atomic.Int32
	fn    func(n int32) (string, error)
}

func (m *mockCaptioner) Name() string { return "mock" }

func (m *mockCaptioner) Caption(_ context.Context, _ []byte, _, _ string) (string, error) {
	return m.fn(m.calls.Add(1))
}

type mockEmbedder struct {
	calls atomic.Int32
	fn    func(n int32) ([]float32, error)
}

func (m *mockEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return m.fn(m.calls.Add(1))
}

var fastRetry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}

func transient() error { return resilience.FromStatus("mock", 503, errors.New("unavailable")) }

// --- Tests ---

func TestGuard_RetriesTransient(t *testing.T) {
	m := &mockCaptioner{fn: func(n int32) (string, error) {
		if n < 3 {
			return "", transient()
		}
		return "  a boat  ", nil
	}}
	c := NewGuard(GuardOpts{Retry: fastRetry}).Captioner(m)

	got, err := c.Caption(context.Background(), nil, "image/png", "p")
	if err != nil {
		t.Fatalf("Caption: %v", err)
	}
	if got != "a boat" || m.calls.Load() != 3 {
		t.Fatalf("got %q after %d calls", got, m.calls.Load())
	}
}

func TestGuard_PermanentNotRetried(t *testing.T) {
	m := &mockCaptioner{fn: func(int32) (string, error) {
		return "", resilience.FromStatus("mock", 400, errors.New("bad image"))
	}}
	c := NewGuard(GuardOpts{Retry: fastRetry}).Captioner(m)

	if _, err := c.Caption(context.Background(), nil, "", "p"); err == nil {
		t.Fatal("expected error")
	}
	if m.calls.Load() != 1 {
		t.Fatalf("permanent error retried: %d calls", m.calls.Load())
	}
}

func TestGuard_EmptyCaptionIsFailure(t *testing.T) {
	m := &mockCaptioner{fn: func(int32) (string, error) { return " \n", nil }}
	c := NewGuard(GuardOpts{Retry: fastRetry}).Captioner(m)

	_, err := c.Caption(context.Background(), nil, "", "p")
	if !errors.Is(err, domain.ErrEmptyCaption) {
		t.Fatalf("expected ErrEmptyCaption, got %v", err)
	}
	if m.calls.Load() != 1 {
		t.Fatalf("empty caption retried: %d calls", m.calls.Load())
	}
}

func TestGuard_NilEmbeddingIsFailure(t *testing.T) {
	m := &mockEmbedder{fn: func(int32) ([]float32, error) { return nil, nil }}
	e := NewGuard(GuardOpts{Retry: fastRetry}).Embedder(m)
	if _, err := e.Embed(context.Background(), "x"); !errors.Is(err, domain.ErrEmptyEmbedding) {
		t.Fatalf("expected ErrEmptyEmbedding, got %v", err)
	}
}

func TestGuard_BreakerOpensOnTransient(t *testing.T) {
	m := &mockEmbedder{fn: func(int32) ([]float32, error) { return nil, transient() }}
	e := NewGuard(GuardOpts{
		Retry:   fn.RetryOpts{MaxAttempts: 1},
		Breaker: resilience.BreakerOpts{FailThreshold: 2, Cooldown: time.Hour},
	}).Embedder(m)

	ctx := context.Background()
	e.Embed(ctx, "a")
	e.Embed(ctx, "b")
	_, err := e.Embed(ctx, "c")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if m.calls.Load() != 2 {
		t.Fatalf("open breaker still called backend: %d calls", m.calls.Load())
	}
}

func TestGuard_SharedLimiter(t *testing.T) {
	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: 0.001, Burst: 1})
	g := NewGuard(GuardOpts{Limiter: limiter, Retry: fn.RetryOpts{MaxAttempts: 1}})
	c := g.Captioner(&mockCaptioner{fn: func(int32) (string, error) { return "ok", nil }})
	e := g.Embedder(&mockEmbedder{fn: func(int32) ([]float32, error) { return []float32{1}, nil }})

	if _, err := c.Caption(context.Background(), nil, "", "p"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.Embed(ctx, "x"); err == nil {
		t.Fatal("embedder should wait on the token the captioner spent")
	}
}

func TestGuard_RecordsMetrics(t *testing.T) {
	reg := metrics.New()
	m := &mockCaptioner{fn: func(n int32) (string, error) {
		if n == 1 {
			return "", resilience.FromStatus("mock", 429, errors.New("slow down"))
		}
		return "ok", nil
	}}
	c := NewGuard(GuardOpts{Retry: fastRetry, Metrics: metrics.NewPipeline(reg)}).Captioner(m)
	if _, err := c.Caption(context.Background(), nil, "", "p"); err != nil {
		t.Fatal(err)
	}
	out := reg.Render()
	for _, want := range []string{
		`captionstore_provider_calls_total{provider="mock",op="caption"} 2`,
		`captionstore_provider_errors_total{provider="mock",kind="rate_limited"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestNameOf(t *testing.T) {
	if nameOf(&mockCaptioner{}) != "mock" || nameOf(&mockEmbedder{}) != "provider" {
		t.Fatal("unexpected names")
	}
}

func TestFromConfig_UnknownBackend(t *testing.T) {
	cfg := &config.Config{Caption: config.ModelConfig{Backend: "nope"}}
	if _, err := FromConfig(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestFromConfig_Ollama(t *testing.T) {
	cfg := &config.Config{
		Caption: config.ModelConfig{Backend: config.BackendOllama, Model: "llava"},
		Embed:   config.ModelConfig{Backend: config.BackendOllama, Model: "nomic-embed-text"},
		Ollama:  config.OllamaConfig{BaseURL: "http://localhost:11434"},
		Pacing:  config.PacingConfig{RequestsPerMinute: 15, MaxAttempts: 2},
	}
	set, err := FromConfig(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if set.Captioner.(Named).Name() != "ollama" || set.Limiter.Opts().Rate != 0.25 {
		t.Fatalf("unexpected set: %+v", set)
	}
}
