package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/WessleyAI/captionstore/pkg/config"
	"github.com/WessleyAI/captionstore/pkg/fn"
	"github.com/WessleyAI/captionstore/pkg/gemini"
	"github.com/WessleyAI/captionstore/pkg/metrics"
	"github.com/WessleyAI/captionstore/pkg/ollama"
	"github.com/WessleyAI/captionstore/pkg/openai"
	"github.com/WessleyAI/captionstore/pkg/resilience"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Set is the guarded pair of collaborators a process works with.
type Set struct {
	Captioner Captioner
	Embedder  Embedder
	Limiter   *resilience.Limiter
}

// FromConfig builds the configured captioner and embedder behind one Guard.
// Both share one token bucket.
func FromConfig(ctx context.Context, cfg *config.Config, m *metrics.Pipeline, log *slog.Logger) (*Set, error) {
	hc := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	capt, err := newBackend(ctx, cfg, cfg.Caption, hc)
	if err != nil {
		return nil, fmt.Errorf("provider: caption backend: %w", err)
	}
	emb, err := newBackend(ctx, cfg, cfg.Embed, hc)
	if err != nil {
		return nil, fmt.Errorf("provider: embed backend: %w", err)
	}

	limiter := resilience.NewLimiter(resilience.PerMinute(cfg.Pacing.RequestsPerMinute))
	g := NewGuard(GuardOpts{
		Limiter: limiter,
		Breaker: resilience.BreakerOpts{
			FailThreshold: cfg.Pacing.BreakerThreshold,
			Cooldown:      cfg.Pacing.BreakerCooldown,
		},
		Retry: fn.RetryOpts{
			MaxAttempts: cfg.Pacing.MaxAttempts,
			InitialWait: cfg.Pacing.InitialWait,
			MaxWait:     cfg.Pacing.MaxWait,
			Jitter:      true,
		},
		Timeout: cfg.Pacing.Timeout,
		Metrics: m,
		Logger:  log,
	})
	return &Set{
		Captioner: g.Captioner(capt),
		Embedder:  g.Embedder(emb),
		Limiter:   limiter,
	}, nil
}

// backend is what every client package returns.
type backend interface {
	Captioner
	Embedder
	Named
}

func newBackend(ctx context.Context, cfg *config.Config, mc config.ModelConfig, hc *http.Client) (backend, error) {
	switch mc.Backend {
	case config.BackendGemini:
		return gemini.New(ctx, gemini.Options{
			APIKey:       cfg.Gemini.APIKey,
			BaseURL:      cfg.Gemini.BaseURL,
			CaptionModel: mc.Model,
			EmbedModel:   mc.Model,
			Dimension:    cfg.Index.Dimension,
			HTTPClient:   hc,
		})
	case config.BackendOpenAI:
		return openai.New(openai.Options{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			CaptionModel: mc.Model,
			EmbedModel:   mc.Model,
			Dimension:    cfg.Index.Dimension,
			HTTPClient:   hc,
		}), nil
	case config.BackendOllama:
		return ollama.New(ollama.Options{
			BaseURL:      cfg.Ollama.BaseURL,
			CaptionModel: mc.Model,
			EmbedModel:   mc.Model,
			HTTPClient:   hc,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", mc.Backend)
	}
}
