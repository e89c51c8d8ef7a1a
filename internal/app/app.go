// Package app assembles the stores, collaborators and engine services a
// captionstore process runs with. Both binaries build one App at startup
// and hand its parts to their commands or handlers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/captionstore/engine/admin"
	"github.com/WessleyAI/captionstore/engine/catalog"
	"github.com/WessleyAI/captionstore/engine/eval"
	"github.com/WessleyAI/captionstore/engine/ingest"
	"github.com/WessleyAI/captionstore/engine/reconcile"
	"github.com/WessleyAI/captionstore/engine/retrieval"
	"github.com/WessleyAI/captionstore/engine/semantic"
	"github.com/WessleyAI/captionstore/pkg/config"
	"github.com/WessleyAI/captionstore/pkg/metrics"
	"github.com/WessleyAI/captionstore/pkg/provider"
)

// App is a wired captionstore process.
type App struct {
	Config    *config.Config
	Log       *slog.Logger
	Registry  *metrics.Registry
	Metrics   *metrics.Pipeline
	Catalog   *catalog.Store
	Index     semantic.Index
	Providers *provider.Set
	Retrieval *retrieval.Service
	Admin     *admin.Admin
	Evaluator *eval.Evaluator
	// Labels is the (hash, prompt) lock set every Orchestrator shares.
	Labels *ingest.Locks
}

// New opens both stores and builds the collaborators described by cfg.
// On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	reg := metrics.New()
	a := &App{
		Config:   cfg,
		Log:      log,
		Registry: reg,
		Metrics:  metrics.NewPipeline(reg),
		Labels:   ingest.NewLocks(),
	}

	var err error
	if a.Catalog, err = catalog.Open(ctx, cfg.Catalog.Path, log); err != nil {
		return nil, err
	}
	if a.Index, err = OpenIndex(ctx, cfg.Index, log); err != nil {
		a.Close()
		return nil, err
	}
	if a.Providers, err = provider.FromConfig(ctx, cfg, a.Metrics, log); err != nil {
		a.Close()
		return nil, err
	}

	a.Retrieval = retrieval.New(a.Index, a.Providers.Embedder, retrieval.Options{}, log)
	a.Admin = admin.New(a.Catalog, a.Index, log)
	a.Evaluator = eval.NewEvaluator(a.Catalog, a.Index, a.Providers.Embedder, log)

	if n, err := a.Index.Count(ctx); err == nil {
		a.Metrics.IndexSize(n)
	}
	log.Info("app: ready",
		"catalog", cfg.Catalog.Path,
		"index", cfg.Index.Backend,
		"dimension", cfg.Index.Dimension,
		"caption_backend", cfg.Caption.Backend,
		"embed_backend", cfg.Embed.Backend,
	)
	return a, nil
}

// OpenIndex opens the configured vector index backend.
func OpenIndex(ctx context.Context, cfg config.IndexConfig, log *slog.Logger) (semantic.Index, error) {
	switch cfg.Backend {
	case config.IndexLocal:
		return semantic.OpenLocal(ctx, cfg.Path, cfg.Dimension, log)
	case config.IndexQdrant:
		q, err := semantic.NewQdrant(cfg.QdrantAddr, cfg.Collection, cfg.Dimension, log)
		if err != nil {
			return nil, err
		}
		if err := q.EnsureCollection(ctx); err != nil {
			q.Close()
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("app: unknown index backend %q", cfg.Backend)
	}
}

// Planner builds a sync planner. Logger and Metrics are filled in from the
// App when opts leaves them unset.
func (a *App) Planner(opts reconcile.Options) *reconcile.Planner {
	if opts.Logger == nil {
		opts.Logger = a.Log
	}
	if opts.Metrics == nil {
		opts.Metrics = a.Metrics
	}
	return reconcile.New(a.Catalog, a.Index, a.Providers.Embedder, opts)
}

// Orchestrator builds a labeling orchestrator. syncer may be nil when the
// caller never sets Options.SyncAfter; notifier may be nil. Orchestrators
// built here share the App's lock set, so concurrent runs over the same
// images caption each (hash, prompt) once.
func (a *App) Orchestrator(syncer ingest.Syncer, notifier ingest.Notifier, opts ingest.Options) *ingest.Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = a.Config.Workers
	}
	return ingest.New(ingest.Deps{
		Catalog:   a.Catalog,
		Captioner: a.Providers.Captioner,
		Index:     a.Index,
		Syncer:    syncer,
		Notifier:  notifier,
		Metrics:   a.Metrics,
		Logger:    a.Log,
		Locks:     a.Labels,
	}, opts)
}

// Ping checks that both stores answer.
func (a *App) Ping(ctx context.Context) error {
	if err := a.Catalog.Ping(ctx); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if _, err := a.Index.Count(ctx); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	return nil
}

// Close releases both stores.
func (a *App) Close() error {
	var errs []error
	if a.Index != nil {
		errs = append(errs, a.Index.Close())
	}
	if a.Catalog != nil {
		errs = append(errs, a.Catalog.Close())
	}
	return errors.Join(errs...)
}
