// Package reconcile brings the vector index up to date with the caption
// catalog. A sync only adds: it embeds catalog rows whose hash the index
// lacks and never deletes or rewrites existing points.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/pkg/fn"
	"github.com/WessleyAI/captionstore/pkg/metrics"
)

// Catalog is the part of the caption store the planner reads.
type Catalog interface {
	CaptionsNotIn(ctx context.Context, hashes map[string]struct{}) ([]domain.ImageRecord, error)
}

// Index is the part of the vector index the planner writes.
type Index interface {
	Dimension() int
	Insert(ctx context.Context, rec domain.EmbeddingRecord) error
	AllHashes(ctx context.Context) (map[string]struct{}, error)
	Count(ctx context.Context) (int, error)
}

// Embedder turns a caption into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Outcome is what happened to one planned record.
type Outcome int

const (
	OutcomeEmbedded Outcome = iota
	OutcomeSkipped
	OutcomeAlreadyIndexed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmbedded:
		return "embedded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeAlreadyIndexed:
		return "already_indexed"
	default:
		return "unknown"
	}
}

// Report summarizes one sync run.
type Report struct {
	Planned        int `json:"planned"`
	Embedded       int `json:"embedded"`
	Skipped        int `json:"skipped"`
	AlreadyIndexed int `json:"already_indexed"`
}

// Options configures a Planner.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Pipeline
	// OnRecord, if set, is called once per planned record after it is handled.
	OnRecord func(rec domain.EmbeddingRecord, o Outcome)
	// OnPlan, if set, is called with the plan size before embedding starts.
	OnPlan func(n int)
}

// Planner computes and applies the catalog-to-index difference.
type Planner struct {
	catalog  Catalog
	index    Index
	embedder Embedder
	opts     Options
	log      *slog.Logger
}

// New creates a Planner.
func New(catalog Catalog, index Index, embedder Embedder, opts Options) *Planner {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Planner{catalog: catalog, index: index, embedder: embedder, opts: opts, log: log}
}

// Plan returns the records the index is missing, one per content hash.
// When an image carries captions under several prompts, the first one
// stored is the one embedded.
func (p *Planner) Plan(ctx context.Context) ([]domain.EmbeddingRecord, error) {
	have, err := p.index.AllHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: plan: %w", err)
	}
	rows, err := p.catalog.CaptionsNotIn(ctx, have)
	if err != nil {
		return nil, fmt.Errorf("reconcile: plan: %w", err)
	}
	first := fn.UniqueBy(rows, func(r domain.ImageRecord) string { return r.ContentHash })
	return fn.Map(first, func(r domain.ImageRecord) domain.EmbeddingRecord {
		return domain.EmbeddingRecord{ContentHash: r.ContentHash, SourcePath: r.SourcePath, Caption: r.Caption}
	}), nil
}

// Sync embeds and inserts every planned record. Records the embedder
// cannot serve, or that fail validation, are logged and skipped. A store
// failure ends the run with the counts so far.
func (p *Planner) Sync(ctx context.Context) (Report, error) {
	plan, err := p.Plan(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Planned: len(plan)}
	if p.opts.OnPlan != nil {
		p.opts.OnPlan(len(plan))
	}
	if len(plan) == 0 {
		p.log.Info("reconcile: index is up to date")
		return rep, nil
	}
	p.log.Info("reconcile: syncing", "planned", len(plan))

	for _, rec := range plan {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		o, err := p.apply(ctx, rec)
		if err != nil {
			return rep, err
		}
		switch o {
		case OutcomeEmbedded:
			rep.Embedded++
			p.opts.Metrics.EmbeddingInserted()
		case OutcomeSkipped:
			rep.Skipped++
			p.opts.Metrics.EmbeddingSkipped()
		case OutcomeAlreadyIndexed:
			rep.AlreadyIndexed++
		}
		if p.opts.OnRecord != nil {
			p.opts.OnRecord(rec, o)
		}
	}

	if n, err := p.index.Count(ctx); err == nil {
		p.opts.Metrics.IndexSize(n)
	}
	p.log.Info("reconcile: sync complete",
		"planned", rep.Planned, "embedded", rep.Embedded,
		"skipped", rep.Skipped, "already_indexed", rep.AlreadyIndexed)
	return rep, nil
}

func (p *Planner) apply(ctx context.Context, rec domain.EmbeddingRecord) (Outcome, error) {
	vec, err := p.embedder.Embed(ctx, rec.Caption)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeSkipped, ctx.Err()
		}
		p.log.Warn("reconcile: embedding failed, skipping",
			"hash", rec.ContentHash, "path", rec.SourcePath, "err", err)
		return OutcomeSkipped, nil
	}
	if vec == nil {
		p.log.Warn("reconcile: no embedding returned, skipping",
			"hash", rec.ContentHash, "path", rec.SourcePath)
		return OutcomeSkipped, nil
	}

	rec.Embedding = vec
	err = p.index.Insert(ctx, rec)
	switch {
	case err == nil:
		return OutcomeEmbedded, nil
	case errors.Is(err, domain.ErrDuplicateKey):
		return OutcomeAlreadyIndexed, nil
	case domain.IsValidation(err):
		p.log.Warn("reconcile: invalid record, skipping",
			"hash", rec.ContentHash, "path", rec.SourcePath, "err", err)
		return OutcomeSkipped, nil
	default:
		return OutcomeSkipped, fmt.Errorf("reconcile: insert %s: %w", rec.ContentHash, err)
	}
}
