// Package ingest labels image directories: every image is hashed, checked
// against the catalog, captioned by the collaborator when no caption exists
// for its (hash, prompt), and stored. Runs are re-entrant; repeating one does
// no collaborator calls for images already labeled.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/WessleyAI/captionstore/engine/content"
	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/engine/reconcile"
	"github.com/WessleyAI/captionstore/pkg/fn"
	"github.com/WessleyAI/captionstore/pkg/metrics"
)

// Catalog is the caption store the pipeline reads and writes.
type Catalog interface {
	HasCaption(ctx context.Context, hash, prompt string) (bool, error)
	InsertCaption(ctx context.Context, rec domain.ImageRecord) error
}

// Captioner describes an image.
type Captioner interface {
	Caption(ctx context.Context, image []byte, mimeType, prompt string) (string, error)
}

// Index is the lookup Status uses to tell embedded images apart.
type Index interface {
	Get(ctx context.Context, hash string) (domain.EmbeddingRecord, error)
}

// Syncer embeds captions the vector index is missing.
type Syncer interface {
	Sync(ctx context.Context) (reconcile.Report, error)
}

// Notifier is told about every caption stored.
type Notifier interface {
	CaptionStored(ctx context.Context, rec domain.ImageRecord) error
}

// Deps holds the external dependencies of the orchestrator.
type Deps struct {
	Catalog   Catalog
	Captioner Captioner
	Index     Index
	Syncer    Syncer
	Notifier  Notifier
	Metrics   *metrics.Pipeline
	Logger    *slog.Logger
	// Locks is shared by orchestrators that may label the same directory
	// at once. Nil gives the Orchestrator a private set.
	Locks *Locks
}

// Options tunes a run.
type Options struct {
	// Workers bounds concurrent images. Values below 1 mean 1.
	Workers int
	// SyncAfter runs the Syncer once labeling finishes.
	SyncAfter bool
	// OnDiscover is called with the number of images found.
	OnDiscover func(n int)
	// OnItem is called once per finished image, possibly concurrently.
	OnItem func(Item)
}

// --- Pipeline Stages ---

// Hash fills in the content hash and media type. An unreadable image halts
// with OutcomeFailed.
var Hash fn.Stage[Item, Item] = func(_ context.Context, it Item) fn.Result[Item] {
	h, err := content.HashFile(it.Path)
	if err != nil {
		it.Outcome, it.Err = OutcomeFailed, err
		return fn.Halt(it)
	}
	it.Hash = h
	it.MIME = content.MIMEType(it.Path)
	return fn.Ok(it)
}

// NewCheck creates the stage that halts images already labeled under the
// prompt. It runs before any collaborator call.
func NewCheck(c Catalog) fn.Stage[Item, Item] {
	return func(ctx context.Context, it Item) fn.Result[Item] {
		has, err := c.HasCaption(ctx, it.Hash, it.Prompt)
		if err != nil {
			return fn.Err[Item](fmt.Errorf("ingest: check %s: %w", it.Path, err))
		}
		if has {
			it.Outcome = OutcomeAlreadyLabeled
			return fn.Halt(it)
		}
		return fn.Ok(it)
	}
}

// NewCaption creates the stage that asks the collaborator for a caption. A
// failed call or an unusable caption halts with OutcomeSkipped.
func NewCaption(c Captioner) fn.Stage[Item, Item] {
	return func(ctx context.Context, it Item) fn.Result[Item] {
		img, err := os.ReadFile(it.Path)
		if err != nil {
			it.Outcome, it.Err = OutcomeFailed, err
			return fn.Halt(it)
		}
		text, err := c.Caption(ctx, img, it.MIME, it.Prompt)
		if err != nil {
			if ctx.Err() != nil {
				return fn.Err[Item](ctx.Err())
			}
			it.Outcome, it.Err = OutcomeSkipped, err
			return fn.Halt(it)
		}
		text = strings.TrimSpace(text)
		if err := domain.ValidateCaption(text); err != nil {
			it.Outcome, it.Err = OutcomeSkipped, err
			return fn.Halt(it)
		}
		it.Caption = text
		return fn.Ok(it)
	}
}

// NewStore creates the stage that persists the caption. Losing an insert
// race counts as already labeled; a store failure is returned as an error.
func NewStore(c Catalog) fn.Stage[Item, Item] {
	return func(ctx context.Context, it Item) fn.Result[Item] {
		err := c.InsertCaption(ctx, it.Record())
		switch {
		case err == nil:
			it.Outcome = OutcomeCaptioned
			return fn.Ok(it)
		case errors.Is(err, domain.ErrConstraintViolation):
			it.Outcome = OutcomeAlreadyLabeled
			return fn.Halt(it)
		case domain.IsValidation(err):
			it.Outcome, it.Err = OutcomeSkipped, err
			return fn.Halt(it)
		default:
			return fn.Err[Item](fmt.Errorf("ingest: store %s: %w", it.Path, err))
		}
	}
}

// Orchestrator runs the labeling pipeline over directories and reports the
// lifecycle state of individual images.
type Orchestrator struct {
	deps  Deps
	opts  Options
	log   *slog.Logger
	locks *Locks
	label fn.Stage[Item, Item]
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if deps.Locks == nil {
		deps.Locks = NewLocks()
	}
	o := &Orchestrator{
		deps:  deps,
		opts:  opts,
		log:   deps.Logger,
		locks: deps.Locks,
	}
	o.label = o.NewPipeline()
	return o
}

// NewPipeline composes Hash -> Check -> Caption -> Store. Everything after
// Hash runs under the (hash, prompt) lock, so two workers holding copies of
// the same image never both call the collaborator.
func (o *Orchestrator) NewPipeline() fn.Stage[Item, Item] {
	guarded := fn.Pipeline(
		fn.TracedStage("ingest.check", NewCheck(o.deps.Catalog)),
		fn.TracedStage("ingest.caption", NewCaption(o.deps.Captioner)),
		fn.TracedStage("ingest.store", NewStore(o.deps.Catalog)),
	)
	return fn.Pipeline(
		fn.TracedStage("ingest.hash", Hash),
		o.locked(guarded),
	)
}

func (o *Orchestrator) locked(stage fn.Stage[Item, Item]) fn.Stage[Item, Item] {
	return func(ctx context.Context, it Item) fn.Result[Item] {
		unlock := o.locks.lock(it.Key())
		defer unlock()
		return stage(ctx, it)
	}
}

// LabelFile runs one image through the pipeline. The returned error is
// reserved for store failures and cancellation; per-image problems are
// reported through Item.Outcome.
func (o *Orchestrator) LabelFile(ctx context.Context, path, prompt string) (Item, error) {
	it, err := o.label(ctx, Item{Path: path, Prompt: prompt}).Unwrap()
	if err != nil {
		return Item{Path: path, Prompt: prompt}, err
	}
	o.record(ctx, it)
	return it, nil
}

func (o *Orchestrator) record(ctx context.Context, it Item) {
	m := o.deps.Metrics
	switch it.Outcome {
	case OutcomeCaptioned:
		m.CaptionStored()
		o.log.Info("ingest: captioned", "hash", it.Hash, "path", it.Path)
		if o.deps.Notifier != nil {
			if err := o.deps.Notifier.CaptionStored(ctx, it.Record()); err != nil {
				o.log.Warn("ingest: notify failed", "hash", it.Hash, "err", err)
			}
		}
	case OutcomeAlreadyLabeled:
		m.CaptionExisting()
		o.log.Debug("ingest: already labeled", "hash", it.Hash, "path", it.Path)
	case OutcomeSkipped:
		m.CaptionSkipped()
		o.log.Warn("ingest: caption failed, skipping", "hash", it.Hash, "path", it.Path, "err", it.Err)
	case OutcomeFailed:
		m.CaptionSkipped()
		o.log.Warn("ingest: cannot read image", "path", it.Path, "err", it.Err)
	}
	if o.opts.OnItem != nil {
		o.opts.OnItem(it)
	}
}

// Run labels every image under root with prompt. A store failure or
// cancellation stops the run; the Summary still counts what finished.
func (o *Orchestrator) Run(ctx context.Context, root, prompt string) (Summary, error) {
	if strings.TrimSpace(prompt) == "" {
		return Summary{}, domain.NewValidationError("prompt", prompt, domain.ErrEmptyPrompt)
	}
	paths, err := content.Discover(root)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: run: %w", err)
	}
	sum := Summary{Discovered: len(paths)}
	if o.opts.OnDiscover != nil {
		o.opts.OnDiscover(len(paths))
	}
	o.log.Info("ingest: labeling", "root", root, "images", len(paths), "workers", o.opts.Workers)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	results := fn.ParMapResult(runCtx, paths, o.opts.Workers, func(ctx context.Context, p string) fn.Result[Item] {
		it, err := o.LabelFile(ctx, p, prompt)
		if err != nil {
			cancel(err)
			return fn.Err[Item](err)
		}
		return fn.Ok(it)
	})
	items, errs := fn.Partition(results)
	for _, it := range items {
		sum.add(it.Outcome)
	}
	if len(errs) > 0 {
		if cause := context.Cause(runCtx); cause != nil {
			return sum, cause
		}
		return sum, errs[0]
	}

	o.log.Info("ingest: labeling complete",
		"discovered", sum.Discovered, "captioned", sum.Captioned,
		"already_labeled", sum.AlreadyLabeled, "skipped", sum.Skipped, "failed", sum.Failed)

	if o.opts.SyncAfter && o.deps.Syncer != nil {
		rep, err := o.deps.Syncer.Sync(ctx)
		sum.Sync = &rep
		if err != nil {
			return sum, fmt.Errorf("ingest: sync: %w", err)
		}
	}
	return sum, nil
}

// Status reports where an image stands for prompt: unseen, captioned but
// not yet indexed, or embedded. The index is keyed by hash alone, so an
// image embedded from another prompt's caption reports embedded.
func (o *Orchestrator) Status(ctx context.Context, hash, prompt string) (domain.State, error) {
	if err := domain.ValidateHash(hash); err != nil {
		return domain.StateUnseen, err
	}
	has, err := o.deps.Catalog.HasCaption(ctx, hash, prompt)
	if err != nil {
		return domain.StateUnseen, fmt.Errorf("ingest: status: %w", err)
	}
	if !has {
		return domain.StateUnseen, nil
	}
	if o.deps.Index == nil {
		return domain.StateCaptionedNoEmbedding, nil
	}
	_, err = o.deps.Index.Get(ctx, hash)
	switch {
	case err == nil:
		return domain.StateEmbedded, nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.StateCaptionedNoEmbedding, nil
	default:
		return domain.StateUnseen, fmt.Errorf("ingest: status: %w", err)
	}
}
