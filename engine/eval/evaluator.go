package eval

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/pkg/fn"
	"golang.org/x/sync/errgroup"
)

// Catalog is the read side of the caption store used for scoring.
type Catalog interface {
	ForPrompt(ctx context.Context, prompt string) ([]domain.ImageRecord, error)
}

// Searcher finds the nearest indexed records to a vector.
type Searcher interface {
	Search(ctx context.Context, query []float32, limit int) ([]domain.Hit, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// References maps an image file's base name to its reference captions.
type References map[string][]string

// For returns the references for a source path.
func (r References) For(path string) []string {
	return r[filepath.Base(path)]
}

// CaptionScore is the evaluation of one stored caption against its
// references.
type CaptionScore struct {
	Image       string  `json:"image"`
	ContentHash string  `json:"content_hash"`
	Caption     string  `json:"caption"`
	Similarity  Stats   `json:"similarity"`
	PRF         PRF     `json:"prf"`
	AP          float64 `json:"average_precision"`
	BLEU4       float64 `json:"bleu_4"`
}

// Evaluator scores stored captions using the embedder and the index.
type Evaluator struct {
	catalog  Catalog
	index    Searcher
	embedder Embedder
	log      *slog.Logger

	mu    sync.Mutex
	cache map[string][]float32
}

// NewEvaluator creates an Evaluator. Embeddings are cached by text for the
// Evaluator's lifetime, so references shared across prompts are embedded
// once.
func NewEvaluator(catalog Catalog, index Searcher, embedder Embedder, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		catalog:  catalog,
		index:    index,
		embedder: embedder,
		log:      logger,
		cache:    make(map[string][]float32),
	}
}

func (e *Evaluator) embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	v, ok := e.cache[text]
	e.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[text] = v
	e.mu.Unlock()
	return v, nil
}

// CaptionVsReferences scores every caption stored under prompt whose image
// has references. Images whose caption cannot be embedded are skipped.
// It returns domain.ErrNoResults when nothing was scored.
func (e *Evaluator) CaptionVsReferences(ctx context.Context, prompt string, refs References) ([]CaptionScore, error) {
	recs, err := e.catalog.ForPrompt(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("eval: caption vs references: %w", err)
	}
	recs = fn.Filter(recs, func(r domain.ImageRecord) bool { return len(refs.For(r.SourcePath)) > 0 })

	var out []CaptionScore
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		score, err := e.scoreCaption(ctx, rec, refs.For(rec.SourcePath))
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			e.log.Warn("eval: cannot score caption, skipping",
				"hash", rec.ContentHash, "path", rec.SourcePath, "err", err)
			continue
		}
		out = append(out, score)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("eval: prompt %q: %w", prompt, domain.ErrNoResults)
	}
	return out, nil
}

func (e *Evaluator) scoreCaption(ctx context.Context, rec domain.ImageRecord, refs []string) (CaptionScore, error) {
	capVec, err := e.embed(ctx, rec.Caption)
	if err != nil {
		return CaptionScore{}, err
	}
	sims := make([]float64, 0, len(refs))
	for _, ref := range refs {
		// An unembeddable reference scores 0, as an absent vector would.
		refVec, err := e.embed(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return CaptionScore{}, ctx.Err()
			}
			e.log.Warn("eval: reference embedding failed", "path", rec.SourcePath, "err", err)
		}
		sims = append(sims, Cosine(capVec, refVec))
	}
	return CaptionScore{
		Image:       filepath.Base(rec.SourcePath),
		ContentHash: rec.ContentHash,
		Caption:     rec.Caption,
		Similarity:  Summarize(sims),
		PRF:         PrecisionRecallF1(rec.Caption, refs),
		AP:          AveragePrecision(rec.Caption, refs),
		BLEU4:       BLEU(rec.Caption, refs, 4),
	}, nil
}

// PromptSummary aggregates one prompt's CaptionScores.
type PromptSummary struct {
	Prompt    string  `json:"prompt"`
	Images    int     `json:"images"`
	AvgMaxSim float64 `json:"average_max_similarity"`
	AvgAvgSim float64 `json:"average_avg_similarity"`
	MeanAP    float64 `json:"mean_average_precision"`
	AvgF1     float64 `json:"average_f1"`
	AvgBLEU4  float64 `json:"average_bleu_4"`
}

// Summary aggregates scores for prompt.
func Summary(prompt string, scores []CaptionScore) PromptSummary {
	s := PromptSummary{Prompt: prompt, Images: len(scores)}
	if len(scores) == 0 {
		return s
	}
	s.AvgMaxSim = mean(scores, func(c CaptionScore) float64 { return c.Similarity.Max })
	s.AvgAvgSim = mean(scores, func(c CaptionScore) float64 { return c.Similarity.Mean })
	s.MeanAP = mean(scores, func(c CaptionScore) float64 { return c.AP })
	s.AvgF1 = mean(scores, func(c CaptionScore) float64 { return c.PRF.F1 })
	s.AvgBLEU4 = mean(scores, func(c CaptionScore) float64 { return c.BLEU4 })
	return s
}

// CompareSources scores, for every image captioned under both prompts, how
// similar the two captions are and how many of their top-n index neighbors
// they share. SubjectID is the content hash.
func (e *Evaluator) CompareSources(ctx context.Context, promptA, promptB string, n int) ([]domain.PairwiseScore, error) {
	recsA, err := e.catalog.ForPrompt(ctx, promptA)
	if err != nil {
		return nil, fmt.Errorf("eval: compare: %w", err)
	}
	recsB, err := e.catalog.ForPrompt(ctx, promptB)
	if err != nil {
		return nil, fmt.Errorf("eval: compare: %w", err)
	}
	byHash := make(map[string]domain.ImageRecord, len(recsB))
	for _, r := range recsB {
		byHash[r.ContentHash] = r
	}

	var out []domain.PairwiseScore
	for _, a := range recsA {
		b, ok := byHash[a.ContentHash]
		if !ok {
			continue
		}
		score, err := e.comparePair(ctx, a, b, n)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			e.log.Warn("eval: cannot compare captions, skipping",
				"hash", a.ContentHash, "path", a.SourcePath, "err", err)
			continue
		}
		out = append(out, score)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("eval: compare %q and %q: %w", promptA, promptB, domain.ErrNoResults)
	}
	return out, nil
}

type neighborhood struct {
	vec  []float32
	keys []string
}

func (e *Evaluator) comparePair(ctx context.Context, a, b domain.ImageRecord, n int) (domain.PairwiseScore, error) {
	var na, nb neighborhood
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		na, err = e.neighbors(gctx, a.Caption, n)
		return err
	})
	g.Go(func() (err error) {
		nb, err = e.neighbors(gctx, b.Caption, n)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.PairwiseScore{}, err
	}
	return domain.PairwiseScore{
		SubjectID:   a.ContentHash,
		Similarity:  Cosine(na.vec, nb.vec),
		RankOverlap: TopNOverlap(na.keys, nb.keys, n),
	}, nil
}

func (e *Evaluator) neighbors(ctx context.Context, caption string, n int) (neighborhood, error) {
	vec, err := e.embed(ctx, caption)
	if err != nil {
		return neighborhood{}, err
	}
	hits, err := e.index.Search(ctx, vec, n)
	if err != nil {
		return neighborhood{}, err
	}
	return neighborhood{
		vec:  vec,
		keys: fn.Map(hits, func(h domain.Hit) string { return h.ContentHash }),
	}, nil
}

// TextScore is the embedding-free evaluation of one generated caption.
type TextScore struct {
	Image   string     `json:"image"`
	Caption string     `json:"caption"`
	BLEU    [4]float64 `json:"bleu"`
	PRF     PRF        `json:"prf"`
	AP      float64    `json:"average_precision"`
}

// ScoreTexts scores generated captions, keyed by image file name, against
// refs using token and n-gram metrics only. An image without references
// scores 0 on every metric and still counts toward the averages. Results
// are ordered by image name.
func ScoreTexts(generated map[string]string, refs References) []TextScore {
	var out []TextScore
	for _, name := range sortedKeys(generated) {
		r := refs[name]
		c := generated[name]
		ts := TextScore{Image: name, Caption: c}
		if len(r) == 0 {
			out = append(out, ts)
			continue
		}
		ts.PRF = PrecisionRecallF1(c, r)
		ts.AP = AveragePrecision(c, r)
		for n := 1; n <= 4; n++ {
			ts.BLEU[n-1] = BLEU(c, r, n)
		}
		out = append(out, ts)
	}
	return out
}
