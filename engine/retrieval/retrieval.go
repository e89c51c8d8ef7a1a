// Package retrieval answers nearest-neighbor queries over the vector index:
// free-text queries are embedded first, indexed images are searched by
// their stored vector.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/pkg/fn"
)

// Index is the read side of the vector index.
type Index interface {
	Get(ctx context.Context, hash string) (domain.EmbeddingRecord, error)
	Search(ctx context.Context, query []float32, limit int) ([]domain.Hit, error)
}

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options configures the Service.
type Options struct {
	DefaultLimit  int
	MaxLimit      int
	SearchTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DefaultLimit:  10,
		MaxLimit:      100,
		SearchTimeout: 10 * time.Second,
	}
}

// Service runs retrieval queries.
type Service struct {
	index    Index
	embedder Embedder
	opts     Options
	logger   *slog.Logger
}

// New creates a Service. Zero option fields take their defaults.
func New(index Index, embedder Embedder, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = def.DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = def.MaxLimit
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = def.SearchTimeout
	}
	return &Service{index: index, embedder: embedder, opts: opts, logger: logger}
}

// Result is a ranked answer to a query, closest first.
type Result struct {
	Query string       `json:"query,omitempty"`
	Hash  string       `json:"content_hash,omitempty"`
	Hits  []domain.Hit `json:"hits"`
}

func (s *Service) limit(n int) int {
	if n <= 0 {
		return s.opts.DefaultLimit
	}
	return min(n, s.opts.MaxLimit)
}

func (s *Service) search(ctx context.Context, vec []float32, limit int) ([]domain.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()
	return s.index.Search(ctx, vec, limit)
}

// Query embeds text and returns its nearest indexed captions.
func (s *Service) Query(ctx context.Context, text string, limit int) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.NewValidationError("query", text, domain.ErrEmptyCaption)
	}
	limit = s.limit(limit)
	s.logger.Info("retrieval: query", "query_len", len(text), "limit", limit)

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	hits, err := s.search(ctx, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}
	return &Result{Query: text, Hits: hits}, nil
}

// Similar returns the nearest neighbors of an indexed image, excluding the
// image itself.
func (s *Service) Similar(ctx context.Context, hash string, limit int) (*Result, error) {
	if err := domain.ValidateHash(hash); err != nil {
		return nil, err
	}
	rec, err := s.index.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("retrieval: similar %s: %w", hash, err)
	}
	limit = s.limit(limit)
	hits, err := s.search(ctx, rec.Embedding, limit+1)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}
	hits = fn.Filter(hits, func(h domain.Hit) bool { return h.ContentHash != hash })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return &Result{Hash: hash, Hits: hits}, nil
}
