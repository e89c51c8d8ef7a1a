// Package semantic is the vector index: one embedding per content hash,
// searchable by squared Euclidean distance. Two backends implement Index:
// Qdrant over gRPC and an embedded sqlite file for single-host use.
package semantic

import (
	"context"
	"sort"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/google/uuid"
)

// Index is the vector index contract shared by every backend.
type Index interface {
	// Dimension is the configured embedding length.
	Dimension() int
	// Insert stores rec. It fails with domain.ErrDimensionMismatch on a
	// wrong-length embedding and domain.ErrDuplicateKey if the hash exists.
	Insert(ctx context.Context, rec domain.EmbeddingRecord) error
	// Get returns the record for hash, embedding included.
	Get(ctx context.Context, hash string) (domain.EmbeddingRecord, error)
	// UpdateCaption rewrites the caption of an existing record and keeps its
	// embedding and path.
	UpdateCaption(ctx context.Context, hash, caption string) error
	Delete(ctx context.Context, hash string) error
	DeleteAll(ctx context.Context) error
	// Search returns at most limit hits in non-decreasing distance order.
	Search(ctx context.Context, query []float32, limit int) ([]domain.Hit, error)
	// AllHashes enumerates every key. An empty index yields an empty set.
	AllHashes(ctx context.Context) (map[string]struct{}, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// pointNamespace scopes the UUIDs derived from content hashes.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("captionstore/content-hash"))

// PointID maps a content hash to its deterministic point UUID.
func PointID(hash string) string {
	return uuid.NewSHA1(pointNamespace, []byte(hash)).String()
}

// SquaredL2 returns the squared Euclidean distance between equal-length
// vectors.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// sortHits orders hits by distance, breaking ties by hash, and caps at limit.
func sortHits(hits []domain.Hit, limit int) []domain.Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ContentHash < hits[j].ContentHash
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
