package semantic

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/captionstore/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// scrollPage is the page size used when enumerating the collection.
const scrollPage = 256

// PointsAPI is the subset of pb.PointsClient used by QdrantIndex.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// CollectionsAPI is the subset of pb.CollectionsClient used by QdrantIndex.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantIndex is the sole owner of all Qdrant operations.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	collection  string
	dim         int
	log         *slog.Logger
}

// NewQdrant connects to Qdrant at the given gRPC address. Call
// EnsureCollection before use.
func NewQdrant(addr, collection string, dim int, logger *slog.Logger) (*QdrantIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	q := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dim, logger)
	q.conn = conn
	return q, nil
}

// NewWithClients builds a QdrantIndex over existing clients.
func NewWithClients(points PointsAPI, collections CollectionsAPI, collection string, dim int, logger *slog.Logger) *QdrantIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &QdrantIndex{
		points:      points,
		collections: collections,
		collection:  collection,
		dim:         dim,
		log:         logger,
	}
}

// Close closes the underlying gRPC connection, if any.
func (q *QdrantIndex) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// Dimension implements Index.
func (q *QdrantIndex) Dimension() int { return q.dim }

// EnsureCollection creates the collection with a Euclid metric if it doesn't
// exist.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dim),
					Distance: pb.Distance_Euclid,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", q.collection, err)
	}
	q.log.Info("semantic: created collection", "collection", q.collection, "dim", q.dim)
	return nil
}

// Insert implements Index.
func (q *QdrantIndex) Insert(ctx context.Context, rec domain.EmbeddingRecord) error {
	if err := domain.ValidateEmbeddingRecord(rec, q.dim); err != nil {
		return fmt.Errorf("semantic: insert %s: %w", rec.ContentHash, err)
	}
	exists, err := q.exists(ctx, rec.ContentHash)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("semantic: insert %s: %w", rec.ContentHash, domain.ErrDuplicateKey)
	}
	return q.upsert(ctx, rec)
}

// Get implements Index.
func (q *QdrantIndex) Get(ctx context.Context, hash string) (domain.EmbeddingRecord, error) {
	resp, err := q.points.Get(ctx, &pb.GetPoints{
		CollectionName: q.collection,
		Ids:            []*pb.PointId{pointID(hash)},
		WithPayload:    withPayload,
		WithVectors:    withVectors,
	})
	if err != nil {
		return domain.EmbeddingRecord{}, fmt.Errorf("semantic: get %s: %w", hash, err)
	}
	if len(resp.GetResult()) == 0 {
		return domain.EmbeddingRecord{}, fmt.Errorf("semantic: get %s: %w", hash, domain.ErrNotFound)
	}
	return recordOf(resp.GetResult()[0]), nil
}

// UpdateCaption implements Index. The stored vector is written back
// unchanged.
func (q *QdrantIndex) UpdateCaption(ctx context.Context, hash, caption string) error {
	if err := domain.ValidateCaption(caption); err != nil {
		return fmt.Errorf("semantic: update %s: %w", hash, err)
	}
	rec, err := q.Get(ctx, hash)
	if err != nil {
		return err
	}
	rec.Caption = caption
	if err := domain.ValidateEmbedding(rec.Embedding, q.dim); err != nil {
		return fmt.Errorf("semantic: update %s: stored vector: %w", hash, err)
	}
	return q.upsert(ctx, rec)
}

// Delete implements Index. Deleting an absent hash is not an error.
func (q *QdrantIndex) Delete(ctx context.Context, hash string) error {
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID(hash)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete %s: %w", hash, err)
	}
	return nil
}

// DeleteAll drops and recreates the collection.
func (q *QdrantIndex) DeleteAll(ctx context.Context) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", q.collection, err)
	}
	return q.EnsureCollection(ctx)
}

// Search implements Index. Qdrant's Euclid score is a plain distance and is
// squared here.
func (q *QdrantIndex) Search(ctx context.Context, query []float32, limit int) ([]domain.Hit, error) {
	if len(query) != q.dim {
		return nil, fmt.Errorf("semantic: search: %w", &domain.DimensionError{Want: q.dim, Got: len(query)})
	}
	if limit <= 0 {
		return []domain.Hit{}, nil
	}
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         query,
		Limit:          uint64(limit),
		WithPayload:    withPayload,
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}
	hits := make([]domain.Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		hits[i] = hitOf(r)
	}
	return sortHits(hits, limit), nil
}

// AllHashes implements Index by scrolling the whole collection.
func (q *QdrantIndex) AllHashes(ctx context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	limit := uint32(scrollPage)
	var offset *pb.PointId
	for {
		resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: q.collection,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    withPayload,
			WithVectors:    noVectors,
		})
		if err != nil {
			return nil, fmt.Errorf("semantic: scroll: %w", err)
		}
		for _, p := range resp.GetResult() {
			if h := p.GetPayload()[keyHash].GetStringValue(); h != "" {
				out[h] = struct{}{}
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil || len(resp.GetResult()) == 0 {
			return out, nil
		}
	}
}

// Count implements Index.
func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{CollectionName: q.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

func (q *QdrantIndex) exists(ctx context.Context, hash string) (bool, error) {
	resp, err := q.points.Get(ctx, &pb.GetPoints{
		CollectionName: q.collection,
		Ids:            []*pb.PointId{pointID(hash)},
		WithVectors:    noVectors,
	})
	if err != nil {
		return false, fmt.Errorf("semantic: lookup %s: %w", hash, err)
	}
	return len(resp.GetResult()) > 0, nil
}

func (q *QdrantIndex) upsert(ctx context.Context, rec domain.EmbeddingRecord) error {
	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         []*pb.PointStruct{pointOf(rec)},
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %s: %w", rec.ContentHash, err)
	}
	return nil
}
