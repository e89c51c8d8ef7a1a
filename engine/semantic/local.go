package semantic

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed local_schema.sql
var localSchemaSQL string

var localSchema = &squibble.Schema{
	Current: localSchemaSQL,
}

// LocalIndex is an exact-search index stored in a sqlite file. Vectors are
// big-endian float32 BLOBs; search is a full scan with a bounded heap.
type LocalIndex struct {
	mu  sync.Mutex
	db  *sql.DB
	dim int
	log *slog.Logger
}

// OpenLocal opens (or creates) a local index at path. It refuses to open a
// file holding vectors of another dimension.
func OpenLocal(ctx context.Context, path string, dim int, logger *slog.Logger) (*LocalIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dim <= 0 {
		return nil, fmt.Errorf("semantic: open local: dimension %d must be positive", dim)
	}
	db, err := sql.Open("sqlite", path+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("semantic: open local %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("semantic: ping local %s: %w", path, err)
	}
	if err := localSchema.Apply(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("semantic: migrate local %s: %w", path, err)
	}

	var stored sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT dim FROM embeddings WHERE dim != $1 LIMIT 1`, dim).Scan(&stored); err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("semantic: open local %s: %w", path, err)
	}
	if stored.Valid {
		db.Close()
		return nil, fmt.Errorf("semantic: open local %s: %w", path,
			&domain.DimensionError{Want: dim, Got: int(stored.Int64)})
	}
	return &LocalIndex{db: db, dim: dim, log: logger}, nil
}

// Close closes the database.
func (l *LocalIndex) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// Dimension implements Index.
func (l *LocalIndex) Dimension() int { return l.dim }

// Insert implements Index.
func (l *LocalIndex) Insert(ctx context.Context, rec domain.EmbeddingRecord) error {
	if err := domain.ValidateEmbeddingRecord(rec, l.dim); err != nil {
		return fmt.Errorf("semantic: insert %s: %w", rec.ContentHash, err)
	}
	blob, err := encodeVector(rec.Embedding)
	if err != nil {
		return fmt.Errorf("semantic: insert %s: %w", rec.ContentHash, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO embeddings (content_hash, source_path, caption, dim, vector, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ContentHash, rec.SourcePath, rec.Caption, len(rec.Embedding), blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("semantic: insert %s: %w", rec.ContentHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("semantic: insert %s: %w", rec.ContentHash, err)
	}
	if n == 0 {
		return fmt.Errorf("semantic: insert %s: %w", rec.ContentHash, domain.ErrDuplicateKey)
	}
	return nil
}

// Get implements Index.
func (l *LocalIndex) Get(ctx context.Context, hash string) (domain.EmbeddingRecord, error) {
	var (
		rec  domain.EmbeddingRecord
		blob []byte
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT content_hash, source_path, caption, vector FROM embeddings WHERE content_hash=$1`, hash).
		Scan(&rec.ContentHash, &rec.SourcePath, &rec.Caption, &blob)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("semantic: get %s: %w", hash, domain.ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("semantic: get %s: %w", hash, err)
	}
	if rec.Embedding, err = decodeVector(blob); err != nil {
		return rec, fmt.Errorf("semantic: get %s: %w", hash, err)
	}
	return rec, nil
}

// UpdateCaption implements Index.
func (l *LocalIndex) UpdateCaption(ctx context.Context, hash, caption string) error {
	if err := domain.ValidateCaption(caption); err != nil {
		return fmt.Errorf("semantic: update %s: %w", hash, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.ExecContext(ctx, `UPDATE embeddings SET caption=$1 WHERE content_hash=$2`, caption, hash)
	if err != nil {
		return fmt.Errorf("semantic: update %s: %w", hash, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("semantic: update %s: %w", hash, domain.ErrNotFound)
	}
	return nil
}

// Delete implements Index. Deleting an absent hash is not an error.
func (l *LocalIndex) Delete(ctx context.Context, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.db.ExecContext(ctx, `DELETE FROM embeddings WHERE content_hash=$1`, hash); err != nil {
		return fmt.Errorf("semantic: delete %s: %w", hash, err)
	}
	return nil
}

// DeleteAll implements Index.
func (l *LocalIndex) DeleteAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.ExecContext(ctx, `DELETE FROM embeddings`)
	if err != nil {
		return fmt.Errorf("semantic: delete all: %w", err)
	}
	n, _ := res.RowsAffected()
	l.log.Info("semantic: local index cleared", "deleted", n)
	return nil
}

// Search implements Index with an exact scan.
func (l *LocalIndex) Search(ctx context.Context, query []float32, limit int) ([]domain.Hit, error) {
	if len(query) != l.dim {
		return nil, fmt.Errorf("semantic: search: %w", &domain.DimensionError{Want: l.dim, Got: len(query)})
	}
	if limit <= 0 {
		return []domain.Hit{}, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT content_hash, source_path, caption, vector FROM embeddings WHERE dim=$1`, l.dim)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}
	defer rows.Close()

	best := newTopK(limit)
	for rows.Next() {
		var (
			h    domain.Hit
			blob []byte
		)
		if err := rows.Scan(&h.ContentHash, &h.SourcePath, &h.Caption, &blob); err != nil {
			return nil, fmt.Errorf("semantic: search: scan: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil || len(vec) != l.dim {
			l.log.Warn("semantic: skipping malformed vector", "hash", h.ContentHash, "err", err)
			continue
		}
		h.Distance = SquaredL2(query, vec)
		best.offer(h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}
	return best.sorted(), nil
}

// AllHashes implements Index.
func (l *LocalIndex) AllHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT content_hash FROM embeddings`)
	if err != nil {
		return nil, fmt.Errorf("semantic: all hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("semantic: all hashes: %w", err)
		}
		out[h] = struct{}{}
	}
	return out, rows.Err()
}

// Count implements Index.
func (l *LocalIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return n, nil
}

func encodeVector(v []float32) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Grow(len(v) * 4)
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes is not float32 aligned", len(b))
	}
	v := make([]float32, len(b)/4)
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}
