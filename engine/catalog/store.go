// Package catalog is the relational caption store. It persists one caption
// per (content hash, prompt) in sqlite and never overwrites an existing row.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// Store is the sole owner of the captions table.
type Store struct {
	mu  sync.Mutex // serializes writers
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// Open opens (or creates) the catalog at path and brings its schema up to
// date. path may be ":memory:".
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping %s: %w", path, err)
	}
	if err := schema.Apply(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate %s: %w", path, err)
	}
	logger.Debug("catalog: opened", "path", path)
	return &Store{db: db, log: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertCaption writes rec if no caption exists for (hash, prompt). An
// existing row is left untouched and domain.ErrConstraintViolation is
// returned.
func (s *Store) InsertCaption(ctx context.Context, rec domain.ImageRecord) error {
	if err := domain.ValidateImageRecord(rec); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO captions (content_hash, source_path, prompt, caption, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ContentHash, rec.SourcePath, rec.Prompt, rec.Caption, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("catalog: insert %s: %w", rec.ContentHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: insert %s: %w", rec.ContentHash, err)
	}
	if n == 0 {
		return fmt.Errorf("catalog: insert %s: %w", rec.Key(), domain.ErrConstraintViolation)
	}
	return nil
}

// HasCaption reports whether a caption exists for (hash, prompt).
func (s *Store) HasCaption(ctx context.Context, hash, prompt string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM captions WHERE content_hash=$1 AND prompt=$2`, hash, prompt).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("catalog: has caption %s: %w", hash, err)
	}
	return true, nil
}

// Caption returns the caption stored for (hash, prompt).
func (s *Store) Caption(ctx context.Context, hash, prompt string) (domain.ImageRecord, error) {
	recs, err := s.query(ctx, "caption",
		selectCols+` WHERE content_hash=$1 AND prompt=$2`, hash, prompt)
	if err != nil {
		return domain.ImageRecord{}, err
	}
	if len(recs) == 0 {
		return domain.ImageRecord{}, fmt.Errorf("catalog: caption %s: %w",
			domain.CaptionKey{Hash: hash, Prompt: prompt}, domain.ErrNotFound)
	}
	return recs[0], nil
}

// CaptionsNotIn returns every row whose hash is not in hashes, oldest first.
// An empty or nil set returns all rows.
func (s *Store) CaptionsNotIn(ctx context.Context, hashes map[string]struct{}) ([]domain.ImageRecord, error) {
	if len(hashes) == 0 {
		return s.AllRecords(ctx)
	}
	keys := make([]string, 0, len(hashes))
	for h := range hashes {
		keys = append(keys, h)
	}
	sort.Strings(keys)
	arr, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("catalog: captions not in: %w", err)
	}
	return s.query(ctx, "captions not in",
		selectCols+` WHERE content_hash NOT IN (SELECT value FROM json_each($1))`+orderBy, string(arr))
}

// AllRecords returns every row, oldest first.
func (s *Store) AllRecords(ctx context.Context) ([]domain.ImageRecord, error) {
	return s.query(ctx, "all records", selectCols+orderBy)
}

// ByHash returns every caption stored for an image.
func (s *Store) ByHash(ctx context.Context, hash string) ([]domain.ImageRecord, error) {
	return s.query(ctx, "by hash", selectCols+` WHERE content_hash=$1`+orderBy, hash)
}

// ByPath returns every caption recorded under a source path.
func (s *Store) ByPath(ctx context.Context, path string) ([]domain.ImageRecord, error) {
	return s.query(ctx, "by path", selectCols+` WHERE source_path=$1`+orderBy, path)
}

// ForPrompt returns every caption produced with prompt.
func (s *Store) ForPrompt(ctx context.Context, prompt string) ([]domain.ImageRecord, error) {
	return s.query(ctx, "for prompt", selectCols+` WHERE prompt=$1`+orderBy, prompt)
}

// Prompts lists the distinct prompts in the catalog.
func (s *Store) Prompts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT prompt FROM captions ORDER BY prompt`)
	if err != nil {
		return nil, fmt.Errorf("catalog: prompts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("catalog: prompts: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Count returns the number of caption rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: count: %w", err)
	}
	return n, nil
}

// Reset deletes every row. Callers must have obtained operator confirmation.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM captions`)
	if err != nil {
		return fmt.Errorf("catalog: reset: %w", err)
	}
	n, _ := res.RowsAffected()
	s.log.Info("catalog: reset", "deleted", n)
	return nil
}

const (
	selectCols = `SELECT content_hash, source_path, prompt, caption, created_at FROM captions`
	orderBy    = ` ORDER BY created_at, content_hash, prompt`
)

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]domain.ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.ImageRecord
	for rows.Next() {
		var r domain.ImageRecord
		if err := rows.Scan(&r.ContentHash, &r.SourcePath, &r.Prompt, &r.Caption, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("catalog: %s: scan: %w", op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", op, err)
	}
	return out, nil
}
