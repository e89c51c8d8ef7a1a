// Package admin holds the destructive and corrective operations on the two
// stores: full reset and single-record edits of the vector index.
package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/captionstore/engine/domain"
)

// Catalog is the caption store as seen by admin operations.
type Catalog interface {
	Reset(ctx context.Context) error
}

// Index is the vector index as seen by admin operations.
type Index interface {
	UpdateCaption(ctx context.Context, hash, caption string) error
	Delete(ctx context.Context, hash string) error
	DeleteAll(ctx context.Context) error
}

// Admin performs store maintenance.
type Admin struct {
	catalog Catalog
	index   Index
	log     *slog.Logger
}

// New creates an Admin.
func New(catalog Catalog, index Index, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{catalog: catalog, index: index, log: logger}
}

// Reset empties the vector index and then the catalog. confirm must be
// exactly domain.ResetConfirmation; anything else leaves both stores
// untouched and returns domain.ErrResetNotConfirmed.
func (a *Admin) Reset(ctx context.Context, confirm string) error {
	if confirm != domain.ResetConfirmation {
		a.log.Info("admin: reset cancelled")
		return domain.ErrResetNotConfirmed
	}
	if err := a.index.DeleteAll(ctx); err != nil {
		return fmt.Errorf("admin: reset index: %w", err)
	}
	if err := a.catalog.Reset(ctx); err != nil {
		return fmt.Errorf("admin: reset catalog: %w", err)
	}
	a.log.Warn("admin: both stores reset")
	return nil
}

// UpdateCaption replaces the indexed caption of hash, keeping its vector.
func (a *Admin) UpdateCaption(ctx context.Context, hash, caption string) error {
	if err := domain.ValidateHash(hash); err != nil {
		return err
	}
	if err := a.index.UpdateCaption(ctx, hash, caption); err != nil {
		return fmt.Errorf("admin: update caption: %w", err)
	}
	a.log.Info("admin: caption updated", "hash", hash)
	return nil
}

// DeleteEmbedding removes hash from the index. The catalog keeps its
// captions, so the next sync re-embeds the image.
func (a *Admin) DeleteEmbedding(ctx context.Context, hash string) error {
	if err := domain.ValidateHash(hash); err != nil {
		return err
	}
	if err := a.index.Delete(ctx, hash); err != nil {
		return fmt.Errorf("admin: delete embedding: %w", err)
	}
	a.log.Info("admin: embedding deleted", "hash", hash)
	return nil
}
