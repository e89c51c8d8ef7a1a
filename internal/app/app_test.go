package app

import (
	"context"
	"errors"
	"testing"

	"github.com/WessleyAI/captionstore/engine/content"
	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/engine/ingest"
	"github.com/WessleyAI/captionstore/engine/reconcile"
	"github.com/WessleyAI/captionstore/internal/app/apptest"
	"github.com/WessleyAI/captionstore/pkg/config"
)

func newApp(t *testing.T) (*App, *apptest.Ollama) {
	t.Helper()
	o := apptest.NewOllama(t)
	a, err := New(context.Background(), apptest.Config(t, o.URL), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, o
}

func TestApp_LabelSyncSearch(t *testing.T) {
	ctx := context.Background()
	a, o := newApp(t)
	dir := t.TempDir()
	apptest.WriteImages(t, dir, map[string]string{
		"a.jpg":     "image-a",
		"b.png":     "image-b",
		"dup/a.jpg": "image-a",
		"notes.txt": "not an image",
	})

	planner := a.Planner(reconcile.Options{})
	sum, err := a.Orchestrator(planner, nil, ingest.Options{SyncAfter: true}).Run(ctx, dir, "p")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Discovered != 3 || sum.Captioned != 2 || sum.AlreadyLabeled != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Sync == nil || sum.Sync.Embedded != 2 {
		t.Fatalf("sync = %+v", sum.Sync)
	}
	if got := o.Captions.Load(); got != 2 {
		t.Fatalf("captioner calls = %d", got)
	}

	res, err := a.Retrieval.Query(ctx, "a photo", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Hits) != 2 {
		t.Fatalf("hits = %+v", res.Hits)
	}

	st, err := a.Orchestrator(nil, nil, ingest.Options{}).Status(ctx, content.Hash([]byte("image-a")), "p")
	if err != nil || st != domain.StateEmbedded {
		t.Fatalf("status = %v, %v", st, err)
	}
}

func TestApp_ResetEmptiesStores(t *testing.T) {
	ctx := context.Background()
	a, _ := newApp(t)
	dir := t.TempDir()
	apptest.WriteImages(t, dir, map[string]string{"a.jpg": "image-a"})
	if _, err := a.Orchestrator(a.Planner(reconcile.Options{}), nil, ingest.Options{SyncAfter: true}).Run(ctx, dir, "p"); err != nil {
		t.Fatal(err)
	}

	if err := a.Admin.Reset(ctx, "no"); !errors.Is(err, domain.ErrResetNotConfirmed) {
		t.Fatalf("expected ErrResetNotConfirmed, got %v", err)
	}
	if err := a.Admin.Reset(ctx, domain.ResetConfirmation); err != nil {
		t.Fatal(err)
	}
	if n, _ := a.Catalog.Count(ctx); n != 0 {
		t.Fatalf("catalog rows = %d", n)
	}
	if n, _ := a.Index.Count(ctx); n != 0 {
		t.Fatalf("index points = %d", n)
	}
}

func TestApp_Ping(t *testing.T) {
	a, _ := newApp(t)
	if err := a.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpenIndex_UnknownBackend(t *testing.T) {
	_, err := OpenIndex(context.Background(), config.IndexConfig{Backend: "faiss"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}
