package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/captionstore/engine/catalog"
	"github.com/WessleyAI/captionstore/engine/content"
	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/engine/reconcile"
	"github.com/WessleyAI/captionstore/pkg/metrics"
)

const prompt = "Describe what is happening in this image."

// --- Mocks ---

type mockCaptioner struct {
	calls atomic.Int32
	delay time.Duration
	// reply maps image bytes to a caption or an error.
	reply func(image []byte) (string, error)
}

func (m *mockCaptioner) Caption(ctx context.Context, image []byte, _, p string) (string, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.reply != nil {
		return m.reply(image)
	}
	return "  a photo of " + string(image) + " for " + p + "  ", nil
}

type failingCatalog struct {
	Catalog
	err error
}

func (f *failingCatalog) InsertCaption(context.Context, domain.ImageRecord) error { return f.err }

type mockIndex map[string]bool

func (m mockIndex) Get(_ context.Context, hash string) (domain.EmbeddingRecord, error) {
	if m[hash] {
		return domain.EmbeddingRecord{ContentHash: hash}, nil
	}
	return domain.EmbeddingRecord{}, domain.ErrNotFound
}

type mockSyncer struct{ calls int }

func (m *mockSyncer) Sync(context.Context) (reconcile.Report, error) {
	m.calls++
	return reconcile.Report{Planned: 1, Embedded: 1}, nil
}

type mockNotifier struct {
	mu   sync.Mutex
	recs []domain.ImageRecord
}

func (m *mockNotifier) CaptionStored(_ context.Context, rec domain.ImageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

// --- Helpers ---

func openCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// writeImages creates files under a temp dir; the map value is the file body.
func writeImages(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// --- Tests ---

func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := openCatalog(t)
	capt := &mockCaptioner{}
	dir := writeImages(t, map[string]string{
		"a.jpg":      "cat",
		"b.png":      "dog",
		"copy/a.jpg": "cat",
		"notes.txt":  "ignored",
	})
	o := New(Deps{Catalog: store, Captioner: capt}, Options{})

	sum, err := o.Run(ctx, dir, prompt)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	want := Summary{Discovered: 3, Captioned: 2, AlreadyLabeled: 1}
	if sum != want {
		t.Fatalf("first run = %+v, want %+v", sum, want)
	}

	sum, err = o.Run(ctx, dir, prompt)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum != (Summary{Discovered: 3, AlreadyLabeled: 3}) {
		t.Fatalf("second run = %+v", sum)
	}
	if capt.calls.Load() != 2 {
		t.Fatalf("collaborator called %d times, want 2", capt.calls.Load())
	}

	rec, err := store.Caption(ctx, content.Hash([]byte("cat")), prompt)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Caption != "a photo of cat for "+prompt {
		t.Fatalf("caption not trimmed: %q", rec.Caption)
	}
	if n, _ := store.Count(ctx); n != 2 {
		t.Fatalf("catalog rows = %d, want 2", n)
	}
}

func TestRun_ConcurrentDuplicatesCaptionOnce(t *testing.T) {
	files := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		files[name+".jpg"] = "same bytes"
	}
	dir := writeImages(t, files)
	capt := &mockCaptioner{delay: 10 * time.Millisecond}
	o := New(Deps{Catalog: openCatalog(t), Captioner: capt}, Options{Workers: 4})

	sum, err := o.Run(context.Background(), dir, prompt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if capt.calls.Load() != 1 {
		t.Fatalf("collaborator called %d times for one image", capt.calls.Load())
	}
	if sum.Captioned != 1 || sum.AlreadyLabeled != 7 {
		t.Fatalf("summary = %+v", sum)
	}
	if o.locks.held() != 0 {
		t.Fatalf("%d locks leaked", o.locks.held())
	}
}

func TestRun_SharedLocksAcrossOrchestrators(t *testing.T) {
	dir := writeImages(t, map[string]string{"only.jpg": "one image"})
	store := openCatalog(t)
	capt := &mockCaptioner{delay: 50 * time.Millisecond}
	locks := NewLocks()

	var (
		wg   sync.WaitGroup
		sums [2]Summary
		errs [2]error
	)
	for i := range 2 {
		o := New(Deps{Catalog: store, Captioner: capt, Locks: locks}, Options{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			sums[i], errs[i] = o.Run(context.Background(), dir, prompt)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if capt.calls.Load() != 1 {
		t.Fatalf("collaborator called %d times for one (hash, prompt)", capt.calls.Load())
	}
	if got := sums[0].Captioned + sums[1].Captioned; got != 1 {
		t.Fatalf("captioned %d times across runs: %+v", got, sums)
	}
	if got := sums[0].AlreadyLabeled + sums[1].AlreadyLabeled; got != 1 {
		t.Fatalf("already labeled = %d: %+v", got, sums)
	}
	if locks.held() != 0 {
		t.Fatalf("%d locks leaked", locks.held())
	}
}

func TestRun_PromptsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := openCatalog(t)
	capt := &mockCaptioner{}
	dir := writeImages(t, map[string]string{"a.jpg": "cat"})
	o := New(Deps{Catalog: store, Captioner: capt}, Options{})

	for _, p := range []string{prompt, "List the main objects visible in this image."} {
		sum, err := o.Run(ctx, dir, p)
		if err != nil {
			t.Fatal(err)
		}
		if sum.Captioned != 1 {
			t.Fatalf("prompt %q: %+v", p, sum)
		}
	}
	if capt.calls.Load() != 2 {
		t.Fatalf("calls = %d, want one per prompt", capt.calls.Load())
	}
}

func TestRun_FailedCaptionsAreNotPersisted(t *testing.T) {
	ctx := context.Background()
	store := openCatalog(t)
	var broken atomic.Bool
	broken.Store(true)
	capt := &mockCaptioner{reply: func(img []byte) (string, error) {
		switch {
		case string(img) == "empty":
			return " \n", nil
		case string(img) == "flaky" && broken.Load():
			return "", errors.New("upstream unavailable")
		}
		return "ok " + string(img), nil
	}}
	dir := writeImages(t, map[string]string{"a.jpg": "empty", "b.jpg": "flaky", "c.jpg": "fine"})
	o := New(Deps{Catalog: store, Captioner: capt}, Options{})

	sum, err := o.Run(ctx, dir, prompt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Captioned != 1 || sum.Skipped != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if has, _ := store.HasCaption(ctx, content.Hash([]byte("empty")), prompt); has {
		t.Fatal("empty caption was persisted")
	}

	// The next run retries only what was skipped.
	broken.Store(false)
	before := capt.calls.Load()
	sum, err = o.Run(ctx, dir, prompt)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Captioned != 1 || sum.Skipped != 1 || sum.AlreadyLabeled != 1 {
		t.Fatalf("rerun summary = %+v", sum)
	}
	if got := capt.calls.Load() - before; got != 2 {
		t.Fatalf("rerun calls = %d, want 2", got)
	}
}

func TestRun_StoreFailureStopsRun(t *testing.T) {
	dir := writeImages(t, map[string]string{"a.jpg": "a", "b.jpg": "b"})
	cat := &failingCatalog{Catalog: openCatalog(t), err: errors.New("disk I/O error")}
	capt := &mockCaptioner{}
	_, err := New(Deps{Catalog: cat, Captioner: capt}, Options{}).Run(context.Background(), dir, prompt)
	if err == nil || !strings.Contains(err.Error(), "disk I/O error") {
		t.Fatalf("expected store error, got %v", err)
	}
	if capt.calls.Load() != 1 {
		t.Fatalf("run continued after store failure: %d calls", capt.calls.Load())
	}
}

func TestRun_ConstraintViolationCountsAsLabeled(t *testing.T) {
	dir := writeImages(t, map[string]string{"a.jpg": "a"})
	cat := &failingCatalog{Catalog: openCatalog(t), err: domain.ErrConstraintViolation}
	sum, err := New(Deps{Catalog: cat, Captioner: &mockCaptioner{}}, Options{}).Run(context.Background(), dir, prompt)
	if err != nil {
		t.Fatal(err)
	}
	if sum.AlreadyLabeled != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRun_EmptyPrompt(t *testing.T) {
	o := New(Deps{Catalog: openCatalog(t), Captioner: &mockCaptioner{}}, Options{})
	_, err := o.Run(context.Background(), t.TempDir(), "  ")
	if !errors.Is(err, domain.ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestRun_MissingDirectory(t *testing.T) {
	o := New(Deps{Catalog: openCatalog(t), Captioner: &mockCaptioner{}}, Options{})
	if _, err := o.Run(context.Background(), filepath.Join(t.TempDir(), "nope"), prompt); err == nil {
		t.Fatal("expected error")
	}
}

func TestRun_Cancelled(t *testing.T) {
	dir := writeImages(t, map[string]string{"a.jpg": "a", "b.jpg": "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	capt := &mockCaptioner{}
	_, err := New(Deps{Catalog: openCatalog(t), Captioner: capt}, Options{}).Run(ctx, dir, prompt)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if capt.calls.Load() != 0 {
		t.Fatal("collaborator called after cancel")
	}
}

func TestRun_SyncAfterAndHooks(t *testing.T) {
	dir := writeImages(t, map[string]string{"a.jpg": "a", "b.jpg": "b"})
	syncer := &mockSyncer{}
	notifier := &mockNotifier{}
	reg := metrics.New()
	discovered := 0
	var mu sync.Mutex
	var outcomes []Outcome
	o := New(Deps{
		Catalog:   openCatalog(t),
		Captioner: &mockCaptioner{},
		Syncer:    syncer,
		Notifier:  notifier,
		Metrics:   metrics.NewPipeline(reg),
	}, Options{
		SyncAfter:  true,
		OnDiscover: func(n int) { discovered = n },
		OnItem: func(it Item) {
			mu.Lock()
			outcomes = append(outcomes, it.Outcome)
			mu.Unlock()
		},
	})

	sum, err := o.Run(context.Background(), dir, prompt)
	if err != nil {
		t.Fatal(err)
	}
	if syncer.calls != 1 || sum.Sync == nil || sum.Sync.Embedded != 1 {
		t.Fatalf("sync not run: %+v", sum)
	}
	if discovered != 2 || len(outcomes) != 2 || len(notifier.recs) != 2 {
		t.Fatalf("hooks: discovered=%d outcomes=%v notified=%d", discovered, outcomes, len(notifier.recs))
	}
	if notifier.recs[0].Prompt != prompt || notifier.recs[0].SourcePath == "" {
		t.Fatalf("notified record = %+v", notifier.recs[0])
	}
	if !strings.Contains(reg.Render(), "captionstore_captions_stored_total 2") {
		t.Fatalf("metrics:\n%s", reg.Render())
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	store := openCatalog(t)
	idx := mockIndex{}
	dir := writeImages(t, map[string]string{"a.jpg": "a"})
	o := New(Deps{Catalog: store, Captioner: &mockCaptioner{}, Index: idx}, Options{})
	hash := content.Hash([]byte("a"))

	check := func(want domain.State) {
		t.Helper()
		got, err := o.Status(ctx, hash, prompt)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if got != want {
			t.Fatalf("state = %v, want %v", got, want)
		}
	}

	check(domain.StateUnseen)
	if _, err := o.Run(ctx, dir, prompt); err != nil {
		t.Fatal(err)
	}
	check(domain.StateCaptionedNoEmbedding)
	idx[hash] = true
	check(domain.StateEmbedded)

	if _, err := o.Status(ctx, "not-a-hash", prompt); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLabelFile_Unreadable(t *testing.T) {
	o := New(Deps{Catalog: openCatalog(t), Captioner: &mockCaptioner{}}, Options{})
	it, err := o.LabelFile(context.Background(), filepath.Join(t.TempDir(), "gone.jpg"), prompt)
	if err != nil {
		t.Fatalf("LabelFile: %v", err)
	}
	if it.Outcome != OutcomeFailed || it.Err == nil {
		t.Fatalf("item = %+v", it)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex[string]()
	unlockA := k.Lock("a")
	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	// Another key is independent.
	k.Lock("b")()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	// The goroutine's unlock may still be running.
	deadline := time.Now().Add(time.Second)
	for k.len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if k.len() != 0 {
		t.Fatalf("%d keys retained", k.len())
	}
}

func TestOutcomeString(t *testing.T) {
	if OutcomeAlreadyLabeled.String() != "already_labeled" || Outcome(42).String() != "unknown" {
		t.Fatal("unexpected outcome names")
	}
}
