package eval

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/WessleyAI/captionstore/engine/content"
	"github.com/WessleyAI/captionstore/engine/domain"
)

// --- Fakes ---

type fakeCatalog map[string][]domain.ImageRecord

func (c fakeCatalog) ForPrompt(_ context.Context, prompt string) ([]domain.ImageRecord, error) {
	return c[prompt], nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	vecs  map[string][]float32
	calls map[string]int
}

func newEmbedder(vecs map[string][]float32) *fakeEmbedder {
	return &fakeEmbedder{vecs: vecs, calls: make(map[string]int)}
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[text]++
	v, ok := e.vecs[text]
	if !ok {
		return nil, errors.New("no vector for " + text)
	}
	return v, nil
}

// fakeSearcher returns the neighbor list registered for a query's first
// component.
type fakeSearcher map[float32][]string

func (s fakeSearcher) Search(_ context.Context, q []float32, limit int) ([]domain.Hit, error) {
	var out []domain.Hit
	for i, h := range s[q[0]] {
		if i == limit {
			break
		}
		out = append(out, domain.Hit{ContentHash: h, Distance: float32(i)})
	}
	return out, nil
}

func record(name, prompt, caption string) domain.ImageRecord {
	return domain.ImageRecord{
		ContentHash: content.Hash([]byte(name)),
		SourcePath:  "coco/images/" + name,
		Prompt:      prompt,
		Caption:     caption,
	}
}

// --- Tests ---

func TestCaptionVsReferences(t *testing.T) {
	cat := fakeCatalog{"p": {
		record("a.jpg", "p", "a dog"),
		record("b.jpg", "p", "a bird"),
	}}
	emb := newEmbedder(map[string][]float32{
		"a dog": {1, 0},
		"a cat": {0, 1},
	})
	refs := References{"a.jpg": {"a dog", "a cat"}}

	got, err := NewEvaluator(cat, nil, emb, nil).CaptionVsReferences(context.Background(), "p", refs)
	if err != nil {
		t.Fatalf("CaptionVsReferences: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("scored %d images, want 1 (b.jpg has no references)", len(got))
	}
	s := got[0]
	if s.Image != "a.jpg" || s.Similarity != (Stats{Min: 0, Max: 1, Mean: 0.5}) {
		t.Fatalf("score = %+v", s)
	}
	if !near(s.PRF.Recall, 2.0/3) || !near(s.PRF.Precision, 1) {
		t.Fatalf("prf = %+v", s.PRF)
	}
}

func TestCaptionVsReferences_CachesEmbeddings(t *testing.T) {
	cat := fakeCatalog{
		"p1": {record("a.jpg", "p1", "x")},
		"p2": {record("a.jpg", "p2", "y")},
	}
	emb := newEmbedder(map[string][]float32{"x": {1}, "y": {1}, "ref": {1}})
	ev := NewEvaluator(cat, nil, emb, nil)
	refs := References{"a.jpg": {"ref"}}
	for _, p := range []string{"p1", "p2"} {
		if _, err := ev.CaptionVsReferences(context.Background(), p, refs); err != nil {
			t.Fatalf("%s: %v", p, err)
		}
	}
	if emb.calls["ref"] != 1 {
		t.Fatalf("reference embedded %d times, want 1", emb.calls["ref"])
	}
}

func TestCaptionVsReferences_SkipsUnembeddable(t *testing.T) {
	cat := fakeCatalog{"p": {record("a.jpg", "p", "unknown caption")}}
	emb := newEmbedder(map[string][]float32{"ref": {1}})
	_, err := NewEvaluator(cat, nil, emb, nil).CaptionVsReferences(context.Background(), "p",
		References{"a.jpg": {"ref"}})
	if !errors.Is(err, domain.ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}
}

func TestCaptionVsReferences_FailedReferenceScoresZero(t *testing.T) {
	cat := fakeCatalog{"p": {record("a.jpg", "p", "cap")}}
	emb := newEmbedder(map[string][]float32{"cap": {1, 0}, "good": {1, 0}})
	got, err := NewEvaluator(cat, nil, emb, nil).CaptionVsReferences(context.Background(), "p",
		References{"a.jpg": {"good", "missing"}})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Similarity != (Stats{Min: 0, Max: 1, Mean: 0.5}) {
		t.Fatalf("similarity = %+v", got[0].Similarity)
	}
}

func TestSummary(t *testing.T) {
	s := Summary("p", []CaptionScore{
		{Similarity: Stats{Max: 1, Mean: 0.5}, AP: 0.2},
		{Similarity: Stats{Max: 0.5, Mean: 0.25}, AP: 0.4},
	})
	if s.Images != 2 || !near(s.AvgMaxSim, 0.75) || !near(s.AvgAvgSim, 0.375) || !near(s.MeanAP, 0.3) {
		t.Fatalf("summary = %+v", s)
	}
	if Summary("p", nil).Images != 0 {
		t.Fatal("empty summary")
	}
}

func TestCompareSources(t *testing.T) {
	a1 := record("a.jpg", "A", "one")
	b1 := record("a.jpg", "B", "uno")
	onlyA := record("c.jpg", "A", "three")
	cat := fakeCatalog{"A": {a1, onlyA}, "B": {b1}}
	emb := newEmbedder(map[string][]float32{"one": {1, 0}, "uno": {2, 0}})
	idx := fakeSearcher{
		1: {"h1", "h2", "h3"},
		2: {"h3", "h1", "h9"},
	}

	got, err := NewEvaluator(cat, idx, emb, nil).CompareSources(context.Background(), "A", "B", 3)
	if err != nil {
		t.Fatalf("CompareSources: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("compared %d images, want 1", len(got))
	}
	if got[0].SubjectID != a1.ContentHash || !near(got[0].Similarity, 1) || !near(got[0].RankOverlap, 2.0/3) {
		t.Fatalf("score = %+v", got[0])
	}
}

func TestCompareSources_NothingInCommon(t *testing.T) {
	cat := fakeCatalog{"A": {record("a.jpg", "A", "x")}, "B": {record("b.jpg", "B", "y")}}
	_, err := NewEvaluator(cat, fakeSearcher{}, newEmbedder(nil), nil).CompareSources(context.Background(), "A", "B", 5)
	if !errors.Is(err, domain.ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}
}

func TestScoreTexts(t *testing.T) {
	got := ScoreTexts(
		map[string]string{"b.jpg": "a cat sat on the mat", "a.jpg": "x", "z.jpg": "no refs"},
		References{"a.jpg": {"y"}, "b.jpg": {"a cat sat on the mat"}},
	)
	if len(got) != 3 || got[0].Image != "a.jpg" || got[1].Image != "b.jpg" || got[2].Image != "z.jpg" {
		t.Fatalf("scores = %+v", got)
	}
	for n, b := range got[1].BLEU {
		if !near(b, 1) {
			t.Errorf("BLEU-%d = %v, want 1", n+1, b)
		}
	}
	if z := got[2]; z.AP != 0 || z.PRF != (PRF{}) || z.BLEU != ([4]float64{}) {
		t.Fatalf("image without references = %+v, want all zero", z)
	}
}

func TestScoreTexts_UnreferencedImagesLowerTheMean(t *testing.T) {
	generated := map[string]string{"a.jpg": "a cat sat", "b.jpg": "a cat sat"}
	got := ScoreTexts(generated, References{"a.jpg": {"a cat sat"}})
	if len(got) != 2 {
		t.Fatalf("scores = %+v", got)
	}
	mAP := MeanAveragePrecision([]Pair{
		{Generated: "a cat sat", References: []string{"a cat sat"}},
		{Generated: "a cat sat"},
	})
	if got[1].AP != 0 || !near(mAP, got[0].AP/2) {
		t.Fatalf("MAP = %v, per-image AP = %v, %v", mAP, got[0].AP, got[1].AP)
	}

	path := filepath.Join(t.TempDir(), "post_test_scores.csv")
	if err := WriteTextReport(path, got); err != nil {
		t.Fatal(err)
	}
	rows := readCSV(t, path)
	last := rows[len(rows)-1]
	if last[0] != AverageLabel || last[8] != f4(got[0].AP/2) {
		t.Fatalf("average row = %v", last)
	}
}

// --- Reports ---

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestWriteCaptionReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "scores.csv")
	err := WriteCaptionReport(path, []CaptionScore{
		{Image: "a.jpg", Caption: "a, dog", Similarity: Stats{Min: 0.1, Max: 0.9, Mean: 0.5}},
		{Image: "b.jpg", Caption: "b", Similarity: Stats{Min: 0.2, Max: 0.7, Mean: 0.3}},
	})
	if err != nil {
		t.Fatalf("WriteCaptionReport: %v", err)
	}
	rows := readCSV(t, path)
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 2 + average", len(rows))
	}
	if rows[1][9] != "a, dog" {
		t.Fatalf("caption column = %q", rows[1][9])
	}
	avg := rows[3]
	if avg[0] != AverageLabel || avg[1] != "" || avg[2] != "0.8000" || avg[3] != "0.4000" || avg[9] != "N/A" {
		t.Fatalf("average row = %q", avg)
	}
}

func TestWriteReports_EmptyCreatesNothing(t *testing.T) {
	dir := t.TempDir()
	for name, write := range map[string]func(string) error{
		"caption":  func(p string) error { return WriteCaptionReport(p, nil) },
		"pairwise": func(p string) error { return WritePairwiseReport(p, nil) },
		"text":     func(p string) error { return WriteTextReport(p, nil) },
	} {
		path := filepath.Join(dir, name+".csv")
		if err := write(path); !errors.Is(err, domain.ErrNoResults) {
			t.Errorf("%s: expected ErrNoResults, got %v", name, err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s: file was created", name)
		}
	}
}

func TestAppendPromptSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt_scores.csv")
	for _, p := range []string{"first", "second"} {
		if err := AppendPromptSummary(path, PromptSummary{Prompt: p, Images: 1, AvgMaxSim: 0.5}); err != nil {
			t.Fatal(err)
		}
	}
	rows := readCSV(t, path)
	if len(rows) != 3 || rows[0][0] != "prompt" || rows[1][0] != "first" || rows[2][2] != "0.5000" {
		t.Fatalf("rows = %q", rows)
	}
}

func TestWritePairwiseAndTextReports(t *testing.T) {
	dir := t.TempDir()
	pw := filepath.Join(dir, "pairwise.csv")
	if err := WritePairwiseReport(pw, []domain.PairwiseScore{
		{SubjectID: "h1", Similarity: 1, RankOverlap: 0.2},
		{SubjectID: "h2", Similarity: 0.5, RankOverlap: 0.4},
	}); err != nil {
		t.Fatal(err)
	}
	rows := readCSV(t, pw)
	if got := rows[len(rows)-1]; got[0] != AverageLabel || got[1] != "0.7500" || got[2] != "0.3000" {
		t.Fatalf("pairwise average = %q", got)
	}

	tx := filepath.Join(dir, "text.csv")
	if err := WriteTextReport(tx, []TextScore{
		{Image: "a.jpg", BLEU: [4]float64{1, 0.5, 0, 0}},
		{Image: "b.jpg", BLEU: [4]float64{0, 0.5, 0, 1}},
	}); err != nil {
		t.Fatal(err)
	}
	rows = readCSV(t, tx)
	if got := rows[len(rows)-1]; got[1] != "0.5000" || got[2] != "0.5000" || got[4] != "0.5000" {
		t.Fatalf("text average = %q", got)
	}
}

func TestLoadReferences(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "references.json")
	os.WriteFile(path, []byte(`{"a.jpg": ["a dog", "a puppy"]}`), 0o644)
	refs, err := LoadReferences(path)
	if err != nil {
		t.Fatalf("LoadReferences: %v", err)
	}
	if got := refs.For("/any/dir/a.jpg"); len(got) != 2 {
		t.Fatalf("For = %q", got)
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`[1,2]`), 0o644)
	if _, err := LoadReferences(bad); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadReferences(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected read error")
	}
}
