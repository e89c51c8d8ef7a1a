package eval

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/pkg/fn"
)

// AverageLabel marks the aggregate row appended to every report.
const AverageLabel = "AVERAGE"

// LoadReferences reads a JSON object mapping image file names to lists of
// reference captions.
func LoadReferences(path string) (References, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eval: load references: %w", err)
	}
	var refs References
	if err := json.Unmarshal(b, &refs); err != nil {
		return nil, fmt.Errorf("eval: parse references %s: %w", path, err)
	}
	return refs, nil
}

// LoadGenerated reads a JSON object mapping image file names to a single
// generated caption.
func LoadGenerated(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eval: load captions: %w", err)
	}
	var out map[string]string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("eval: parse captions %s: %w", path, err)
	}
	return out, nil
}

func f4(x float64) string { return strconv.FormatFloat(x, 'f', 4, 64) }

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func mean[T any](rows []T, f func(T) float64) float64 {
	return Summarize(fn.Map(rows, f)).Mean
}

// writeCSV creates path with header and rows. Nothing is created when rows
// is empty.
func writeCSV(path string, header []string, rows [][]string) error {
	if len(rows) == 0 {
		return fmt.Errorf("eval: write %s: %w", path, domain.ErrNoResults)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("eval: write %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("eval: write %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	w.Write(header)
	w.WriteAll(rows)
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("eval: write %s: %w", path, err)
	}
	return f.Close()
}

// WriteCaptionReport writes one row per image and a trailing AVERAGE row.
func WriteCaptionReport(path string, scores []CaptionScore) error {
	if len(scores) == 0 {
		return writeCSV(path, nil, nil)
	}
	header := []string{"image", "similarity_min", "similarity_max", "similarity_avg",
		"precision", "recall", "f1", "average_precision", "bleu_4", "caption"}
	rows := fn.Map(scores, func(s CaptionScore) []string {
		return []string{s.Image, f4(s.Similarity.Min), f4(s.Similarity.Max), f4(s.Similarity.Mean),
			f4(s.PRF.Precision), f4(s.PRF.Recall), f4(s.PRF.F1), f4(s.AP), f4(s.BLEU4), s.Caption}
	})
	rows = append(rows, []string{AverageLabel, "",
		f4(mean(scores, func(s CaptionScore) float64 { return s.Similarity.Max })),
		f4(mean(scores, func(s CaptionScore) float64 { return s.Similarity.Mean })),
		f4(mean(scores, func(s CaptionScore) float64 { return s.PRF.Precision })),
		f4(mean(scores, func(s CaptionScore) float64 { return s.PRF.Recall })),
		f4(mean(scores, func(s CaptionScore) float64 { return s.PRF.F1 })),
		f4(mean(scores, func(s CaptionScore) float64 { return s.AP })),
		f4(mean(scores, func(s CaptionScore) float64 { return s.BLEU4 })),
		"N/A"})
	return writeCSV(path, header, rows)
}

var summaryHeader = []string{"prompt", "images", "average_max_similarity", "average_avg_similarity",
	"mean_average_precision", "average_f1", "average_bleu_4"}

// AppendPromptSummary appends one row to the prompt summary at path,
// writing the header first when the file is new.
func AppendPromptSummary(path string, s PromptSummary) error {
	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, fs.ErrNotExist)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("eval: append summary: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eval: append summary: %w", err)
	}
	w := csv.NewWriter(f)
	if fresh {
		w.Write(summaryHeader)
	}
	w.Write([]string{s.Prompt, strconv.Itoa(s.Images), f4(s.AvgMaxSim), f4(s.AvgAvgSim),
		f4(s.MeanAP), f4(s.AvgF1), f4(s.AvgBLEU4)})
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("eval: append summary: %w", err)
	}
	return f.Close()
}

// WritePairwiseReport writes one row per subject and a trailing AVERAGE row.
func WritePairwiseReport(path string, scores []domain.PairwiseScore) error {
	if len(scores) == 0 {
		return writeCSV(path, nil, nil)
	}
	rows := fn.Map(scores, func(s domain.PairwiseScore) []string {
		return []string{s.SubjectID, f4(s.Similarity), f4(s.RankOverlap)}
	})
	rows = append(rows, []string{AverageLabel,
		f4(mean(scores, func(s domain.PairwiseScore) float64 { return s.Similarity })),
		f4(mean(scores, func(s domain.PairwiseScore) float64 { return s.RankOverlap }))})
	return writeCSV(path, []string{"content_hash", "similarity", "rank_overlap"}, rows)
}

// WriteTextReport writes BLEU-1..4 and token metrics per image and a
// trailing AVERAGE row.
func WriteTextReport(path string, scores []TextScore) error {
	if len(scores) == 0 {
		return writeCSV(path, nil, nil)
	}
	header := []string{"image", "bleu_1", "bleu_2", "bleu_3", "bleu_4",
		"precision", "recall", "f1", "average_precision", "caption"}
	row := func(label string, bleu [4]float64, p PRF, ap float64, caption string) []string {
		return []string{label, f4(bleu[0]), f4(bleu[1]), f4(bleu[2]), f4(bleu[3]),
			f4(p.Precision), f4(p.Recall), f4(p.F1), f4(ap), caption}
	}
	rows := fn.Map(scores, func(s TextScore) []string {
		return row(s.Image, s.BLEU, s.PRF, s.AP, s.Caption)
	})
	var avgBLEU [4]float64
	for i := range avgBLEU {
		avgBLEU[i] = mean(scores, func(s TextScore) float64 { return s.BLEU[i] })
	}
	avgPRF := PRF{
		Precision: mean(scores, func(s TextScore) float64 { return s.PRF.Precision }),
		Recall:    mean(scores, func(s TextScore) float64 { return s.PRF.Recall }),
		F1:        mean(scores, func(s TextScore) float64 { return s.PRF.F1 }),
	}
	rows = append(rows, row(AverageLabel, avgBLEU, avgPRF,
		mean(scores, func(s TextScore) float64 { return s.AP }), "N/A"))
	return writeCSV(path, header, rows)
}
